package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSSink_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("test.runs.>", msgs)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, sub.Flush())

	sink, err := ConnectNATS(server.ClientURL(), "test.runs", nil)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	bus := NewBus(sink, nil)
	require.NoError(t, bus.Publish(context.Background(), Event{RunID: "abc", Kind: KindFinalAnswer, Data: FinalAnswer{Text: "4"}}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.runs.abc.final_answer", msg.Subject)
		var got struct {
			Seq   int64          `json:"seq"`
			RunID string         `json:"run_id"`
			Kind  Kind           `json:"kind"`
			Data  map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, int64(1), got.Seq)
		assert.Equal(t, "abc", got.RunID)
		assert.Equal(t, KindFinalAnswer, got.Kind)
		assert.Equal(t, "4", got.Data["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSSink_DefaultPrefix(t *testing.T) {
	sink := NewNATSSink(nil, "", nil)
	assert.Equal(t, "agentloop.runs.r1.plan_proposed", sink.Subject(Event{RunID: "r1", Kind: KindPlanProposed}))
	assert.NoError(t, sink.Close(), "borrowed connections are not closed")
}
