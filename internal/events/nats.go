package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "agentloop.runs"

// NATSSink publishes each event as JSON on <prefix>.<run_id>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("agentloop"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	s := NewNATSSink(nc, prefix, logger)
	s.owned = true
	return s, nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.RunID, e.Kind)
}

func (s *NATSSink) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Drain()
}
