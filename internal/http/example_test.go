package http_test

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/events"
	httpserver "github.com/fyrsmithlabs/agentloop/internal/http"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
	"go.uber.org/zap"
)

// ExampleServer demonstrates how to create and start the HTTP server.
func ExampleServer() {
	logger := zap.NewNop()

	bus := events.NewBus(nil, logger)
	manager := runs.NewManager(bus, runs.Options{}, nil)

	server, err := httpserver.NewServer(manager, bus, nil, logger, &httpserver.Config{
		Host: "127.0.0.1",
		Port: 0,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	_ = manager.Shutdown(ctx)

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
