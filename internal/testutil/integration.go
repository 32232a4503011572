//go:build integration

package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/echodev/echod/internal/api"
	"github.com/echodev/echod/internal/events"
	"github.com/echodev/echod/internal/metrics"
)

// IntegrationServer is a real metrics API server on a loopback port.
type IntegrationServer struct {
	Server  *api.Server
	Bus     *events.Bus
	Metrics *metrics.Collector
	URL     string
}

// StartIntegrationServer starts an API server on 127.0.0.1 with a random
// port and registers cleanup to shut it down.
func StartIntegrationServer(t *testing.T, ls api.ListenerSource, di api.DaemonInfo) *IntegrationServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	bus := events.NewBus(logger)
	m := metrics.New()

	srv := api.NewServer(api.Config{}, ls, di, m.Handler(), bus, logger)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("cannot start integration server: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	url := "http://" + srv.Addr()
	WaitFor(t, func() bool {
		code, _, err := Get(url + "/healthz")
		return err == nil && code == 200
	}, 5*time.Second)

	return &IntegrationServer{
		Server:  srv,
		Bus:     bus,
		Metrics: m,
		URL:     url,
	}
}
