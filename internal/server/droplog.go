package server

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/echodev/echod/internal/events"
)

// dropLog reports capacity drops to the operator without letting a flood
// of refused connections flood the log as well.
type dropLog struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
	logger     *slog.Logger
}

func newDropLog(logger *slog.Logger) *dropLog {
	return &dropLog{
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		logger:  logger,
	}
}

func (d *dropLog) attach(bus *events.Bus) {
	bus.Subscribe(events.ConnectionDropped, d.handle)
}

func (d *dropLog) handle(e events.Event) {
	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	d.logger.Warn("connection dropped: at capacity",
		"peer", e.Data["peer"],
		"max_clients", e.Data["max_clients"],
		"suppressed", d.suppressed.Swap(0),
	)
}
