// Package poller drives the periodic status reads for every registered
// device.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tuya2mqtt/tuya2mqtt/internal/entity"
	"github.com/tuya2mqtt/tuya2mqtt/internal/registry"
)

// Poller enqueues one low-priority status command per device every interval.
// The callback is supplied by the bridge, which owns the status pipeline.
type Poller struct {
	log      *slog.Logger
	clock    clockwork.Clock
	reg      *registry.Registry
	interval time.Duration
	callback entity.Callback
}

func New(log *slog.Logger, clock clockwork.Clock, reg *registry.Registry, interval time.Duration, callback entity.Callback) *Poller {
	return &Poller{
		log:      log,
		clock:    clock,
		reg:      reg,
		interval: interval,
		callback: callback,
	}
}

// Run ticks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("Poll loop started", "interval", p.interval)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Poll loop stopped")
			return nil
		case <-ticker.Chan():
			for _, e := range p.reg.All() {
				e.PollStatus(p.callback)
			}
		}
	}
}
