// Package metrics counts poll outcomes and publishes periodic snapshots to
// the bridge metrics topic. The same counts are exported to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// DefaultPublishInterval is the snapshot cadence on the metrics topic.
const DefaultPublishInterval = 10 * time.Second

var (
	promPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tuya2mqtt",
		Name:      "polls_total",
		Help:      "Total device status polls attempted.",
	})
	promPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuya2mqtt",
		Name:      "poll_errors_total",
		Help:      "Device status polls that failed, by error code.",
	}, []string{"code"})
	promSlowPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tuya2mqtt",
		Name:      "slow_polls_total",
		Help:      "Device status polls slower than the slow threshold.",
	})
)

// PublishFunc delivers the JSON snapshot to the metrics topic.
type PublishFunc func(payload any) error

// Collector accumulates poll counters and publishes them on a fixed cadence.
type Collector struct {
	log     *slog.Logger
	clock   clockwork.Clock
	publish PublishFunc
	every   time.Duration

	mu     sync.Mutex
	total  uint64
	slow   uint64
	errors map[string]uint64
}

func New(log *slog.Logger, clock clockwork.Clock, publish PublishFunc, every time.Duration) *Collector {
	if every <= 0 {
		every = DefaultPublishInterval
	}
	return &Collector{
		log:     log,
		clock:   clock,
		publish: publish,
		every:   every,
		errors:  make(map[string]uint64),
	}
}

// CountPoll records one poll attempt.
func (c *Collector) CountPoll() {
	promPollsTotal.Inc()
	c.mu.Lock()
	c.total++
	c.mu.Unlock()
}

// CountError records a failed poll under its error code.
func (c *Collector) CountError(err error) {
	code, ok := tuya.CodeOf(err)
	if !ok {
		code = tuya.ErrState
	}
	promPollErrors.WithLabelValues(string(code)).Inc()
	c.mu.Lock()
	c.errors["ERR_"+string(code)]++
	c.mu.Unlock()
}

// CountSlow records a poll that exceeded the slow threshold.
func (c *Collector) CountSlow() {
	promSlowPolls.Inc()
	c.mu.Lock()
	c.slow++
	c.mu.Unlock()
}

// Snapshot is the document published to the metrics topic.
type Snapshot struct {
	TotalPolls    uint64            `json:"total_polls"`
	ErrorStats    map[string]uint64 `json:"error_stats"`
	SlowResponses uint64            `json:"slow_responses"`
}

func (c *Collector) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := make(map[string]uint64, len(c.errors))
	for k, v := range c.errors {
		errs[k] = v
	}
	return Snapshot{TotalPolls: c.total, ErrorStats: errs, SlowResponses: c.slow}
}

// Run publishes snapshots until the context is cancelled, emitting one final
// snapshot on the way out.
func (c *Collector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.emit()
			return nil
		case <-ticker.Chan():
			c.emit()
		}
	}
}

func (c *Collector) emit() {
	if err := c.publish(c.snapshot()); err != nil {
		c.log.Error("Failed to publish metrics snapshot", "error", err)
	}
}
