// Package entity runs the per-device command pipeline: a priority queue with
// TTL drop semantics consumed by one dedicated worker per device.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tuya2mqtt/tuya2mqtt/internal/tuya"
)

// Result is what a finished command delivers to its callback: either a DPS
// map or a classified error, plus the wall latency of the transport call.
type Result struct {
	DPS     tuya.DPS
	Err     error
	Latency time.Duration
}

// Callback receives the outcome of a command executed by the worker.
type Callback func(devID string, res Result)

// Entity is the live runtime object for one device: it owns the device
// record, its transport, the command queue and the worker consuming it.
// lastStatus is touched only by the worker goroutine.
type Entity struct {
	log   *slog.Logger
	clock clockwork.Clock
	dev   *tuya.Device
	typeC bool

	transportMu sync.RWMutex
	transport   tuya.LocalTransport

	queue *commandQueue
	seq   atomic.Uint64

	lastStatus tuya.DPS

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

// New builds the entity and starts its worker.
func New(log *slog.Logger, clock clockwork.Clock, dev *tuya.Device, transport tuya.LocalTransport) *Entity {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Entity{
		log:       log.With("device", dev.ID),
		clock:     clock,
		dev:       dev,
		transport: transport,
		typeC:     dev.TypeC(),
		queue:     newCommandQueue(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go e.worker()
	return e
}

func (e *Entity) ID() string { return e.dev.ID }

// Device returns the owned record. Mutations go through the registry, which
// serializes them against persistence.
func (e *Entity) Device() *tuya.Device { return e.dev }

// SetTransport rebinds the entity to a fresh transport. Commands already in
// flight finish on the old one; everything the worker picks up afterwards
// uses the replacement. Used after a key update.
func (e *Entity) SetTransport(t tuya.LocalTransport) {
	e.transportMu.Lock()
	e.transport = t
	e.transportMu.Unlock()
}

func (e *Entity) local() tuya.LocalTransport {
	e.transportMu.RLock()
	defer e.transportMu.RUnlock()
	return e.transport
}

// LastStatus returns the status snapshot cached by the worker. Only safe to
// read from command closures running on the worker itself.
func (e *Entity) lastBool(dp string) (bool, bool) {
	v, ok := e.lastStatus[dp].(bool)
	return v, ok
}

// Stop halts the worker, joins it, and drains pending commands so their
// senders are not left waiting on queue completion.
func (e *Entity) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	// A worker blocked on queue-get does not observe the flag; wake it.
	e.queue.push(&command{priority: PriorityControl, seq: 0, sentinel: true})
	<-e.done
	dropped := e.queue.drain()
	e.queue.close()
	if len(dropped) > 0 {
		e.log.Debug("Dropped pending commands on shutdown", "count", len(dropped))
	}
}

func (e *Entity) worker() {
	defer close(e.done)
	for {
		cmd, ok := e.queue.pop()
		if !ok || e.stopped.Load() || cmd.sentinel {
			return
		}
		if e.clock.Since(cmd.enqueued) > cmd.ttl {
			// stale command, drop silently
			continue
		}
		start := e.clock.Now()
		dps, err := cmd.run(e.ctx)
		latency := e.clock.Since(start)
		if cmd.callback != nil {
			cmd.callback(e.dev.ID, Result{DPS: dps, Err: err, Latency: latency})
		} else if err != nil {
			e.log.Debug("Command failed", "command", cmd.name, "error", err)
		}
	}
}

func (e *Entity) enqueue(name string, priority Priority, cb Callback, run func(ctx context.Context) (tuya.DPS, error)) {
	ttl := ControlTTL
	if priority == PriorityPoll {
		ttl = PollTTL
	}
	e.queue.push(&command{
		priority: priority,
		seq:      e.seq.Add(1),
		name:     name,
		run:      run,
		callback: cb,
		enqueued: e.clock.Now(),
		ttl:      ttl,
	})
}

// Switch handles both payload forms: a bare bool, or
// {"state": bool, "switch_num": n} for multi-gang devices.
func (e *Entity) Switch(payload any) {
	e.enqueue("switch", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		switch v := payload.(type) {
		case bool:
			if v {
				return nil, e.local().TurnOn(ctx)
			}
			return nil, e.local().TurnOff(ctx)
		case map[string]any:
			state, ok := v["state"].(bool)
			if !ok {
				return nil, tuya.NewError(tuya.ErrParams, "switch payload missing state")
			}
			channel, err := intValue(v["switch_num"])
			if err != nil {
				return nil, tuya.NewError(tuya.ErrParams, "switch payload missing switch_num")
			}
			return nil, e.local().SetSwitch(ctx, state, channel)
		default:
			return nil, tuya.NewError(tuya.ErrParams, fmt.Sprintf("unsupported switch payload %T", payload))
		}
	})
}

// Toggle answers the logical negation of the cached status for a DP. It makes
// no transport call; the caller issues the actual write.
func (e *Entity) Toggle(dp string) {
	e.enqueue("toggle", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		cur, ok := e.lastBool(dp)
		if !ok {
			return nil, tuya.NewError(tuya.ErrState, fmt.Sprintf("no cached status for dp %s", dp))
		}
		return tuya.DPS{dp: !cur}, nil
	})
}

// SetBrightness accepts 0-100 percent. Type-C devices write raw DP 2
// (0 maps to 10, 100 to 1000); everything else uses the transport's
// percentage call.
func (e *Entity) SetBrightness(percent int) {
	e.enqueue("bright", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		if !e.typeC {
			return nil, e.local().SetBrightnessPercentage(ctx, percent)
		}
		var raw int
		switch {
		case percent <= 0:
			raw = 10
		case percent >= 100:
			raw = 1000
		default:
			raw = 10 + (1000-10)*percent/100
		}
		return nil, e.local().SetValue(ctx, "2", raw)
	})
}

func (e *Entity) SetColorTemp(percent int) {
	e.enqueue("color_temp", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		return nil, e.local().SetColourTempPercentage(ctx, percent)
	})
}

func (e *Entity) SetColorHSV(h, s, v float64) {
	e.enqueue("color_hsv", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		return nil, e.local().SetHSV(ctx, h, s, v)
	})
}

func (e *Entity) SetColorRGB(r, g, b int) {
	e.enqueue("color_rgb", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		return nil, e.local().SetRGB(ctx, r, g, b)
	})
}

// SetMode accepts only the closed work-mode set; the bridge validates before
// enqueueing, this guards direct callers.
func (e *Entity) SetMode(mode string) {
	e.enqueue("work_mode", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		if !tuya.WorkModes[mode] {
			return nil, tuya.NewError(tuya.ErrRange, fmt.Sprintf("unknown mode %q", mode))
		}
		return nil, e.local().SetMode(ctx, mode)
	})
}

// SetStatus is the API-v2 path: human DP codes are resolved through the
// mapping, values encoded per declared type, and written as one aggregated
// CONTROL payload.
func (e *Entity) SetStatus(payload map[string]any) {
	e.enqueue("set_status", PriorityControl, nil, func(ctx context.Context) (tuya.DPS, error) {
		data := make(map[string]any, len(payload))
		for code, value := range payload {
			num, entry, ok := e.dev.CodeToDP(code)
			if !ok {
				e.log.Warn("Unknown DP code in set_status", "code", code)
				continue
			}
			if s, isStr := value.(string); isStr && s == "toggle" {
				cur, ok := e.lastBool(num)
				if !ok {
					continue
				}
				data[num] = !cur
				continue
			}
			data[num] = encodeValue(entry, value)
		}
		if len(data) == 0 {
			return nil, tuya.NewError(tuya.ErrParams, "no resolvable DP codes in payload")
		}
		return nil, e.local().SetMultiple(ctx, data)
	})
}

// PollStatus enqueues a low-priority status read; the result is delivered to
// cb and cached for toggle semantics.
func (e *Entity) PollStatus(cb Callback) {
	e.enqueue("status", PriorityPoll, cb, func(ctx context.Context) (tuya.DPS, error) {
		dps, err := e.local().Status(ctx)
		if err != nil {
			return nil, err
		}
		e.lastStatus = dps
		return dps, nil
	})
}

// QueueLen reports pending commands; used by tests and shutdown logging.
func (e *Entity) QueueLen() int { return e.queue.len() }

func encodeValue(entry tuya.DPEntry, value any) any {
	switch entry.Type {
	case "Boolean":
		return value
	case "Integer":
		return ScaleFromPercent(entry.Values.Min, entry.Values.Max, value)
	default:
		// Enum, Json and anything undeclared pass through unchanged.
		return value
	}
}

// ScaleFromPercent maps a 0-100 percentage onto the declared [min, max]
// range, clamping out-of-range input to the endpoints.
func ScaleFromPercent(min, max int, percents any) int {
	p, err := intValue(percents)
	if err != nil {
		p = -1
	}
	if min == max {
		return min
	}
	if p <= 0 {
		return min
	}
	if p >= 100 {
		return max
	}
	return min + (p*(max-min)+50)/100
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, err
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
