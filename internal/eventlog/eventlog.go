// Package eventlog exports runtime lifecycle events to external systems
// (analytics, audit trails). A Recorder subscribes to the runtime bus and
// forwards flattened records to a Sink off the emitter's goroutine.
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/otpkit/internal/genserver"
)

// Record is the flattened, sink-friendly form of a lifecycle event.
type Record struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ProcessID  string    `json:"process_id"`
	Name       string    `json:"name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	MonitorID  string    `json:"monitor_id,omitempty"`
	DownReason string    `json:"down_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	PersistedAt int64    `json:"persisted_at,omitempty"`
}

// FromEvent flattens a lifecycle event.
func FromEvent(e genserver.Event) Record {
	r := Record{
		Type:       string(e.Type),
		OccurredAt: e.At,
		ProcessID:  e.Ref.ID(),
		Name:       e.Name,
	}
	if e.Reason != nil {
		r.Reason = e.Reason.String()
	}
	if e.Down != nil {
		r.MonitorID = e.Down.MonitorID
		r.DownReason = string(e.Down.Reason.Kind)
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	if e.Meta != nil {
		r.PersistedAt = e.Meta.PersistedAt
	}
	return r
}

// Sink is a destination for lifecycle records. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

const defaultQueueSize = 256

// Recorder drains events into a sink on a dedicated worker. Records are
// dropped (and counted) when the queue is full; the event bus must never
// block on a slow sink.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	queue  chan Record
	unsub  func()
	done   chan struct{}
	cancel context.CancelFunc
}

// NewRecorder attaches a recorder to rt. Close detaches and drains.
func NewRecorder(rt *genserver.Runtime, sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := &Recorder{
		sink:   sink,
		logger: logger,
		queue:  make(chan Record, defaultQueueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	rec.unsub = rt.Subscribe(func(e genserver.Event) {
		select {
		case rec.queue <- FromEvent(e):
		default:
			logger.Warn("event log queue full, dropping record", "type", string(e.Type))
		}
	})
	go rec.drain(ctx)
	return rec
}

func (r *Recorder) drain(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case rec := <-r.queue:
			r.send(ctx, rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.send(context.Background(), rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) send(ctx context.Context, rec Record) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sink.Send(sctx, rec); err != nil {
		r.logger.Warn("event log send failed", "type", rec.Type, "err", err)
	}
}

// Close detaches from the bus, flushes queued records, and stops the worker.
func (r *Recorder) Close() {
	r.unsub()
	r.cancel()
	<-r.done
}
