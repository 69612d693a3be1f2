package metrics

import (
	"context"
	"time"

	"github.com/loykin/otpkit/internal/genserver"
)

// Observe feeds the lifecycle collectors from a runtime's event stream and
// returns the unsubscribe function.
func Observe(rt *genserver.Runtime) func() {
	return rt.Subscribe(func(e genserver.Event) {
		label := e.Name
		if label == "" {
			label = e.Ref.ID()
		}
		switch e.Type {
		case genserver.EventStarted:
			IncStart(label)
		case genserver.EventCrashed:
			IncCrash(label)
		case genserver.EventTerminated:
			reason := string(genserver.ReasonNormal)
			if e.Reason != nil {
				reason = string(e.Reason.Kind)
			}
			IncTermination(reason)
		case genserver.EventStatePersisted:
			IncPersistenceSave(label)
		case genserver.EventPersistenceError:
			IncPersistenceError(label)
		case genserver.EventProcessDown:
			if e.Down != nil {
				IncMonitorDown(string(e.Down.Reason.Kind))
			}
		}
	})
}

// Sampler periodically exports per-process gauges (running count, mailbox
// depth, handled messages) from runtime stats.
type Sampler struct {
	rt       *genserver.Runtime
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSampler(rt *genserver.Runtime, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{rt: rt, interval: interval}
}

// Start launches the sampling loop. Stop ends it.
func (s *Sampler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sampler) sample() {
	stats := s.rt.ListStats()
	SetRunning(len(stats))
	for _, st := range stats {
		label := st.Name
		if label == "" {
			label = st.ID
		}
		SetMailboxDepth(label, st.MailboxDepth)
		SetMessagesHandled(label, st.MessageCount)
	}
}

func (s *Sampler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
