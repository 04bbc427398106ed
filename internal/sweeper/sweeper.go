package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval matches the relay's once-a-minute cleanup.
const DefaultInterval = time.Minute

var ErrAlreadyStarted = errors.New("sweeper already started")

// Target is anything holding expiring messages: the relay registry or a client store.
type Target interface {
	SweepExpired(now time.Time) int
}

type Sweeper struct {
	name     string
	target   Target
	clock    clockwork.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, target Target, clock clockwork.Clock, interval time.Duration) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{name: name, target: target, clock: clock, interval: interval}
}

// Start launches the sweep loop; it runs until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ctx, ticker, s.done)
	return nil
}

func (s *Sweeper) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.RunOnce(); n > 0 {
				slog.Debug("swept expired messages", slog.String("sweeper", s.name), slog.Int("removed", n))
			}
		}
	}
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce() int {
	return s.target.SweepExpired(s.clock.Now())
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
