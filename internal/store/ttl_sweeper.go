package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultSweepInterval is how often expired messages are removed.
const DefaultSweepInterval = time.Hour

// TTLSweeper periodically removes expired messages from the store.
type TTLSweeper struct {
	store      Store
	interval   time.Duration
	clock      clock.Clock
	stopCh     chan struct{}
	stopOnce   sync.Once
	expiredCtr func(n int) // Metrics counter incrementer
}

// NewTTLSweeper creates a new TTL sweeper.
func NewTTLSweeper(store Store, interval time.Duration) *TTLSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &TTLSweeper{
		store:    store,
		interval: interval,
		clock:    clock.New(),
		stopCh:   make(chan struct{}),
	}
}

// SetClock replaces the time source driving the ticker. Intended for tests.
func (s *TTLSweeper) SetClock(c clock.Clock) {
	s.clock = c
}

// SetExpiredCounter sets the callback for expired message counting.
func (s *TTLSweeper) SetExpiredCounter(f func(n int)) {
	s.expiredCtr = f
}

// Start runs the sweeper until Stop is called or ctx is cancelled.
func (s *TTLSweeper) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the background sweeper. Safe to call more than once.
func (s *TTLSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sweep performs one sweep iteration and returns the number of removed messages.
func (s *TTLSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		jww.ERROR.Printf("sweeper: failed to sweep expired messages: %v", err)
		return 0, err
	}

	if removed > 0 {
		jww.INFO.Printf("sweeper: removed %d expired messages", removed)
		if s.expiredCtr != nil {
			s.expiredCtr(removed)
		}
	}

	// Update last sweep time
	if err := s.store.SetLastSweepTime(ctx, now); err != nil {
		jww.WARN.Printf("sweeper: failed to set last sweep time: %v", err)
	}
	return removed, nil
}

// Interval returns the configured sweep interval.
func (s *TTLSweeper) Interval() time.Duration {
	return s.interval
}

// GetLastSweepTime returns the last time the sweeper ran.
func (s *TTLSweeper) GetLastSweepTime(ctx context.Context) (time.Time, error) {
	return s.store.GetLastSweepTime(ctx)
}
