package scheduler

import (
	"context"
	"time"

	"extractd/internal/eventbus"
	logx "extractd/pkg/logx"
)

// reclaim runs until ctx is done, evicting results older than the TTL on
// every tick.
func (s *Scheduler) reclaim(ctx context.Context) error {
	t := time.NewTicker(s.cfg.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if n := s.evictExpired(now); n > 0 {
				s.log.Debug("results evicted", logx.Int("count", n), logx.Int("stored", s.store.Len()))
			}
		}
	}
}

// evictExpired removes every result completed before now-TTL and retires its id.
// The scan is best effort; PopIfPresent decides each race with Fetch.
func (s *Scheduler) evictExpired(now time.Time) int {
	cutoff := now.Add(-s.cfg.ResultTTL)
	evicted := 0
	for _, a := range s.store.SnapshotAgeSorted() {
		if !a.CompletedAt.Before(cutoff) {
			break
		}
		s.mu.Lock()
		r, ok := s.store.PopIfPresent(a.ID)
		if ok {
			delete(s.pending, a.ID)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		evicted++
		s.evicted.Add(1)
		s.publish(eventbus.Event{Type: EventTaskEvicted, Data: TaskEvent{
			ID:      a.ID,
			Worker:  r.Worker,
			Outcome: OutcomeLabel(r.Outcome),
			Elapsed: now.Sub(r.CompletedAt),
			Reason:  "ttl",
		}})
	}
	return evicted
}
