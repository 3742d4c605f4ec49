package middleware

import (
	"context"
	"sync"
	"time"
)

type window struct {
	hits   []time.Time // ascending
	length time.Duration
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// MemoryWindowStore is a process-local WindowStore. Counts are not shared
// between server instances.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]*window)}
}

func (s *MemoryWindowStore) Hit(_ context.Context, key string, now time.Time, length time.Duration, max int) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{length: length}
		s.windows[key] = w
	}
	w.length = length
	w.prune(now)

	admitted := false
	if len(w.hits) < max {
		w.hits = append(w.hits, now)
		admitted = true
	}

	res := WindowResult{Admitted: admitted, Count: len(w.hits)}
	if len(w.hits) > 0 {
		res.Oldest = w.hits[0]
	}
	return res, nil
}

// Sweep drops keys whose windows are empty at now.
func (s *MemoryWindowStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, w := range s.windows {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(s.windows, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryWindowStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
