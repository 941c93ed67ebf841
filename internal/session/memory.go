package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state   State
	touched time.Time
}

// MemoryStore keeps sessions in process. A background sweeper drops sessions
// idle for longer than the TTL.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a store. A sweepInterval of zero disables the
// sweeper; expired sessions are then only dropped when loaded.
func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &MemoryStore{
		items: make(map[string]memoryEntry),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(s.now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return now.Sub(e.touched) > s.ttl
}

// Load returns the state saved under id and marks the session active
func (s *MemoryStore) Load(_ context.Context, id string) (State, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[id]
	if !ok {
		return State{}, ErrNotFound
	}
	if s.expired(e, now) {
		delete(s.items, id)
		return State{}, ErrNotFound
	}
	e.touched = now
	s.items[id] = e
	return e.state, nil
}

// Save stores st under id. The buffer is kept by reference and must not be
// modified by the caller afterwards.
func (s *MemoryStore) Save(_ context.Context, id string, st State) error {
	now := s.now()
	s.mu.Lock()
	s.items[id] = memoryEntry{state: st, touched: now}
	s.mu.Unlock()
	return nil
}

// Delete forgets id
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

// Sweep drops every session idle at now and returns how many went
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.items {
		if s.expired(e, now) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the sweeper
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}
