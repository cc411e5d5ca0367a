package teamchat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Sink. Failures and latency can be
// scripted, which makes it the sink for dry runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]MessageRecord
	seq      int
	calls    int
	inFlight int
	maxInFl  int
	delay    time.Duration
	failN    int
	failErr  error
	hook     func(call int, dest Destination, msg OutgoingMessage) error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]MessageRecord)}
}

// FailNext makes the next n inserts fail with err.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
	s.failErr = err
}

// SetDelay makes every insert take at least d.
func (s *MemoryStore) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetHook installs fn to run on every insert; a non-nil return fails it.
// call is 1-based.
func (s *MemoryStore) SetHook(fn func(call int, dest Destination, msg OutgoingMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Insert implements Sink.
func (s *MemoryStore) Insert(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.inFlight++
	if s.inFlight > s.maxInFl {
		s.maxInFl = s.inFlight
	}
	delay, hook := s.delay, s.hook
	var err error
	if s.failN > 0 {
		s.failN--
		err = s.failErr
		if err == nil {
			err = fmt.Errorf("memory store: scripted failure")
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err == nil && hook != nil {
		err = hook(call, dest, msg)
	}
	if err != nil {
		return nil, err
	}

	rec := RecordFor(dest, msg)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.ID = fmt.Sprintf("msg-%d", s.seq)
	s.messages[dest.ChannelID] = append(s.messages[dest.ChannelID], rec)
	return &rec, nil
}

// Messages returns the stored messages in channelID, oldest first.
func (s *MemoryStore) Messages(channelID string) []MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]MessageRecord(nil), s.messages[channelID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Calls returns the number of Insert calls, failed ones included.
func (s *MemoryStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// MaxConcurrent returns the highest number of inserts observed in flight at once.
func (s *MemoryStore) MaxConcurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxInFl
}
