package teamchat

import (
	"context"
	"fmt"
	"sync"
)

// Sink persists a single message. Implementations return a *PermanentError
// (see Permanent) for failures that must not be retried.
type Sink interface {
	Insert(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error)

func (f SinkFunc) Insert(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
	return f(ctx, dest, msg)
}

// SinkRouter selects a Sink by Destination.Target.
type SinkRouter struct {
	mu       sync.RWMutex
	sinks    map[string]Sink
	fallback Sink
}

// NewSinkRouter creates a router whose empty target resolves to fallback.
func NewSinkRouter(fallback Sink) *SinkRouter {
	return &SinkRouter{sinks: make(map[string]Sink), fallback: fallback}
}

// Register binds target to s, replacing any previous binding.
func (r *SinkRouter) Register(target string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[target] = s
}

// Targets lists the registered target names.
func (r *SinkRouter) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		out = append(out, name)
	}
	return out
}

func (r *SinkRouter) resolve(target string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target == "" {
		if r.fallback == nil {
			return nil, Permanent(fmt.Errorf("%w: no default sink", ErrUnknownTarget))
		}
		return r.fallback, nil
	}
	s, ok := r.sinks[target]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownTarget, target))
	}
	return s, nil
}

// Insert forwards to the sink bound to dest.Target. An unknown target is a permanent error.
func (r *SinkRouter) Insert(ctx context.Context, dest Destination, msg OutgoingMessage) (*MessageRecord, error) {
	s, err := r.resolve(dest.Target)
	if err != nil {
		return nil, err
	}
	return s.Insert(ctx, dest, msg)
}
