package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for delivery metrics.
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncSent()
	IncConfirmed()
	IncRetried()
	IncFailed()
	IncCancelled()
	IncReconnecting()
	IncExhausted()
}

// InMemoryMetrics is the default collector; counters are safe for concurrent use.
type InMemoryMetrics struct {
	Sent         atomic.Int64
	Confirmed    atomic.Int64
	Retried      atomic.Int64
	Failed       atomic.Int64
	Cancelled    atomic.Int64
	Reconnecting atomic.Int64
	Exhausted    atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncSent()         { m.Sent.Add(1) }
func (m *InMemoryMetrics) IncConfirmed()    { m.Confirmed.Add(1) }
func (m *InMemoryMetrics) IncRetried()      { m.Retried.Add(1) }
func (m *InMemoryMetrics) IncFailed()       { m.Failed.Add(1) }
func (m *InMemoryMetrics) IncCancelled()    { m.Cancelled.Add(1) }
func (m *InMemoryMetrics) IncReconnecting() { m.Reconnecting.Add(1) }
func (m *InMemoryMetrics) IncExhausted()    { m.Exhausted.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Sent         int64 `json:"sent"`
	Confirmed    int64 `json:"confirmed"`
	Retried      int64 `json:"retried"`
	Failed       int64 `json:"failed"`
	Cancelled    int64 `json:"cancelled"`
	Reconnecting int64 `json:"reconnecting"`
	Exhausted    int64 `json:"exhausted"`
}

func (m *InMemoryMetrics) Snapshot() Snapshot {
	return Snapshot{
		Sent:         m.Sent.Load(),
		Confirmed:    m.Confirmed.Load(),
		Retried:      m.Retried.Load(),
		Failed:       m.Failed.Load(),
		Cancelled:    m.Cancelled.Load(),
		Reconnecting: m.Reconnecting.Load(),
		Exhausted:    m.Exhausted.Load(),
	}
}
