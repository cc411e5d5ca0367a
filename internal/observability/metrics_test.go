package observability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryMetrics_ConcurrentIncrements(t *testing.T) {
	m := NewInMemoryMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncSent()
			m.IncRetried()
		}()
	}
	wg.Wait()

	m.IncConfirmed()
	m.IncFailed()
	m.IncCancelled()
	m.IncReconnecting()
	m.IncExhausted()

	s := m.Snapshot()
	assert.Equal(t, int64(50), s.Sent)
	assert.Equal(t, int64(50), s.Retried)
	assert.Equal(t, int64(1), s.Confirmed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Cancelled)
	assert.Equal(t, int64(1), s.Reconnecting)
	assert.Equal(t, int64(1), s.Exhausted)
}

func TestInitLogger_FallsBackToInfo(t *testing.T) {
	InitLogger("not-a-level")
	assert.Equal(t, "info", GetLogger().GetLevel().String())

	InitLogger("debug")
	assert.Equal(t, "debug", GetLogger().GetLevel().String())
	InitLogger("info")
}
