package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the delivery counters.
const MeterName = "github.com/merchantdesk/teamchat"

// OTelMetrics reports delivery counters through OpenTelemetry. Counters are
// recorded on whatever provider is installed; without one they are no-ops.
type OTelMetrics struct {
	sent         metric.Int64Counter
	confirmed    metric.Int64Counter
	retried      metric.Int64Counter
	failed       metric.Int64Counter
	cancelled    metric.Int64Counter
	reconnecting metric.Int64Counter
	exhausted    metric.Int64Counter
}

var _ MetricsCollector = (*OTelMetrics)(nil)

// NewOTelMetrics creates the counters on provider, or on the global meter
// provider when provider is nil.
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(MeterName)

	m := &OTelMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.sent, "teamchat.messages.sent", "Messages accepted for a first delivery attempt", "{message}"},
		{&m.confirmed, "teamchat.messages.confirmed", "Messages confirmed by the store", "{message}"},
		{&m.retried, "teamchat.messages.retried", "Messages queued for another attempt", "{message}"},
		{&m.failed, "teamchat.messages.failed", "Messages that failed permanently", "{message}"},
		{&m.cancelled, "teamchat.messages.cancelled", "Pending messages withdrawn before delivery", "{message}"},
		{&m.reconnecting, "teamchat.connection.reconnecting", "Realtime reconnect attempts", "{attempt}"},
		{&m.exhausted, "teamchat.connection.exhausted", "Realtime connections that ran out of reconnect attempts", "{connection}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *OTelMetrics) IncSent()         { m.sent.Add(context.Background(), 1) }
func (m *OTelMetrics) IncConfirmed()    { m.confirmed.Add(context.Background(), 1) }
func (m *OTelMetrics) IncRetried()      { m.retried.Add(context.Background(), 1) }
func (m *OTelMetrics) IncFailed()       { m.failed.Add(context.Background(), 1) }
func (m *OTelMetrics) IncCancelled()    { m.cancelled.Add(context.Background(), 1) }
func (m *OTelMetrics) IncReconnecting() { m.reconnecting.Add(context.Background(), 1) }
func (m *OTelMetrics) IncExhausted()    { m.exhausted.Add(context.Background(), 1) }
