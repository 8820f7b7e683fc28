// Package monitoring watches the matching pipeline's operational health:
// delivery failure rate, model spend and dead letter depth over a sliding
// window, with webhook alerts on threshold breach.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/watchtower-hq/watchtower/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Verifications    int     `json:"verifications"`
	Approved         int     `json:"approved"`
	Deliveries       int     `json:"deliveries"`
	DeliveryFailures int     `json:"delivery_failures"`
	DeliveryFailRate float64 `json:"delivery_fail_rate"`
	SpendUSD         float64 `json:"spend_usd"`
	DLQDepth         int     `json:"dlq_depth"`

	Window      time.Duration `json:"window"`
	CollectedAt time.Time     `json:"collected_at"`
}

// MetricsSource abstracts the store method the collector reads.
type MetricsSource interface {
	Metrics(ctx context.Context, since time.Time) (*store.Metrics, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	source MetricsSource
}

func NewCollector(source MetricsSource) *Collector {
	return &Collector{source: source}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, window time.Duration) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	m, err := c.source.Metrics(ctx, now.Add(-window))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect metrics")
	}

	snap := &MetricsSnapshot{
		Verifications:    m.Verifications,
		Approved:         m.Approved,
		Deliveries:       m.Deliveries,
		DeliveryFailures: m.DeliveryFailures,
		SpendUSD:         m.SpendUSD,
		DLQDepth:         m.DeadLetters,
		Window:           window,
		CollectedAt:      now,
	}
	if m.Deliveries > 0 {
		snap.DeliveryFailRate = float64(m.DeliveryFailures) / float64(m.Deliveries)
	}
	return snap, nil
}
