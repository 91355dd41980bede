package metrics

import (
	"context"
	"time"
)

// StatsSource exposes the counts the collector samples. Both outbox
// repository implementations satisfy it.
type StatsSource interface {
	DeliveryCounts(ctx context.Context) (map[string]int64, error)
}

// Collector periodically samples delivery-status counts into gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a collector over an outbox stats source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.source.DeliveryCounts(ctx)
	if err != nil {
		return
	}
	for _, status := range []string{"pending", "claimed", "delivered", "failed", "skipped"} {
		DeliveriesByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}
