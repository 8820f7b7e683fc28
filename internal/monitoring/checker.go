package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/watchtower-hq/watchtower/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	window := c.cfg.Window
	if window <= 0 {
		window = time.Hour
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("window", window),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, window, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, window time.Duration, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, window)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: check complete",
		zap.Int("alerts", len(alerts)),
		zap.Int("sent", sent),
	)
}
