package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/lucasjlepore/peakflow/config"
)

// PushMetrics sends everything in g to the configured Pushgateway,
// replacing the job's previous push. It is a no-op without a gateway.
func PushMetrics(ctx context.Context, cfg config.MetricsConfig, g prometheus.Gatherer) error {
	if cfg.PushGateway == "" {
		return nil
	}
	if err := push.New(cfg.PushGateway, cfg.Job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", cfg.PushGateway, err)
	}
	return nil
}
