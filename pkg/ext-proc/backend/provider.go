package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"
	klog "k8s.io/klog/v2"
)

func NewProvider(registry *Registry, wmc WorkerMetricsClient) *Provider {
	return &Provider{
		registry: registry,
		wmc:      wmc,
	}
}

// Provider keeps the registry snapshot fresh: it sweeps expired heartbeats and refreshes the
// load metrics of every registered worker.
type Provider struct {
	registry *Registry
	wmc      WorkerMetricsClient
}

type WorkerMetricsClient interface {
	FetchMetrics(ctx context.Context, worker Worker, existing Metrics) (Metrics, error)
}

// Init runs one sweep and one metrics refresh, then keeps doing both in the background until
// ctx is done.
func (p *Provider) Init(ctx context.Context, sweepInterval, refreshMetricsInterval time.Duration) error {
	p.registry.Sweep()
	if err := p.refreshMetricsOnce(ctx); err != nil {
		klog.V(1).Infof("Failed to init metrics: %v", err)
	}

	klog.V(2).Infof("Initialized workers and metrics: %+v", p.registry.All())

	// periodically sweep heartbeats, this is also the cadence of the read snapshot
	go wait.UntilWithContext(ctx, func(context.Context) {
		if expired := p.registry.Sweep(); len(expired) > 0 {
			klog.V(1).Infof("Workers turned unhealthy: %v", expired)
		}
	}, sweepInterval)

	// periodically refresh metrics
	if p.wmc != nil {
		go wait.UntilWithContext(ctx, func(ctx context.Context) {
			if err := p.refreshMetricsOnce(ctx); err != nil {
				klog.V(1).Infof("Failed to refresh metrics: %v", err)
			}
		}, refreshMetricsInterval)
	}

	return nil
}

func (p *Provider) refreshMetricsOnce(ctx context.Context) error {
	if p.wmc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	defer func() {
		klog.V(4).Infof("Refreshed metrics in %v", time.Since(start))
	}()

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs error
	for _, ws := range p.registry.All() {
		if !ws.Healthy || ws.Headless {
			continue
		}
		wg.Add(1)
		go func(ws *WorkerState) {
			defer wg.Done()
			updated, err := p.wmc.FetchMetrics(ctx, ws.Worker, ws.Metrics)
			if err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("failed to fetch metrics from %s: %v", ws.ID, err))
				errMu.Unlock()
				return
			}
			klog.V(4).Infof("Updated metrics for worker %s: %+v", ws.ID, updated)
			p.registry.UpdateMetrics(ws.ID, updated)
		}(ws)
	}
	wg.Wait()
	return errs
}
