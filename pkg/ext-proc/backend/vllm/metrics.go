// Package vllm provides vllm specific worker metrics implementation.
package vllm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/multierr"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

const (
	RunningQueueSizeMetricName = "vllm:num_requests_running"
	WaitingQueueSizeMetricName = "vllm:num_requests_waiting"
	// KVCacheUsagePercentMetricName is exported by the v1 engine, LegacyKVCacheUsagePercentMetricName
	// by older releases.
	KVCacheUsagePercentMetricName       = "vllm:kv_cache_usage_perc"
	LegacyKVCacheUsagePercentMetricName = "vllm:gpu_cache_usage_perc"

	CacheConfigInfoMetricName    = "vllm:cache_config_info"
	CacheConfigNumGPUBlocksLabel = "num_gpu_blocks"
	CacheConfigBlockSizeLabel    = "block_size"
)

type WorkerMetricsClientImpl struct {
	Client *http.Client
}

// FetchMetrics fetches metrics from a given worker.
func (c *WorkerMetricsClientImpl) FetchMetrics(ctx context.Context, worker backend.Worker, existing backend.Metrics) (backend.Metrics, error) {
	url := fmt.Sprintf("http://%s/metrics", worker.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return existing, fmt.Errorf("failed to create request: %v", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		klog.Errorf("failed to fetch metrics from %s: %v", worker.ID, err)
		return existing, fmt.Errorf("failed to fetch metrics from %s: %w", worker.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		klog.Errorf("unexpected status code from %s: %v", worker.ID, resp.StatusCode)
		return existing, fmt.Errorf("unexpected status code from %s: %v", worker.ID, resp.StatusCode)
	}

	parser := expfmt.TextParser{}
	metricFamilies, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return existing, err
	}
	return promToWorkerMetrics(metricFamilies, existing)
}

// promToWorkerMetrics updates worker metrics with scraped prometheus metrics.
// A combined error is returned if errors occur in one or more metric processing; the fields
// that could be read are still updated.
func promToWorkerMetrics(metricFamilies map[string]*dto.MetricFamily, existing backend.Metrics) (backend.Metrics, error) {
	var errs error
	updated := existing
	runningQueueSize, _, err := getLatestMetric(metricFamilies, RunningQueueSizeMetricName)
	errs = multierr.Append(errs, err)
	if err == nil {
		updated.RunningQueueSize = int(runningQueueSize.GetGauge().GetValue())
	}
	waitingQueueSize, _, err := getLatestMetric(metricFamilies, WaitingQueueSizeMetricName)
	errs = multierr.Append(errs, err)
	if err == nil {
		updated.WaitingQueueSize = int(waitingQueueSize.GetGauge().GetValue())
	}
	cachePercent, _, err := getLatestMetric(metricFamilies, KVCacheUsagePercentMetricName)
	if err != nil {
		cachePercent, _, err = getLatestMetric(metricFamilies, LegacyKVCacheUsagePercentMetricName)
	}
	errs = multierr.Append(errs, err)
	if err == nil {
		updated.KVCacheUsagePercent = cachePercent.GetGauge().GetValue()
	}

	// cache_config_info is optional, workers that do not expose it keep the previous capacity.
	if cacheInfo, _, err := getLatestMetric(metricFamilies, CacheConfigInfoMetricName); err == nil {
		capacity, err := tokenCapacity(cacheInfo)
		errs = multierr.Append(errs, err)
		if err == nil {
			updated.KvCacheMaxTokenCapacity = capacity
		}
	}

	return updated, errs
}

// tokenCapacity derives the KV cache token capacity from the labels of cache_config_info.
func tokenCapacity(m *dto.Metric) (int, error) {
	var blocks, blockSize int
	var errs error
	for _, label := range m.GetLabel() {
		var err error
		switch label.GetName() {
		case CacheConfigNumGPUBlocksLabel:
			blocks, err = strconv.Atoi(label.GetValue())
		case CacheConfigBlockSizeLabel:
			blockSize, err = strconv.Atoi(label.GetValue())
		}
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return 0, errs
	}
	return blocks * blockSize, nil
}

// getLatestMetric gets the latest metric of a family. This should be used to get the latest Gauge metric.
// Since vllm doesn't set the timestamp in metric, this metric essentially gets the first metric.
func getLatestMetric(metricFamilies map[string]*dto.MetricFamily, metricName string) (*dto.Metric, time.Time, error) {
	mf, ok := metricFamilies[metricName]
	if !ok {
		klog.V(4).Infof("metric family %q not found", metricName)
		return nil, time.Time{}, fmt.Errorf("metric family %q not found", metricName)
	}
	if len(mf.GetMetric()) == 0 {
		return nil, time.Time{}, fmt.Errorf("no metrics available for %q", metricName)
	}
	var latestTs int64
	var latest *dto.Metric
	for _, m := range mf.GetMetric() {
		if m.GetTimestampMs() >= latestTs {
			latestTs = m.GetTimestampMs()
			latest = m
		}
	}
	klog.V(4).Infof("Got metric value %+v for metric %v", latest, metricName)
	return latest, time.Unix(0, latestTs*1000), nil
}
