package backend

import "context"

type FakeWorkerMetricsClient struct {
	Err map[string]error
	Res map[string]Metrics
}

func (f *FakeWorkerMetricsClient) FetchMetrics(ctx context.Context, worker Worker, existing Metrics) (Metrics, error) {
	if err, ok := f.Err[worker.ID]; ok {
		return existing, err
	}
	if m, ok := f.Res[worker.ID]; ok {
		return m, nil
	}
	return existing, nil
}
