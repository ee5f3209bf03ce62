// Package scheduling implements worker selection for each phase of a request.
package scheduling

import (
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

// WorkerLister lists the workers that may receive traffic.
type WorkerLister interface {
	ListHealthy(role backend.Role) []*backend.WorkerState
}

type Option func(*Scheduler)

// WithKVCacheThreshold prefers workers whose KV cache usage is below threshold. When every
// candidate is above it, all of them stay eligible.
func WithKVCacheThreshold(threshold float64) Option {
	return func(s *Scheduler) {
		s.kvCacheThreshold = threshold
	}
}

func NewScheduler(wl WorkerLister, opts ...Option) *Scheduler {
	s := &Scheduler{workerLister: wl}
	for _, opt := range opts {
		opt(s)
	}
	s.filter = newFilter(s.kvCacheThreshold)
	return s
}

type Scheduler struct {
	workerLister     WorkerLister
	kvCacheThreshold float64
	filter           Filter
}

// newFilter builds the selection chain: compatible workers not tried yet, optionally with KV
// cache headroom, then least outstanding requests with the lowest id breaking ties.
func newFilter(kvCacheThreshold float64) *filter {
	noCapacity := &filter{
		name:   "no capacity",
		filter: noCapacityFilterFunc,
	}
	leastOutstanding := &filter{
		name:   "least outstanding",
		filter: leastOutstandingFilterFunc,
		nextOnSuccessOrFailure: &filter{
			name:   "lowest id",
			filter: lowestIDFilterFunc,
		},
	}
	next := leastOutstanding
	if kvCacheThreshold > 0 {
		next = &filter{
			name:                   "kv cache headroom",
			filter:                 toFilterFunc(kvCacheHeadroomPredicate(kvCacheThreshold)),
			nextOnSuccessOrFailure: leastOutstanding,
		}
	}
	return &filter{
		name:   "compatible",
		filter: toFilterFunc(compatiblePredicate),
		nextOnSuccess: &filter{
			name:          "not tried",
			filter:        toFilterFunc(notTriedPredicate),
			nextOnSuccess: next,
			nextOnFailure: noCapacity,
		},
		nextOnFailure: noCapacity,
	}
}

// Schedule picks the worker for one phase of the request. It fails fast with a retryable
// backend.ErrNoCapacity when no healthy, compatible worker is left.
func (s *Scheduler) Schedule(req *Request) (*backend.WorkerState, error) {
	workers := s.workerLister.ListHealthy(req.Role)
	klog.V(2).Infof("Scheduling request %v over %d workers", req, len(workers))
	filtered, err := s.filter.Filter(req, workers)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("Selected %s worker %v for request %v", req.Role, filtered[0], req)
	return filtered[0], nil
}
