package scheduling

import (
	"errors"
	"fmt"
	"math"

	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

type Filter interface {
	Name() string
	Filter(req *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error)
}

// filter applies current filterFunc, and then recursively applies next filters depending success or
// failure of the current filterFunc.
// It can be used to construct a flow chart algorithm.
type filter struct {
	name   string
	filter filterFunc
	// nextOnSuccess filter will be applied after successfully applying the current filter.
	// The filtered results will be passed to the next filter.
	nextOnSuccess *filter
	// nextOnFailure filter will be applied if current filter fails.
	// The original input will be passed to the next filter.
	nextOnFailure *filter
	// nextOnSuccessOrFailure is a convenience field to configure the next filter regardless of the
	// success or failure of the current filter.
	// NOTE: When using nextOnSuccessOrFailure, both nextOnSuccess and nextOnFailure SHOULD be nil.
	// However if that's not the case, nextOnSuccess and nextOnFailure will be used, instead of
	// nextOnSuccessOrFailure,  in the success and failure scenarios, respectively.
	nextOnSuccessOrFailure *filter
}

func (f *filter) Name() string {
	if f == nil {
		return "nil"
	}
	return f.name
}

func (f *filter) Filter(req *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error) {
	if f == nil {
		klog.V(3).Infof("Running nil filter, returning all input workers by default")
		return workers, nil
	}
	klog.V(3).Infof("Running filter %q on request %v with %v workers", f.name, req, len(workers))

	filtered, err := f.filter(req, workers)

	next := f.nextOnSuccessOrFailure
	if err == nil {
		klog.V(3).Infof("onSuccess %v -> %v, filtered: %v", f.name, next.Name(), len(filtered))
		if f.nextOnSuccess != nil {
			next = f.nextOnSuccess
		}
		// On success, pass the filtered result to the next filter.
		return next.Filter(req, filtered)
	}

	klog.V(3).Infof("onFailure %v -> %v", f.name, next.Name())
	if f.nextOnFailure != nil {
		next = f.nextOnFailure
	}
	// On failure, pass the initial set of workers to the next filter.
	return next.Filter(req, workers)
}

// filterFunc filters a set of input workers to a subset.
type filterFunc func(req *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error)

var errNoWorkersLeft = errors.New("no workers left")

// toFilterFunc is a helper function to convert a per worker filter func to the FilterFunc.
func toFilterFunc(wp workerPredicate) filterFunc {
	return func(req *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error) {
		filtered := []*backend.WorkerState{}
		for _, ws := range workers {
			if wp(req, ws) {
				filtered = append(filtered, ws)
			}
		}
		if len(filtered) == 0 {
			return nil, errNoWorkersLeft
		}
		return filtered, nil
	}
}

// noCapacityFilterFunc ends a chain: the request cannot be placed right now.
func noCapacityFilterFunc(req *Request, _ []*backend.WorkerState) ([]*backend.WorkerState, error) {
	return nil, fmt.Errorf("no healthy %s worker for request %v: %w", req.Role, req, backend.ErrNoCapacity)
}

// leastOutstandingFilterFunc keeps the workers with the fewest requests in flight from this
// gateway.
func leastOutstandingFilterFunc(_ *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error) {
	min := int64(math.MaxInt64)
	filtered := []*backend.WorkerState{}
	for _, ws := range workers {
		switch o := ws.Outstanding(); {
		case o < min:
			min = o
			filtered = append(filtered[:0], ws)
		case o == min:
			filtered = append(filtered, ws)
		}
	}
	return filtered, nil
}

// lowestIDFilterFunc breaks ties deterministically by keeping the worker with the lowest id.
func lowestIDFilterFunc(_ *Request, workers []*backend.WorkerState) ([]*backend.WorkerState, error) {
	if len(workers) == 0 {
		return nil, errNoWorkersLeft
	}
	lowest := workers[0]
	for _, ws := range workers[1:] {
		if ws.ID < lowest.ID {
			lowest = ws
		}
	}
	return []*backend.WorkerState{lowest}, nil
}

// workerPredicate is a filter function to check whether a worker is desired.
type workerPredicate func(req *Request, ws *backend.WorkerState) bool

// compatiblePredicate returns true if the worker serves the model and can take its part of the
// KV handoff with the peer.
func compatiblePredicate(req *Request, ws *backend.WorkerState) bool {
	if req.Model != "" && ws.Model != "" && req.Model != ws.Model {
		return false
	}
	switch req.Role {
	case backend.RolePrefill:
		return ws.Connector.Produces()
	case backend.RoleDecode:
		if !ws.Connector.Consumes() {
			return false
		}
		return req.Peer == nil || req.Peer.Connector.Kind == ws.Connector.Kind
	}
	return true
}

func notTriedPredicate(req *Request, ws *backend.WorkerState) bool {
	return !req.Exclude[ws.ID]
}

// kvCacheHeadroomPredicate returns true if the worker's KV cache usage is below the threshold.
func kvCacheHeadroomPredicate(threshold float64) workerPredicate {
	return func(_ *Request, ws *backend.WorkerState) bool {
		return ws.KVCacheUsagePercent < threshold
	}
}
