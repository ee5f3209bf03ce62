package backend

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const DefaultHeartbeatTimeout = 10 * time.Second

// AdmissionFunc decides whether a worker may join the registry, e.g. by checking its DP rank
// against the validated rank space.
type AdmissionFunc func(w *Worker) error

// Registry tracks live workers. It is the single writer of worker liveness: every mutation is
// serialized through mu, while reads are served from an immutable snapshot that is swapped
// atomically.
type Registry struct {
	// mu serializes registry mutations.
	mu      sync.Mutex
	workers map[string]*entry

	snapshot atomic.Pointer[snapshot]

	clock   clock.PassiveClock
	timeout time.Duration
	admit   AdmissionFunc
}

type entry struct {
	worker   Worker
	metrics  Metrics
	healthy  bool
	lastSeen time.Time
	load     *Load
}

type snapshot struct {
	byID   map[string]*WorkerState
	byRole map[Role][]*WorkerState
}

type RegistryOption func(*Registry)

// WithClock overrides the clock, used in tests.
func WithClock(c clock.PassiveClock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithHeartbeatTimeout sets how long a worker may go without heartbeats before it is
// considered unhealthy.
func WithHeartbeatTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithAdmission installs an admission check run on every registration.
func WithAdmission(fn AdmissionFunc) RegistryOption {
	return func(r *Registry) {
		r.admit = fn
	}
}

func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		workers: make(map[string]*entry),
		clock:   clock.RealClock{},
		timeout: DefaultHeartbeatTimeout,
	}
	for _, opt := range options {
		opt(r)
	}
	r.rebuildLocked()
	return r
}

// Register adds or updates a worker. It fails with ErrDuplicateRank if another healthy worker
// holds the same (role, rank).
func (r *Registry) Register(w *Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if r.admit != nil {
		if err := r.admit(w); err != nil {
			return fmt.Errorf("worker %s not admitted: %w", w.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if holder := r.rankHolderLocked(w.Role, w.Rank, w.ID); holder != nil {
		return fmt.Errorf("worker %s claims %s rank %d held by %s: %w", w.ID, w.Role, w.Rank, holder.worker.ID, ErrDuplicateRank)
	}

	now := r.clock.Now()
	if e, ok := r.workers[w.ID]; ok {
		klog.V(1).Infof("Updating worker %v", w)
		e.worker = *w
		e.healthy = true
		e.lastSeen = now
	} else {
		klog.V(1).Infof("Registering worker %v", w)
		r.workers[w.ID] = &entry{
			worker:   *w,
			healthy:  true,
			lastSeen: now,
			load:     &Load{},
		}
	}
	r.rebuildLocked()
	return nil
}

// Deregister removes a worker. In-flight requests keep their reference to its load counter.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	klog.V(1).Infof("Deregistering worker %s", id)
	delete(r.workers, id)
	r.rebuildLocked()
	return true
}

// Heartbeat records that the worker was alive at ts. An unhealthy worker recovers unless its
// rank was taken over by another healthy worker in the meantime.
func (r *Registry) Heartbeat(id string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat from %s: %w", id, ErrWorkerNotFound)
	}
	if ts.Before(e.lastSeen) {
		klog.V(4).Infof("Ignoring stale heartbeat from %s at %v", id, ts)
		return nil
	}
	e.lastSeen = ts
	if e.healthy {
		return nil
	}
	if holder := r.rankHolderLocked(e.worker.Role, e.worker.Rank, id); holder != nil {
		return fmt.Errorf("worker %s cannot recover %s rank %d held by %s: %w", id, e.worker.Role, e.worker.Rank, holder.worker.ID, ErrDuplicateRank)
	}
	klog.Infof("Worker %s recovered", id)
	e.healthy = true
	r.rebuildLocked()
	return nil
}

// Sweep marks workers whose last heartbeat is older than the timeout as unhealthy and
// refreshes the read snapshot. It returns the ids that turned unhealthy.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var expired []string
	for id, e := range r.workers {
		if e.healthy && now.Sub(e.lastSeen) > r.timeout {
			klog.Warningf("Worker %s missed heartbeats since %v, marking unhealthy", id, e.lastSeen)
			e.healthy = false
			expired = append(expired, id)
		}
	}
	r.rebuildLocked()
	sort.Strings(expired)
	return expired
}

// UpdateMetrics stores freshly scraped load metrics of a worker.
func (r *Registry) UpdateMetrics(id string, m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.metrics = m
	}
}

// ListHealthy returns the healthy, routable workers of a role ordered by id. Headless workers
// are never returned. The result may lag behind heartbeats by up to one sweep interval.
func (r *Registry) ListHealthy(role Role) []*WorkerState {
	return r.snapshot.Load().byRole[role]
}

// Get returns the last snapshot of a worker.
func (r *Registry) Get(id string) (*WorkerState, bool) {
	ws, ok := r.snapshot.Load().byID[id]
	return ws, ok
}

// All returns every registered worker, healthy or not, ordered by id.
func (r *Registry) All() []*WorkerState {
	s := r.snapshot.Load()
	res := make([]*WorkerState, 0, len(s.byID))
	for _, ws := range s.byID {
		res = append(res, ws)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (r *Registry) rankHolderLocked(role Role, rank int, self string) *entry {
	for id, e := range r.workers {
		if id != self && e.healthy && e.worker.Role == role && e.worker.Rank == rank {
			return e
		}
	}
	return nil
}

func (r *Registry) rebuildLocked() {
	s := &snapshot{
		byID:   make(map[string]*WorkerState, len(r.workers)),
		byRole: make(map[Role][]*WorkerState),
	}
	for id, e := range r.workers {
		ws := &WorkerState{
			Worker:        e.worker,
			Metrics:       e.metrics,
			Healthy:       e.healthy,
			LastHeartbeat: e.lastSeen,
			Load:          e.load,
		}
		s.byID[id] = ws
		if e.healthy && !e.worker.Headless {
			s.byRole[e.worker.Role] = append(s.byRole[e.worker.Role], ws)
		}
	}
	for _, list := range s.byRole {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	r.snapshot.Store(s)
}
