// Package backend is a library to track the inference workers behind the gateway: their
// descriptors, liveness and load.
package backend

import (
	"fmt"
	"sync/atomic"
	"time"

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
)

// Role is the serving role of a worker.
type Role string

const (
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
	// RoleDP workers are data-parallel replicas serving both phases.
	RoleDP Role = "dp"
)

func (r Role) Valid() bool {
	switch r {
	case RolePrefill, RoleDecode, RoleDP:
		return true
	}
	return false
}

// Worker is the descriptor a worker announces when it registers.
type Worker struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Rank int    `json:"rank"`
	// Address is the host:port the worker serves the completions API and metrics on.
	Address     string                   `json:"address"`
	RPCPort     int                      `json:"rpc_port,omitempty"`
	DPSize      int                      `json:"dp_size,omitempty"`
	DPSizeLocal int                      `json:"dp_size_local,omitempty"`
	DPStartRank int                      `json:"dp_start_rank,omitempty"`
	GPUCount    int                      `json:"gpu_count,omitempty"`
	Headless    bool                     `json:"headless,omitempty"`
	Model       string                   `json:"model,omitempty"`
	Connector   v1alpha1.KVConnectorSpec `json:"kv_connector,omitempty"`
}

func (w Worker) String() string {
	return fmt.Sprintf("%s(%s/%d@%s)", w.ID, w.Role, w.Rank, w.Address)
}

// Validate checks the descriptor for missing fields and for a connector role that does not
// fit the worker role.
func (w *Worker) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("worker id is required")
	}
	if !w.Role.Valid() {
		return fmt.Errorf("worker %s: unknown role %q", w.ID, w.Role)
	}
	if w.Address == "" && !w.Headless {
		return fmt.Errorf("worker %s: address is required", w.ID)
	}
	if w.Rank < 0 {
		return fmt.Errorf("worker %s: negative rank %d", w.ID, w.Rank)
	}
	return CheckConnectorRole(w.Role, w.Connector)
}

// CheckConnectorRole verifies a prefill worker can produce KV state and a decode worker can
// consume it.
func CheckConnectorRole(role Role, c v1alpha1.KVConnectorSpec) error {
	switch role {
	case RolePrefill:
		if !c.Produces() {
			return &ConfigurationError{Reason: fmt.Sprintf("prefill worker needs a producing kv connector, got %q", c)}
		}
	case RoleDecode:
		if !c.Consumes() {
			return &ConfigurationError{Reason: fmt.Sprintf("decode worker needs a consuming kv connector, got %q", c)}
		}
	}
	return nil
}

// Metrics are the load metrics scraped from a worker.
type Metrics struct {
	RunningQueueSize        int
	WaitingQueueSize        int
	KVCacheUsagePercent     float64
	KvCacheMaxTokenCapacity int
}

// Load counts the requests a worker is currently serving for the gateway. It is shared by
// every snapshot of the same registration, so counts survive snapshot swaps.
type Load struct {
	outstanding atomic.Int64
}

// NewLoad returns a Load starting at n outstanding requests.
func NewLoad(n int64) *Load {
	l := &Load{}
	l.outstanding.Store(n)
	return l
}

func (l *Load) Acquire() { l.outstanding.Add(1) }

func (l *Load) Release() { l.outstanding.Add(-1) }

func (l *Load) Outstanding() int64 { return l.outstanding.Load() }

// WorkerState is a read-only view of a registered worker.
type WorkerState struct {
	Worker
	Metrics
	Healthy       bool
	LastHeartbeat time.Time
	Load          *Load
}

func (ws *WorkerState) String() string {
	return fmt.Sprintf("Worker: %v; Healthy: %v; Outstanding: %d; Metrics: %+v", ws.Worker, ws.Healthy, ws.Outstanding(), ws.Metrics)
}

// Outstanding returns the number of requests currently routed to the worker.
func (ws *WorkerState) Outstanding() int64 {
	if ws.Load == nil {
		return 0
	}
	return ws.Load.Outstanding()
}
