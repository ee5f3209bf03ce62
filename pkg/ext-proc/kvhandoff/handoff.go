// Package kvhandoff pairs a prefill worker with a decode worker for the transfer of a request's
// KV cache, without knowing how the bytes move. The transport is owned by a Connector.
package kvhandoff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

var (
	// ErrIncompatiblePair is returned when the prefill worker cannot produce KV state for the
	// decode worker under a common connector kind.
	ErrIncompatiblePair = errors.New("incompatible kv connector pair")
	ErrTransferFailed   = errors.New("kv transfer failed")
	ErrTransferTimeout  = errors.New("kv transfer timed out")
)

// DefaultReleaseTimeout bounds the connector cleanup of a handle.
const DefaultReleaseTimeout = 5 * time.Second

// Params are connector specific transfer parameters, e.g. vLLM's kv_transfer_params.
type Params map[string]any

// Connector moves KV cache state between a prefill and a decode worker.
type Connector interface {
	Name() string
	// Begin starts the transfer described by h.
	Begin(ctx context.Context, h *Handle) error
	// Await blocks until the transfer is ready and returns the parameters the decode worker
	// needs to pick it up. It returns when ctx is done.
	Await(ctx context.Context, h *Handle) (Params, error)
	// Release frees the transfer state held for h.
	Release(ctx context.Context, h *Handle) error
}

// Handle is an opaque token for one transfer attempt.
type Handle struct {
	ID        string
	SessionID string
	Attempt   int
	Kind      string
	Prefill   backend.Worker
	Decode    backend.Worker
	// Params are the transfer parameters the prefill worker returned.
	Params Params

	connector Connector
	release   sync.Once
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s(%s: %s -> %s #%d)", h.ID, h.SessionID, h.Prefill.ID, h.Decode.ID, h.Attempt)
}

// HandleID derives the id of a transfer attempt.
func HandleID(prefillID, decodeID, sessionID string, attempt int) string {
	d := xxhash.New()
	for _, s := range []string{prefillID, decodeID, sessionID} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	var a [8]byte
	binary.LittleEndian.PutUint64(a[:], uint64(attempt))
	_, _ = d.Write(a[:])
	return strconv.FormatUint(d.Sum64(), 16)
}

type Option func(*Manager)

// WithConnector serves connector kind with c.
func WithConnector(kind string, c Connector) Option {
	return func(m *Manager) {
		m.connectors[kind] = c
	}
}

// WithDefaultConnector serves every kind without a dedicated connector with c.
func WithDefaultConnector(c Connector) Option {
	return func(m *Manager) {
		m.fallback = c
	}
}

// Manager creates, awaits and releases transfer handles.
type Manager struct {
	connectors map[string]Connector
	fallback   Connector

	mu     sync.Mutex
	active map[string]*Handle
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		connectors: make(map[string]Connector),
		active:     make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) connectorFor(kind string) (Connector, bool) {
	if c, ok := m.connectors[kind]; ok {
		return c, true
	}
	return m.fallback, m.fallback != nil
}

// CheckPair verifies that prefill can produce and decode can consume KV state under the same,
// served connector kind.
func (m *Manager) CheckPair(prefill, decode *backend.Worker) error {
	pc, dc := prefill.Connector, decode.Connector
	switch {
	case !pc.Produces():
		return fmt.Errorf("prefill worker %s has kv role %q: %w", prefill.ID, pc.Role, ErrIncompatiblePair)
	case !dc.Consumes():
		return fmt.Errorf("decode worker %s has kv role %q: %w", decode.ID, dc.Role, ErrIncompatiblePair)
	case pc.Kind != dc.Kind:
		return fmt.Errorf("connector kinds differ, %s: %q, %s: %q: %w", prefill.ID, pc.Kind, decode.ID, dc.Kind, ErrIncompatiblePair)
	}
	if _, ok := m.connectorFor(pc.Kind); !ok {
		return fmt.Errorf("no connector serves kind %q: %w", pc.Kind, ErrIncompatiblePair)
	}
	return nil
}

// BeginTransfer creates a handle for moving the KV state of a session from prefill to decode.
// No handle is created for an incompatible pair.
func (m *Manager) BeginTransfer(ctx context.Context, prefill, decode *backend.Worker, sessionID string, attempt int, params Params) (*Handle, error) {
	if err := m.CheckPair(prefill, decode); err != nil {
		return nil, err
	}
	c, _ := m.connectorFor(prefill.Connector.Kind)
	h := &Handle{
		ID:        HandleID(prefill.ID, decode.ID, sessionID, attempt),
		SessionID: sessionID,
		Attempt:   attempt,
		Kind:      prefill.Connector.Kind,
		Prefill:   *prefill,
		Decode:    *decode,
		Params:    params,
		connector: c,
	}
	if err := c.Begin(ctx, h); err != nil {
		// The connector may hold partial state.
		m.releaseConnector(h)
		return nil, fmt.Errorf("failed to begin transfer %v: %v: %w", h, err, ErrTransferFailed)
	}
	m.mu.Lock()
	m.active[h.ID] = h
	m.mu.Unlock()
	klog.V(2).Infof("Began kv transfer %v over %s", h, c.Name())
	return h, nil
}

// AwaitReady waits up to timeout for the transfer to become ready and returns the parameters
// the decode worker needs. Cancellation of ctx is returned as is.
func (m *Manager) AwaitReady(ctx context.Context, h *Handle, timeout time.Duration) (Params, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	params, err := h.connector.Await(actx, h)
	if err == nil {
		klog.V(2).Infof("KV transfer %v ready", h)
		return params, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("transfer %v not ready after %v: %w", h, timeout, ErrTransferTimeout)
	}
	if errors.Is(err, ErrTransferFailed) {
		return nil, err
	}
	return nil, fmt.Errorf("transfer %v: %v: %w", h, err, ErrTransferFailed)
}

// Release frees the transfer state of h. Only the first call reaches the connector.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	delete(m.active, h.ID)
	m.mu.Unlock()
	m.releaseConnector(h)
}

func (m *Manager) releaseConnector(h *Handle) {
	h.release.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultReleaseTimeout)
		defer cancel()
		if err := h.connector.Release(ctx, h); err != nil {
			klog.Errorf("Failed to release kv transfer %v: %v", h, err)
			return
		}
		klog.V(2).Infof("Released kv transfer %v", h)
	})
}

// Active returns the number of handles not released yet.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
