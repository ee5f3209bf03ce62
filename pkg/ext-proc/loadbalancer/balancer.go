package loadbalancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/scheduling"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

const (
	DefaultHandoffTimeout    = 30 * time.Second
	DefaultMaxDecodeAttempts = 2
)

// Scheduler picks the worker for one phase of a request.
type Scheduler interface {
	Schedule(req *scheduling.Request) (*backend.WorkerState, error)
}

// WorkerClient runs the phases of a request on a worker.
type WorkerClient interface {
	Prefill(ctx context.Context, w *backend.Worker, req *worker.Request) (kvhandoff.Params, error)
	Decode(ctx context.Context, w *backend.Worker, req *worker.Request, kv kvhandoff.Params) (worker.Stream, error)
}

type Config struct {
	Mode RoutingMode
	// HandoffTimeout bounds each wait for a KV transfer to become ready.
	HandoffTimeout time.Duration
	// MaxDecodeAttempts is the number of decode workers tried for a session before it fails.
	MaxDecodeAttempts int
	// MaxConcurrentSessions bounds the active sessions. Zero disables admission control and
	// requests fail fast with backend.ErrNoCapacity only when no worker is healthy.
	MaxConcurrentSessions int64
	// AdmissionTimeout is how long a request may queue for admission.
	AdmissionTimeout time.Duration
}

type Option func(*Balancer)

func WithObserver(o Observer) Option {
	return func(b *Balancer) {
		b.observer = o
	}
}

// WithClock overrides the clock used to time session phases.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Balancer) {
		b.clock = c
	}
}

// Balancer is the front door of the control plane: it selects the workers of a session,
// sequences prefill, KV handoff and decode, and releases everything the session held.
type Balancer struct {
	cfg       Config
	scheduler Scheduler
	handoff   *kvhandoff.Manager
	client    WorkerClient
	observer  Observer
	clock     clock.PassiveClock
	admission *semaphore.Weighted
	newID     func() string

	mu     sync.Mutex
	active map[string]*session
}

func NewBalancer(cfg Config, s Scheduler, h *kvhandoff.Manager, c WorkerClient, opts ...Option) *Balancer {
	if cfg.Mode == nil {
		cfg.Mode = ModeFor(true)
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.MaxDecodeAttempts <= 0 {
		cfg.MaxDecodeAttempts = DefaultMaxDecodeAttempts
	}
	b := &Balancer{
		cfg:       cfg,
		scheduler: s,
		handoff:   h,
		client:    c,
		observer:  nopObserver{},
		clock:     clock.RealClock{},
		newID:     uuid.NewString,
		active:    make(map[string]*session),
	}
	if cfg.MaxConcurrentSessions > 0 {
		b.admission = semaphore.NewWeighted(cfg.MaxConcurrentSessions)
	}
	for _, opt := range opts {
		opt(b)
	}
	klog.Infof("Load balancer routing mode: %v", cfg.Mode)
	return b
}

func (b *Balancer) Mode() RoutingMode { return b.cfg.Mode }

// Active returns the number of sessions that have not terminated yet.
func (b *Balancer) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// admit waits for a session slot. The returned func gives it back.
func (b *Balancer) admit(ctx context.Context) (func(), error) {
	if b.admission == nil {
		return func() {}, nil
	}
	actx := ctx
	if b.cfg.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, b.cfg.AdmissionTimeout)
		defer cancel()
	}
	if err := b.admission.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("admission queue full: %w", backend.ErrNoCapacity)
	}
	var once sync.Once
	return func() { once.Do(func() { b.admission.Release(1) }) }, nil
}

// start registers a session under a fresh gateway id. The client's request id is kept for
// correlation only, workers see the session id.
func (b *Balancer) start(req *worker.Request) *session {
	id := b.newID()
	r := *req
	r.ID = id
	s := newSession(id, req.ID, &r, b.clock, b.observer)
	b.mu.Lock()
	b.active[s.id] = s
	b.mu.Unlock()
	return s
}

// finish moves s to its terminal state and drops it from the active set.
func (b *Balancer) finish(s *session, err error) {
	to := StateCompleted
	if err != nil {
		to = StateFailed
		klog.V(2).Infof("Session %s failed: %v", s.id, err)
	}
	if aerr := s.advance(to); aerr != nil {
		klog.Errorf("%v", aerr)
	}
	b.mu.Lock()
	delete(b.active, s.id)
	b.mu.Unlock()
}

// Generate serves req and returns the stream of generated text. Errors before the first token
// leave no worker counter or transfer handle behind.
func (b *Balancer) Generate(ctx context.Context, req *worker.Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	release, err := b.admit(ctx)
	if err != nil {
		return nil, err
	}
	s := b.start(req)

	var st *Stream
	switch mode := b.cfg.Mode.(type) {
	case Unified:
		st, err = b.generateUnified(ctx, s, mode)
	case Disaggregated:
		st, err = b.generateDisaggregated(ctx, s, mode)
	default:
		err = fmt.Errorf("unknown routing mode %v", mode)
	}
	if err != nil {
		release()
		b.finish(s, err)
		return nil, err
	}
	st.release = release
	return st, nil
}

func (b *Balancer) generateUnified(ctx context.Context, s *session, mode Unified) (*Stream, error) {
	w, err := b.scheduler.Schedule(&scheduling.Request{Model: s.req.Model, Role: mode.Pool})
	if err != nil {
		return nil, err
	}
	w.Load.Acquire()
	s.decode = w
	_ = s.advance(StateDecodeSelected)
	if err := ctx.Err(); err != nil {
		w.Load.Release()
		return nil, err
	}
	inner, err := b.client.Decode(ctx, &w.Worker, s.req, nil)
	if err != nil {
		w.Load.Release()
		return nil, err
	}
	_ = s.advance(StateDecoding)
	return newStream(ctx, b, s, inner), nil
}

func (b *Balancer) generateDisaggregated(ctx context.Context, s *session, mode Disaggregated) (*Stream, error) {
	p, err := b.scheduler.Schedule(&scheduling.Request{Model: s.req.Model, Role: mode.Prefill})
	if err != nil {
		return nil, err
	}
	p.Load.Acquire()
	// The prefill worker holds the KV state until the handoff settles either way.
	defer p.Load.Release()
	s.prefill = p
	_ = s.advance(StatePrefillSelected)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_ = s.advance(StatePrefilling)
	params, err := b.client.Prefill(ctx, &p.Worker, s.req)
	if err != nil {
		return nil, err
	}
	_ = s.advance(StateHandoffPending)

	d, kv, err := b.handoffToDecode(ctx, s, mode, params)
	if err != nil {
		return nil, err
	}
	_ = s.advance(StateDecodeSelected)
	if err := ctx.Err(); err != nil {
		b.releaseDecode(s)
		return nil, err
	}
	inner, err := b.client.Decode(ctx, &d.Worker, s.req, kv)
	if err != nil {
		b.releaseDecode(s)
		return nil, err
	}
	_ = s.advance(StateDecoding)
	return newStream(ctx, b, s, inner), nil
}

// handoffToDecode pairs the prefill worker of s with a decode worker and waits for the KV
// transfer. A failed or timed out transfer is retried on a decode worker not tried yet, up to
// MaxDecodeAttempts. On success the decode worker's load and the transfer handle are held by s.
func (b *Balancer) handoffToDecode(ctx context.Context, s *session, mode Disaggregated, params kvhandoff.Params) (*backend.WorkerState, kvhandoff.Params, error) {
	tried := make(map[string]bool)
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDecodeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		d, err := b.scheduler.Schedule(&scheduling.Request{
			Model:   s.req.Model,
			Role:    mode.Decode,
			Peer:    &s.prefill.Worker,
			Exclude: tried,
		})
		if err != nil {
			if lastErr != nil {
				return nil, nil, fmt.Errorf("%w after %d handoff attempts: %v (last: %w)", ErrSessionFailed, attempt-1, err, lastErr)
			}
			return nil, nil, err
		}
		tried[d.ID] = true
		d.Load.Acquire()

		h, err := b.handoff.BeginTransfer(ctx, &s.prefill.Worker, &d.Worker, s.id, attempt, params)
		if err == nil {
			var kv kvhandoff.Params
			kv, err = b.handoff.AwaitReady(ctx, h, b.cfg.HandoffTimeout)
			if err == nil {
				s.decode, s.handle = d, h
				return d, kv, nil
			}
			b.handoff.Release(h)
		}
		d.Load.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		klog.V(1).Infof("Session %s: kv handoff to %v failed (attempt %d/%d): %v", s.id, d.Worker, attempt, b.cfg.MaxDecodeAttempts, err)
		b.observer.ObserveHandoffRetry(d.Worker, err)
		lastErr = err
	}
	return nil, nil, fmt.Errorf("%w after %d handoff attempts: %w", ErrSessionFailed, b.cfg.MaxDecodeAttempts, lastErr)
}

// releaseDecode frees what s holds on its decode worker.
func (b *Balancer) releaseDecode(s *session) {
	if s.handle != nil {
		b.handoff.Release(s.handle)
	}
	if s.decode != nil {
		s.decode.Load.Release()
	}
}
