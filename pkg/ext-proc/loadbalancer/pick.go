package loadbalancer

import (
	"context"
	"fmt"
	"sync"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/scheduling"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

// Reservation holds the workers picked for a request that a proxy in front of the decode
// worker executes, prefill and KV transfer included. Done must be called when the response
// ends.
type Reservation struct {
	SessionID string
	// RequestID is the client's request id, the session id when the client sent none.
	RequestID string
	// Prefill is nil in unified mode.
	Prefill *backend.Worker
	Decode  *backend.Worker

	b       *Balancer
	s       *session
	release func()
	once    sync.Once
}

// Done releases the workers of the reservation. err is the outcome of the request.
func (r *Reservation) Done(err error) {
	r.once.Do(func() {
		if r.s.prefill != nil {
			r.s.prefill.Load.Release()
		}
		r.s.decode.Load.Release()
		r.release()
		r.b.finish(r.s, err)
	})
}

// Pick selects the workers for a request routed by a proxy. The selected workers count the
// request as outstanding until Done.
func (b *Balancer) Pick(ctx context.Context, id, model string) (*Reservation, error) {
	release, err := b.admit(ctx)
	if err != nil {
		return nil, err
	}
	s := b.start(&worker.Request{ID: id, Model: model})
	res, err := b.pick(ctx, s)
	if err != nil {
		if s.prefill != nil {
			s.prefill.Load.Release()
		}
		release()
		b.finish(s, err)
		return nil, err
	}
	res.release = release
	return res, nil
}

func (b *Balancer) pick(ctx context.Context, s *session) (*Reservation, error) {
	res := &Reservation{SessionID: s.id, RequestID: s.RequestID(), b: b, s: s}
	var decode *scheduling.Request
	switch mode := b.cfg.Mode.(type) {
	case Unified:
		decode = &scheduling.Request{Model: s.req.Model, Role: mode.Pool}
	case Disaggregated:
		p, err := b.scheduler.Schedule(&scheduling.Request{Model: s.req.Model, Role: mode.Prefill})
		if err != nil {
			return nil, err
		}
		p.Load.Acquire()
		s.prefill, res.Prefill = p, &p.Worker
		_ = s.advance(StatePrefillSelected)
		decode = &scheduling.Request{Model: s.req.Model, Role: mode.Decode, Peer: &p.Worker}
	default:
		return nil, fmt.Errorf("unknown routing mode %v", mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d, err := b.scheduler.Schedule(decode)
	if err != nil {
		return nil, err
	}
	if res.Prefill != nil && b.handoff != nil {
		if err := b.handoff.CheckPair(res.Prefill, &d.Worker); err != nil {
			return nil, err
		}
	}
	d.Load.Acquire()
	s.decode, res.Decode = d, &d.Worker
	_ = s.advance(StateDecodeSelected)
	_ = s.advance(StateDecoding)
	return res, nil
}
