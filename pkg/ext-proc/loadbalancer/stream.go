package loadbalancer

import (
	"context"
	"sync"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

// Stream yields the generated chunks of a session. The session completes when the stream is
// drained and fails when the worker, the client or Close ends it early. Close must always be
// called.
type Stream struct {
	ctx     context.Context
	b       *Balancer
	s       *session
	inner   worker.Stream
	release func()

	once sync.Once
	err  error
	done bool
}

func newStream(ctx context.Context, b *Balancer, s *session, inner worker.Stream) *Stream {
	return &Stream{ctx: ctx, b: b, s: s, inner: inner, release: func() {}}
}

// SessionID is unique among the sessions of the gateway.
func (st *Stream) SessionID() string { return st.s.id }

func (st *Stream) RequestID() string { return st.s.RequestID() }

// Prefill returns the prefill worker of the session, nil in unified mode.
func (st *Stream) Prefill() *backend.Worker {
	if st.s.prefill == nil {
		return nil
	}
	return &st.s.prefill.Worker
}

func (st *Stream) Decode() *backend.Worker { return &st.s.decode.Worker }

func (st *Stream) Next() bool {
	if st.done {
		return false
	}
	if err := st.ctx.Err(); err != nil {
		st.end(err)
		return false
	}
	if st.inner.Next() {
		return true
	}
	st.end(st.inner.Err())
	return false
}

func (st *Stream) Current() worker.Chunk { return st.inner.Current() }

// Err returns the error that ended the stream, nil after a complete generation.
func (st *Stream) Err() error { return st.err }

func (st *Stream) Close() error {
	if !st.done {
		st.end(context.Canceled)
	}
	return nil
}

// end releases everything the session holds and moves it to its terminal state.
func (st *Stream) end(err error) {
	st.once.Do(func() {
		st.done, st.err = true, err
		_ = st.inner.Close()
		st.b.releaseDecode(st.s)
		st.release()
		st.b.finish(st.s, err)
	})
}
