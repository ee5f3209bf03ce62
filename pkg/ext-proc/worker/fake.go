package worker

import (
	"context"
	"fmt"
	"sync"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
)

// FakeClient serves both phases from memory. Errors are keyed by worker id.
type FakeClient struct {
	PrefillErr map[string]error
	DecodeErr  map[string]error
	// Chunks is the text each decode yields. Defaults to a single "ok".
	Chunks []string
	// StreamErr ends every decode stream with this error after the chunks.
	StreamErr error

	mu      sync.Mutex
	decoded map[string][]kvhandoff.Params
}

func (f *FakeClient) Prefill(ctx context.Context, w *backend.Worker, req *Request) (kvhandoff.Params, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.PrefillErr[w.ID]; ok {
		return nil, err
	}
	return kvhandoff.Params{
		kvhandoff.FieldRemoteEngineID: w.ID,
		kvhandoff.FieldRemoteHost:     w.Address,
		kvhandoff.FieldRemoteBlockIDs: []int{1, 2, 3},
	}, nil
}

func (f *FakeClient) Decode(ctx context.Context, w *backend.Worker, req *Request, kv kvhandoff.Params) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.DecodeErr[w.ID]; ok {
		return nil, err
	}
	f.mu.Lock()
	if f.decoded == nil {
		f.decoded = make(map[string][]kvhandoff.Params)
	}
	f.decoded[w.ID] = append(f.decoded[w.ID], kv)
	f.mu.Unlock()

	chunks := f.Chunks
	if chunks == nil {
		chunks = []string{"ok"}
	}
	return &fakeStream{chunks: chunks, i: -1, err: f.StreamErr}, nil
}

// Decoded returns the kv params of every decode call made on worker id.
func (f *FakeClient) Decoded(id string) []kvhandoff.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kvhandoff.Params(nil), f.decoded[id]...)
}

type fakeStream struct {
	chunks []string
	i      int
	err    error
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.closed || s.i+1 >= len(s.chunks) {
		return false
	}
	s.i++
	return true
}

func (s *fakeStream) Current() Chunk {
	c := Chunk{Text: s.chunks[s.i]}
	if s.i == len(s.chunks)-1 && s.err == nil {
		c.FinishReason = "stop"
	}
	return c
}

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Close() error {
	if s.closed {
		return fmt.Errorf("stream closed twice")
	}
	s.closed = true
	return nil
}
