package kvhandoff

import (
	"context"
	"sync"
)

// FakeConnector is an in-memory connector for tests. Transfers are ready immediately unless the
// decode worker is listed in Hang or Fail.
type FakeConnector struct {
	// Hang blocks Await of transfers to these decode workers until ctx is done.
	Hang map[string]bool
	// Fail makes Await of transfers to these decode workers fail with the given error.
	Fail     map[string]error
	BeginErr error

	mu       sync.Mutex
	begun    []string
	released map[string]int
}

func (f *FakeConnector) Name() string { return "fake" }

func (f *FakeConnector) Begin(_ context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, h.ID)
	return f.BeginErr
}

func (f *FakeConnector) Await(ctx context.Context, h *Handle) (Params, error) {
	if f.Hang[h.Decode.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.Fail[h.Decode.ID]; ok {
		return nil, err
	}
	return Params{"handle": h.ID}, nil
}

func (f *FakeConnector) Release(_ context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = make(map[string]int)
	}
	f.released[h.ID]++
	return nil
}

// Begun returns the ids of every handle begun so far.
func (f *FakeConnector) Begun() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.begun...)
}

// Released returns how often each handle was released.
func (f *FakeConnector) Released() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make(map[string]int, len(f.released))
	for k, v := range f.released {
		res[k] = v
	}
	return res
}
