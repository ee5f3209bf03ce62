package loadbalancer

import (
	"fmt"
	"sync"
	"time"

	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

// session is the state of one client request. It lives in the balancer's active set until it
// reaches a terminal state.
type session struct {
	id string
	// requestID is the id the client sent, possibly empty.
	requestID string
	req       *worker.Request
	prefill *backend.WorkerState
	decode  *backend.WorkerState
	handle  *kvhandoff.Handle

	mu      sync.Mutex
	state   State
	entered time.Time

	clock    clock.PassiveClock
	observer Observer
}

func newSession(id, requestID string, req *worker.Request, c clock.PassiveClock, o Observer) *session {
	s := &session{id: id, requestID: requestID, req: req, clock: c, observer: o, entered: c.Now()}
	o.ObserveTransition("", StateReceived, 0)
	s.state = StateReceived
	klog.V(2).Infof("Session %s received for model %q, request id %q", id, req.Model, requestID)
	return s
}

// RequestID is the client's request id, or the session id when the client sent none.
func (s *session) RequestID() string {
	if s.requestID != "" {
		return s.requestID
	}
	return s.id
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session to the next state. Terminal states are final.
func (s *session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("session %s: transition %s -> %s after termination", s.id, s.state, to)
	}
	now := s.clock.Now()
	from, elapsed := s.state, now.Sub(s.entered)
	s.state, s.entered = to, now
	s.observer.ObserveTransition(from, to, elapsed)
	klog.V(2).Infof("Session %s: %s -> %s", s.id, from, to)
	return nil
}

func (s *session) String() string {
	return fmt.Sprintf("{id: %s, state: %s}", s.id, s.State())
}
