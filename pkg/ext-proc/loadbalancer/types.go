// Package loadbalancer sequences the two phases of a generation request over the prefill and
// decode worker pools.
package loadbalancer

import (
	"errors"
	"fmt"
	"time"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

var (
	// ErrSessionFailed is returned once a session has reached the Failed state.
	ErrSessionFailed = errors.New("session failed")
	// ErrInvalidRequest is returned for requests rejected before any worker is selected.
	ErrInvalidRequest = errors.New("invalid request")
)

// State is the position of a session in its lifecycle.
type State string

const (
	StateReceived        State = "Received"
	StatePrefillSelected State = "PrefillSelected"
	StatePrefilling      State = "Prefilling"
	StateHandoffPending  State = "HandoffPending"
	StateDecodeSelected  State = "DecodeSelected"
	StateDecoding        State = "Decoding"
	StateCompleted       State = "Completed"
	StateFailed          State = "Failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Observer receives the state transitions of every session. from is empty for the transition
// into Received; elapsed is the time spent in from.
type Observer interface {
	ObserveTransition(from, to State, elapsed time.Duration)
	ObserveHandoffRetry(decode backend.Worker, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(State, State, time.Duration) {}

func (nopObserver) ObserveHandoffRetry(backend.Worker, error) {}

// RoutingMode decides whether the two phases of a request run on separate pools. It is either
// Unified or Disaggregated.
type RoutingMode interface {
	fmt.Stringer
	isRoutingMode()
}

// Unified serves both phases on one worker from Pool.
type Unified struct {
	Pool backend.Role
}

func (Unified) isRoutingMode() {}

func (u Unified) String() string { return fmt.Sprintf("unified(%s)", u.Pool) }

// Disaggregated runs the prompt on a Prefill worker and hands its KV state to a Decode worker.
type Disaggregated struct {
	Prefill backend.Role
	Decode  backend.Role
}

func (Disaggregated) isRoutingMode() {}

func (d Disaggregated) String() string {
	return fmt.Sprintf("disaggregated(%s->%s)", d.Prefill, d.Decode)
}

// ModeFor returns the routing mode matching the enable_disagg setting.
func ModeFor(enableDisagg bool) RoutingMode {
	if enableDisagg {
		return Disaggregated{Prefill: backend.RolePrefill, Decode: backend.RoleDecode}
	}
	return Unified{Pool: backend.RoleDP}
}
