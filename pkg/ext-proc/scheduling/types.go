package scheduling

import (
	"fmt"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

// Request is the part of a generation request the scheduler needs to place one phase of it.
type Request struct {
	Model string
	// Role is the worker role to pick.
	Role backend.Role
	// Peer is the worker already chosen for the other phase. A decode worker must be able to
	// consume KV state from it.
	Peer *backend.Worker
	// Exclude holds ids of workers already tried for this phase.
	Exclude map[string]bool
}

func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	peer := ""
	if r.Peer != nil {
		peer = r.Peer.ID
	}
	return fmt.Sprintf("{model: %s, role: %s, peer: %q, exclude: %d}", r.Model, r.Role, peer, len(r.Exclude))
}
