// Package dp validates the data-parallel rank space of a deployment and assigns every local
// worker slot its global rank and rendezvous address.
package dp

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

var ErrRankNotAssigned = errors.New("rank not assigned")

// Group is one declared data-parallel worker group, usually one node.
type Group struct {
	Name      string
	StartRank int
	// SizeLocal is the number of ranks the group runs. Zero means the deployment default.
	SizeLocal int
	Address   string
	RPCPort   int
	// Headless groups take part in the rank space but are not routed to.
	Headless bool
}

func (g Group) String() string {
	return fmt.Sprintf("%s[%d,%d)", g.Name, g.StartRank, g.StartRank+g.SizeLocal)
}

// Slot is one local worker position of a group.
type Slot struct {
	Group      string
	Rank       int
	LocalIndex int
	Address    string
	RPCPort    int
	Headless   bool
}

// Coordinator holds a validated rank space. It is immutable once built.
type Coordinator struct {
	size   int
	groups map[string]Group
	// slots is indexed by global rank.
	slots []Slot
}

// Validate checks that the groups' ranges [StartRank, StartRank+SizeLocal) are pairwise
// disjoint and together cover [0, size) exactly. Every gap and overlap is reported in one
// ConfigurationError.
func Validate(size, sizeLocal int, groups []Group) (*Coordinator, error) {
	if size <= 0 {
		return nil, &backend.ConfigurationError{Reason: fmt.Sprintf("data_parallel_size must be positive, got %d", size)}
	}

	owner := make([]int, size)
	for i := range owner {
		owner[i] = -1
	}
	c := &Coordinator{
		size:   size,
		groups: make(map[string]Group, len(groups)),
		slots:  make([]Slot, size),
	}
	var errs error
	for i, g := range groups {
		if g.SizeLocal == 0 {
			g.SizeLocal = sizeLocal
		}
		if g.SizeLocal <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("group %s: data_parallel_size_local must be positive, got %d", g.Name, g.SizeLocal))
			continue
		}
		if _, dup := c.groups[g.Name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("group %s declared twice", g.Name))
			continue
		}
		if g.StartRank < 0 || g.StartRank+g.SizeLocal > size {
			errs = multierr.Append(errs, fmt.Errorf("group %v is outside of the rank space [0,%d)", g, size))
			continue
		}
		c.groups[g.Name] = g
		overlaps := false
		for local := 0; local < g.SizeLocal; local++ {
			rank := g.StartRank + local
			if prev := owner[rank]; prev >= 0 {
				// Report the first clash only, the free ranks are still claimed so gaps stay exact.
				if !overlaps {
					errs = multierr.Append(errs, fmt.Errorf("group %v overlaps group %v at rank %d", g, c.groups[groups[prev].Name], rank))
					overlaps = true
				}
				continue
			}
			owner[rank] = i
			c.slots[rank] = Slot{
				Group:      g.Name,
				Rank:       rank,
				LocalIndex: local,
				Address:    g.Address,
				RPCPort:    g.RPCPort,
				Headless:   g.Headless,
			}
		}
	}
	for _, gap := range gaps(owner) {
		errs = multierr.Append(errs, fmt.Errorf("ranks [%d,%d) are not covered by any group", gap[0], gap[1]))
	}
	if errs != nil {
		return nil, &backend.ConfigurationError{Reason: "invalid data parallel rank space", Err: errs}
	}
	klog.V(1).Infof("Validated data parallel rank space of size %d over %d groups", size, len(groups))
	return c, nil
}

// GroupsFromConfig collects the data-parallel groups declared in the resolved services. All
// groups must agree on data_parallel_size.
func GroupsFromConfig(services []*v1alpha1.ServiceConfig) (int, []Group, error) {
	size := 0
	var groups []Group
	for _, sc := range services {
		spec := sc.DataParallel
		if spec == nil {
			continue
		}
		if size == 0 {
			size = spec.Size
		} else if spec.Size != size {
			return 0, nil, &backend.ConfigurationError{Reason: fmt.Sprintf("service %s declares data_parallel_size %d, other groups use %d", sc.Name, spec.Size, size)}
		}
		local := spec.SizeLocal
		if local == 0 {
			local = spec.Size
		}
		groups = append(groups, Group{
			Name:      sc.Name,
			StartRank: spec.StartRank,
			SizeLocal: local,
			Address:   spec.Address,
			RPCPort:   spec.RPCPort,
			Headless:  sc.Headless,
		})
	}
	return size, groups, nil
}

// Size is the global data_parallel_size.
func (c *Coordinator) Size() int {
	return c.size
}

// Slots returns every slot ordered by rank.
func (c *Coordinator) Slots() []Slot {
	res := make([]Slot, len(c.slots))
	copy(res, c.slots)
	return res
}

// Slot returns the slot of a global rank.
func (c *Coordinator) Slot(rank int) (Slot, bool) {
	if rank < 0 || rank >= c.size {
		return Slot{}, false
	}
	return c.slots[rank], true
}

// GroupSlots returns the slots of one group ordered by local index.
func (c *Coordinator) GroupSlots(name string) []Slot {
	g, ok := c.groups[name]
	if !ok {
		return nil
	}
	return c.Slots()[g.StartRank : g.StartRank+g.SizeLocal]
}

// Admit is the registry admission hook. A data-parallel worker must claim a rank of the
// validated space, and whatever group fields it announces must match the group owning that rank.
// Workers of a headless group are marked headless so they never receive traffic.
func (c *Coordinator) Admit(w *backend.Worker) error {
	if w.Role != backend.RoleDP && w.DPSize == 0 {
		return nil
	}
	slot, ok := c.Slot(w.Rank)
	if !ok {
		return fmt.Errorf("worker %s: rank %d outside of [0,%d): %w", w.ID, w.Rank, c.size, ErrRankNotAssigned)
	}
	g := c.groups[slot.Group]
	var errs error
	if w.DPSize != 0 && w.DPSize != c.size {
		errs = multierr.Append(errs, fmt.Errorf("dp_size %d, want %d", w.DPSize, c.size))
	}
	if w.DPSizeLocal != 0 && w.DPSizeLocal != g.SizeLocal {
		errs = multierr.Append(errs, fmt.Errorf("dp_size_local %d, want %d", w.DPSizeLocal, g.SizeLocal))
	}
	// A zero start rank with no local size means the worker did not announce its group.
	announced := w.DPStartRank != 0 || w.DPSizeLocal != 0
	if announced && w.DPStartRank != g.StartRank {
		errs = multierr.Append(errs, fmt.Errorf("dp_start_rank %d, want %d", w.DPStartRank, g.StartRank))
	}
	if errs != nil {
		return &backend.ConfigurationError{Reason: fmt.Sprintf("worker %s does not match group %v", w.ID, g), Err: errs}
	}
	if slot.Headless && !w.Headless {
		klog.V(1).Infof("Worker %s belongs to headless group %s, excluding it from routing", w.ID, g.Name)
		w.Headless = true
	}
	return nil
}

// Args renders the vLLM launch flags of the group owning the slot.
func (c *Coordinator) Args(s Slot) []string {
	g, ok := c.groups[s.Group]
	if !ok {
		return nil
	}
	args := []string{
		"--data-parallel-size", strconv.Itoa(c.size),
		"--data-parallel-size-local", strconv.Itoa(g.SizeLocal),
		"--data-parallel-start-rank", strconv.Itoa(g.StartRank),
	}
	if g.Address != "" {
		args = append(args, "--data-parallel-address", g.Address)
	}
	if g.RPCPort != 0 {
		args = append(args, "--data-parallel-rpc-port", strconv.Itoa(g.RPCPort))
	}
	if g.Headless {
		args = append(args, "--headless")
	}
	return args
}

// gaps returns the half open ranges of unowned ranks.
func gaps(owner []int) [][2]int {
	var res [][2]int
	start := -1
	for r, o := range owner {
		switch {
		case o < 0 && start < 0:
			start = r
		case o >= 0 && start >= 0:
			res = append(res, [2]int{start, r})
			start = -1
		}
	}
	if start >= 0 {
		res = append(res, [2]int{start, len(owner)})
	}
	return res
}
