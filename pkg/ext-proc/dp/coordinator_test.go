package dp

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		sizeLocal int
		groups    []Group
		wantErr   bool
	}{
		{
			name:      "two nodes of eight",
			size:      16,
			sizeLocal: 8,
			groups: []Group{
				{Name: "node0", StartRank: 0},
				{Name: "node1", StartRank: 8},
			},
		},
		{
			name:      "duplicate range",
			size:      16,
			sizeLocal: 8,
			groups: []Group{
				{Name: "node0", StartRank: 0},
				{Name: "node1", StartRank: 8},
				{Name: "node2", StartRank: 8},
			},
			wantErr: true,
		},
		{
			name:      "gap",
			size:      16,
			sizeLocal: 4,
			groups: []Group{
				{Name: "node0", StartRank: 0},
				{Name: "node1", StartRank: 8},
			},
			wantErr: true,
		},
		{
			name:      "partial overlap",
			size:      8,
			sizeLocal: 4,
			groups: []Group{
				{Name: "node0", StartRank: 0},
				{Name: "node1", StartRank: 2},
				{Name: "node2", StartRank: 6, SizeLocal: 2},
			},
			wantErr: true,
		},
		{
			name:      "range beyond size",
			size:      8,
			sizeLocal: 4,
			groups: []Group{
				{Name: "node0", StartRank: 0},
				{Name: "node1", StartRank: 6},
			},
			wantErr: true,
		},
		{
			name:      "uneven local sizes",
			size:      6,
			sizeLocal: 4,
			groups: []Group{
				{Name: "node1", StartRank: 4, SizeLocal: 2},
				{Name: "node0", StartRank: 0},
			},
		},
		{
			name:    "no groups",
			size:    2,
			wantErr: true,
		},
		{
			name:    "zero size",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, err := Validate(test.size, test.sizeLocal, test.groups)
			if test.wantErr {
				if !backend.IsConfigurationError(err) {
					t.Fatalf("Validate error = %v, want a ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			// Every rank is assigned exactly once.
			seen := map[int]int{}
			for _, s := range c.Slots() {
				seen[s.Rank]++
			}
			for r := 0; r < test.size; r++ {
				if seen[r] != 1 {
					t.Errorf("rank %d assigned %d times", r, seen[r])
				}
			}
		})
	}
}

func TestValidatePartialOverlapHasNoGap(t *testing.T) {
	_, err := Validate(12, 0, []Group{
		{Name: "a", StartRank: 0, SizeLocal: 8},
		{Name: "b", StartRank: 4, SizeLocal: 8},
	})
	var cfgErr *backend.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Validate error = %v, want a ConfigurationError", err)
	}
	errs := multierr.Errors(cfgErr.Err)
	if len(errs) != 1 {
		t.Fatalf("Validate reported %d problems, want only the overlap: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Error(), "overlaps") {
		t.Errorf("Unexpected problem: %v", errs[0])
	}
}

func TestSlots(t *testing.T) {
	c, err := Validate(16, 8, []Group{
		{Name: "node0", StartRank: 0, Address: "10.0.0.1", RPCPort: 13345},
		{Name: "node1", StartRank: 8, Address: "10.0.0.1", RPCPort: 13345, Headless: true},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	got := c.GroupSlots("node1")
	if len(got) != 8 {
		t.Fatalf("GroupSlots(node1) returned %d slots, want 8", len(got))
	}
	want := Slot{Group: "node1", Rank: 11, LocalIndex: 3, Address: "10.0.0.1", RPCPort: 13345, Headless: true}
	if diff := cmp.Diff(want, got[3]); diff != "" {
		t.Errorf("Unexpected slot (-want +got): %v", diff)
	}
	if _, ok := c.Slot(16); ok {
		t.Errorf("Slot(16) found, want out of range")
	}

	wantArgs := []string{
		"--data-parallel-size", "16",
		"--data-parallel-size-local", "8",
		"--data-parallel-start-rank", "8",
		"--data-parallel-address", "10.0.0.1",
		"--data-parallel-rpc-port", "13345",
		"--headless",
	}
	if diff := cmp.Diff(wantArgs, c.Args(got[3])); diff != "" {
		t.Errorf("Unexpected args (-want +got): %v", diff)
	}
}

func TestAdmit(t *testing.T) {
	c, err := Validate(16, 8, []Group{
		{Name: "node0", StartRank: 0},
		{Name: "node1", StartRank: 8, Headless: true},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	tests := []struct {
		name         string
		worker       backend.Worker
		wantErr      error
		wantConfig   bool
		wantHeadless bool
	}{
		{
			name:   "rank in a routed group",
			worker: backend.Worker{ID: "dp3", Role: backend.RoleDP, Rank: 3, DPSize: 16, DPSizeLocal: 8, DPStartRank: 0},
		},
		{
			name:         "rank in a headless group",
			worker:       backend.Worker{ID: "dp9", Role: backend.RoleDP, Rank: 9, DPSize: 16, DPSizeLocal: 8, DPStartRank: 8},
			wantHeadless: true,
		},
		{
			name:    "rank outside of the space",
			worker:  backend.Worker{ID: "dp16", Role: backend.RoleDP, Rank: 16},
			wantErr: ErrRankNotAssigned,
		},
		{
			name:       "wrong start rank",
			worker:     backend.Worker{ID: "dp9", Role: backend.RoleDP, Rank: 9, DPSizeLocal: 8, DPStartRank: 0},
			wantConfig: true,
		},
		{
			name:       "wrong size",
			worker:     backend.Worker{ID: "dp1", Role: backend.RoleDP, Rank: 1, DPSize: 8},
			wantConfig: true,
		},
		{
			name:   "prefill worker outside of data parallelism",
			worker: backend.Worker{ID: "p0", Role: backend.RolePrefill, Rank: 40},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := test.worker
			err := c.Admit(&w)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("Admit error = %v, want %v", err, test.wantErr)
				}
				return
			}
			if test.wantConfig {
				if !backend.IsConfigurationError(err) {
					t.Fatalf("Admit error = %v, want a ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Admit failed: %v", err)
			}
			if w.Headless != test.wantHeadless {
				t.Errorf("Headless = %v, want %v", w.Headless, test.wantHeadless)
			}
		})
	}
}

func TestAdmitThroughRegistry(t *testing.T) {
	c, err := Validate(16, 8, []Group{
		{Name: "node0", StartRank: 0},
		{Name: "node1", StartRank: 8, Headless: true},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	r := backend.NewRegistry(backend.WithAdmission(c.Admit))
	for _, w := range []*backend.Worker{
		{ID: "dp0", Role: backend.RoleDP, Rank: 0, Address: "10.0.0.1:8000"},
		{ID: "dp8", Role: backend.RoleDP, Rank: 8, Address: "10.0.0.2:8000"},
	} {
		if err := r.Register(w); err != nil {
			t.Fatalf("Register(%v) failed: %v", w, err)
		}
	}
	if err := r.Register(&backend.Worker{ID: "dp99", Role: backend.RoleDP, Rank: 99, Address: "x:1"}); !errors.Is(err, ErrRankNotAssigned) {
		t.Errorf("Register error = %v, want %v", err, ErrRankNotAssigned)
	}

	var routed []string
	for _, ws := range r.ListHealthy(backend.RoleDP) {
		routed = append(routed, ws.ID)
	}
	if diff := cmp.Diff([]string{"dp0"}, routed); diff != "" {
		t.Errorf("Unexpected routed workers (-want +got): %v", diff)
	}
}

func TestGroupsFromConfig(t *testing.T) {
	services := []*v1alpha1.ServiceConfig{
		{Name: "Frontend"},
		{Name: "VllmDpWorker", DataParallel: &v1alpha1.DataParallelSpec{Size: 16, SizeLocal: 8, StartRank: 8}, Headless: true},
		{Name: "VllmDpWorkerLeader", DataParallel: &v1alpha1.DataParallelSpec{Size: 16, SizeLocal: 8}},
	}
	size, groups, err := GroupsFromConfig(services)
	if err != nil {
		t.Fatalf("GroupsFromConfig failed: %v", err)
	}
	if size != 16 {
		t.Errorf("size = %d, want 16", size)
	}
	want := []Group{
		{Name: "VllmDpWorker", StartRank: 8, SizeLocal: 8, Headless: true},
		{Name: "VllmDpWorkerLeader", StartRank: 0, SizeLocal: 8},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("Unexpected groups (-want +got): %v", diff)
	}
	if _, err := Validate(size, 0, groups); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	services = append(services, &v1alpha1.ServiceConfig{Name: "Other", DataParallel: &v1alpha1.DataParallelSpec{Size: 8}})
	if _, _, err := GroupsFromConfig(services); !backend.IsConfigurationError(err) {
		t.Errorf("GroupsFromConfig error = %v, want a ConfigurationError", err)
	}
}
