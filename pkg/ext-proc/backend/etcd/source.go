// Package etcd registers workers announced under an etcd prefix. A worker puts its descriptor
// as JSON under <prefix><id>, attached to a lease it keeps alive. Lease expiry deletes the key,
// which deregisters the worker.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/apimachinery/pkg/util/wait"
	klog "k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
)

const (
	DefaultPrefix = "/dynamo/workers/"
	// DefaultHeartbeatInterval must stay below the registry heartbeat timeout.
	DefaultHeartbeatInterval = 2 * time.Second
)

// Registry is the write side of the worker registry.
type Registry interface {
	Register(w *backend.Worker) error
	Deregister(id string) bool
	Heartbeat(id string, ts time.Time) error
}

type Source struct {
	client   *clientv3.Client
	prefix   string
	registry Registry
	clock    clock.PassiveClock

	mu sync.Mutex
	// known holds the ids registered from etcd keys. A key present in etcd is a live lease,
	// so these workers are heartbeated on its behalf.
	known map[string]bool
}

func NewSource(client *clientv3.Client, prefix string, registry Registry) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Source{
		client:   client,
		prefix:   prefix,
		registry: registry,
		clock:    clock.RealClock{},
		known:    make(map[string]bool),
	}
}

// Run lists the prefix, then watches it until ctx is done. A compacted watch starts over from
// a fresh list.
func (s *Source) Run(ctx context.Context, heartbeatInterval time.Duration) error {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	go wait.UntilWithContext(ctx, func(context.Context) { s.heartbeat() }, heartbeatInterval)

	for {
		rev, err := s.resync(ctx)
		if err != nil {
			return err
		}
		err = s.watch(ctx, rev+1)
		if ctx.Err() != nil {
			return nil
		}
		klog.Warningf("Worker watch on %s restarting: %v", s.prefix, err)
	}
}

// resync replaces the known workers with the current contents of the prefix.
func (s *Source) resync(ctx context.Context) (int64, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", s.prefix, err)
	}
	present := make(map[string]bool, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := s.apply(mvccpb.PUT, kv); id != "" {
			present[id] = true
		}
	}

	s.mu.Lock()
	var gone []string
	for id := range s.known {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		s.remove(id)
	}
	klog.V(1).Infof("Listed %d workers under %s at revision %d", len(present), s.prefix, resp.Header.Revision)
	return resp.Header.Revision, nil
}

func (s *Source) watch(ctx context.Context, rev int64) error {
	wch := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return err
		}
		for _, ev := range wr.Events {
			s.apply(ev.Type, ev.Kv)
		}
	}
	return ctx.Err()
}

// apply handles one key event and returns the worker id it concerns, or "" when the key was
// rejected.
func (s *Source) apply(typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) string {
	id := strings.TrimPrefix(string(kv.Key), s.prefix)
	if id == "" || strings.Contains(id, "/") {
		klog.V(2).Infof("Ignoring key %s", kv.Key)
		return ""
	}

	if typ == mvccpb.DELETE {
		s.remove(id)
		return id
	}

	w := &backend.Worker{}
	if err := json.Unmarshal(kv.Value, w); err != nil {
		klog.Errorf("Malformed worker descriptor at %s: %v", kv.Key, err)
		return ""
	}
	if w.ID == "" {
		w.ID = id
	}
	if w.ID != id {
		klog.Errorf("Worker descriptor at %s names worker %s", kv.Key, w.ID)
		return ""
	}
	if err := s.registry.Register(w); err != nil {
		klog.Errorf("Failed to register worker from %s: %v", kv.Key, err)
		return ""
	}
	s.mu.Lock()
	s.known[id] = true
	s.mu.Unlock()
	return id
}

func (s *Source) remove(id string) {
	s.mu.Lock()
	delete(s.known, id)
	s.mu.Unlock()
	if s.registry.Deregister(id) {
		klog.V(1).Infof("Worker %s left %s", id, s.prefix)
	}
}

func (s *Source) heartbeat() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for _, id := range ids {
		if err := s.registry.Heartbeat(id, now); err != nil {
			klog.V(2).Infof("Heartbeat for %s: %v", id, err)
		}
	}
}
