package kvhandoff

import (
	"context"
	"fmt"
	"path"
	"time"

	msgpack "github.com/shamaton/msgpack/v2"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	klog "k8s.io/klog/v2"
)

const (
	DefaultTransferPrefix = "/kvhandoff/"
	// DefaultTransferTTL bounds how long a record outlives a gateway that died mid transfer.
	DefaultTransferTTL = 60 * time.Second
)

type TransferState string

const (
	TransferPending TransferState = "pending"
	TransferReady   TransferState = "ready"
	TransferFailed  TransferState = "failed"
)

// TransferRecord is the transfer request published for the prefill side agent. The agent pushes
// the KV blocks to the decode worker and moves the record to ready or failed.
type TransferRecord struct {
	Handle         string         `msgpack:"handle"`
	Session        string         `msgpack:"session"`
	Attempt        int            `msgpack:"attempt"`
	Kind           string         `msgpack:"kind"`
	PrefillID      string         `msgpack:"prefill_id"`
	PrefillAddress string         `msgpack:"prefill_address"`
	DecodeID       string         `msgpack:"decode_id"`
	DecodeAddress  string         `msgpack:"decode_address"`
	Params         map[string]any `msgpack:"params"`
	State          TransferState  `msgpack:"state"`
	Reason         string         `msgpack:"reason"`
}

func encodeRecord(r *TransferRecord) ([]byte, error) {
	return msgpack.Marshal(r)
}

func decodeRecord(data []byte) (*TransferRecord, error) {
	r := &TransferRecord{}
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("malformed transfer record: %w", err)
	}
	return r, nil
}

// outcome maps a record to the result of Await. done is false while the transfer is pending.
func outcome(r *TransferRecord) (params Params, done bool, err error) {
	switch r.State {
	case TransferReady:
		return Params(r.Params), true, nil
	case TransferFailed:
		return nil, true, fmt.Errorf("transfer %s: %s: %w", r.Handle, r.Reason, ErrTransferFailed)
	}
	return nil, false, nil
}

// EtcdConnector is the Mooncake style connector: transfers are coordinated through msgpack
// records in etcd, one key per handle.
type EtcdConnector struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
}

func NewEtcdConnector(client *clientv3.Client, prefix string, ttl time.Duration) *EtcdConnector {
	if prefix == "" {
		prefix = DefaultTransferPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTransferTTL
	}
	return &EtcdConnector{client: client, prefix: prefix, ttl: ttl}
}

func (c *EtcdConnector) Name() string { return "etcd" }

func (c *EtcdConnector) key(handle string) string {
	return path.Join(c.prefix, handle)
}

// Begin publishes a pending record. It fails if a record for the handle already exists.
func (c *EtcdConnector) Begin(ctx context.Context, h *Handle) error {
	data, err := encodeRecord(&TransferRecord{
		Handle:         h.ID,
		Session:        h.SessionID,
		Attempt:        h.Attempt,
		Kind:           h.Kind,
		PrefillID:      h.Prefill.ID,
		PrefillAddress: h.Prefill.Address,
		DecodeID:       h.Decode.ID,
		DecodeAddress:  h.Decode.Address,
		Params:         h.Params,
		State:          TransferPending,
	})
	if err != nil {
		return err
	}
	lease, err := c.client.Grant(ctx, int64(c.ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	key := c.key(h.ID)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		c.revoke(ctx, lease.ID)
		return err
	}
	if !resp.Succeeded {
		c.revoke(ctx, lease.ID)
		return fmt.Errorf("transfer record %s already exists", key)
	}
	return nil
}

// revoke drops a lease that no record holds. It outlives ctx so a cancelled Begin does not
// leave the lease behind until it expires.
func (c *EtcdConnector) revoke(ctx context.Context, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.client.Revoke(ctx, id); err != nil {
		klog.Errorf("Failed to revoke lease %x: %v", id, err)
	}
}

// Await watches the record until it leaves the pending state.
func (c *EtcdConnector) Await(ctx context.Context, h *Handle) (Params, error) {
	key := c.key(h.ID)
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("transfer record %s is gone: %w", key, ErrTransferFailed)
	}
	r, err := decodeRecord(resp.Kvs[0].Value)
	if err != nil {
		return nil, err
	}
	if params, done, err := outcome(r); done {
		return params, err
	}

	wch := c.client.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return nil, err
		}
		for _, ev := range wr.Events {
			if ev.Type == mvccpb.DELETE {
				return nil, fmt.Errorf("transfer record %s deleted: %w", key, ErrTransferFailed)
			}
			r, err := decodeRecord(ev.Kv.Value)
			if err != nil {
				return nil, err
			}
			if params, done, err := outcome(r); done {
				return params, err
			}
		}
	}
	return nil, ctx.Err()
}

// Release deletes the record, which also tells the prefill side agent to free the blocks. The
// record's lease goes with it.
func (c *EtcdConnector) Release(ctx context.Context, h *Handle) error {
	resp, err := c.client.Delete(ctx, c.key(h.ID), clientv3.WithPrevKV())
	if err != nil {
		return err
	}
	for _, kv := range resp.PrevKvs {
		if kv.Lease != 0 {
			c.revoke(ctx, clientv3.LeaseID(kv.Lease))
		}
	}
	return nil
}

// MarkReady is called by the prefill side agent once the blocks reached the decode worker.
func (c *EtcdConnector) MarkReady(ctx context.Context, handle string, params Params) error {
	return c.update(ctx, handle, func(r *TransferRecord) {
		r.State = TransferReady
		if params != nil {
			r.Params = params
		}
	})
}

// MarkFailed is called by the prefill side agent when the transfer cannot complete.
func (c *EtcdConnector) MarkFailed(ctx context.Context, handle, reason string) error {
	return c.update(ctx, handle, func(r *TransferRecord) {
		r.State = TransferFailed
		r.Reason = reason
	})
}

func (c *EtcdConnector) update(ctx context.Context, handle string, mutate func(*TransferRecord)) error {
	key := c.key(handle)
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return fmt.Errorf("transfer record %s not found", key)
	}
	kv := resp.Kvs[0]
	r, err := decodeRecord(kv.Value)
	if err != nil {
		return err
	}
	mutate(r)
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	txn, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(clientv3.LeaseID(kv.Lease)))).
		Commit()
	if err != nil {
		return err
	}
	if !txn.Succeeded {
		return fmt.Errorf("transfer record %s changed concurrently", key)
	}
	klog.V(2).Infof("Transfer %s moved to %s", handle, r.State)
	return nil
}
