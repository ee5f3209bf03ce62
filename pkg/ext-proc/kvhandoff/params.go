package kvhandoff

import (
	"context"
	"fmt"

	klog "k8s.io/klog/v2"
)

// Fields of vLLM's kv_transfer_params.
const (
	FieldKVTransferParams = "kv_transfer_params"
	FieldDoRemoteDecode   = "do_remote_decode"
	FieldDoRemotePrefill  = "do_remote_prefill"
	FieldRemoteEngineID   = "remote_engine_id"
	FieldRemoteBlockIDs   = "remote_block_ids"
	FieldRemoteHost       = "remote_host"
	FieldRemotePort       = "remote_port"
)

// PrefillRequestParams are the kv_transfer_params sent with a prefill request, asking the worker
// to keep its KV blocks for a remote decode.
func PrefillRequestParams() Params {
	return Params{
		FieldDoRemoteDecode:  true,
		FieldDoRemotePrefill: false,
		FieldRemoteEngineID:  nil,
		FieldRemoteBlockIDs:  nil,
		FieldRemoteHost:      nil,
		FieldRemotePort:      nil,
	}
}

// ParamsConnector is the NIXL style connector: the prefill worker returns kv_transfer_params that
// travel to the decode worker with the decode request, and the decode worker pulls the blocks
// itself. The transfer is ready as soon as the prefill worker named its engine.
type ParamsConnector struct{}

func (ParamsConnector) Name() string { return "params" }

func (ParamsConnector) Begin(_ context.Context, h *Handle) error {
	if len(h.Params) == 0 {
		return fmt.Errorf("prefill worker %s returned no %s", h.Prefill.ID, FieldKVTransferParams)
	}
	return nil
}

func (ParamsConnector) Await(ctx context.Context, h *Handle) (Params, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.Params[FieldRemoteEngineID] == nil {
		return nil, fmt.Errorf("prefill worker %s returned no %s: %w", h.Prefill.ID, FieldRemoteEngineID, ErrTransferFailed)
	}
	res := make(Params, len(h.Params))
	for k, v := range h.Params {
		res[k] = v
	}
	return res, nil
}

// Release is a no-op: the prefill worker frees its blocks once the decode worker pulled them or
// its own abort timeout fires.
func (ParamsConnector) Release(_ context.Context, h *Handle) error {
	klog.V(4).Infof("Dropping kv transfer params of %v", h)
	return nil
}
