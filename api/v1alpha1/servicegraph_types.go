/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package v1alpha1 contains the types of the service-config document that wires a
// disaggregated serving graph together.
package v1alpha1

import (
	"encoding/json"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/util/intstr"
)

// Well known keys and service names of the service-config document.
const (
	// CommonServiceName is the shared base block other services inherit from.
	CommonServiceName = "Common"
	// CommonConfigsKey lists the keys a service inherits from the Common block.
	CommonConfigsKey = "common-configs"
	// ServiceArgsKey holds deployment arguments that are never rendered as CLI flags.
	ServiceArgsKey = "ServiceArgs"

	FrontendService           = "Frontend"
	SimpleLoadBalancerService = "SimpleLoadBalancer"
	PrefillWorkerService      = "VllmPrefillWorker"
	DecodeWorkerService       = "VllmDecodeWorker"
	DPWorkerService           = "VllmDpWorker"

	DataParallelSizeKey = "data_parallel_size"
)

// ServiceGraph is the raw service-config document: a service name mapped to its
// parameter block.
type ServiceGraph map[string]map[string]any

// KVRole is the role a worker plays in KV cache transfer.
type KVRole string

const (
	KVBoth     KVRole = "kv_both"
	KVProducer KVRole = "kv_producer"
	KVConsumer KVRole = "kv_consumer"
)

// KVConnectorSpec identifies the KV transfer connector of a worker and its role.
type KVConnectorSpec struct {
	Kind string `json:"kv_connector,omitempty"`
	Role KVRole `json:"kv_role,omitempty"`
}

// Produces returns true if the connector can hand KV cache state off to a peer.
func (s KVConnectorSpec) Produces() bool {
	return s.Role == KVProducer || s.Role == KVBoth
}

// Consumes returns true if the connector can receive KV cache state from a peer.
func (s KVConnectorSpec) Consumes() bool {
	return s.Role == KVConsumer || s.Role == KVBoth
}

func (s KVConnectorSpec) IsZero() bool {
	return s.Kind == "" && s.Role == ""
}

func (s KVConnectorSpec) String() string {
	return s.Kind + "/" + string(s.Role)
}

// UnmarshalJSON accepts both the object form and the vLLM CLI form, where the
// connector config is a JSON document embedded in a string.
func (s *KVConnectorSpec) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		if raw == "" {
			*s = KVConnectorSpec{}
			return nil
		}
		data = []byte(raw)
	}
	type plain KVConnectorSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid kv connector config %q: %w", string(data), err)
	}
	switch p.Role {
	case KVBoth, KVProducer, KVConsumer, "":
	default:
		return fmt.Errorf("unknown kv_role %q", p.Role)
	}
	*s = KVConnectorSpec(p)
	return nil
}

// Resources is the resource shape requested for each worker of a service.
type Resources struct {
	GPU    intstr.IntOrString `json:"gpu,omitempty"`
	CPU    string             `json:"cpu,omitempty"`
	Memory string             `json:"memory,omitempty"`
}

// ServiceArgs are deployment arguments of a service.
type ServiceArgs struct {
	Workers   int       `json:"workers,omitempty"`
	Resources Resources `json:"resources,omitempty"`
}

// DataParallelSpec is the data-parallel declaration of one worker group.
type DataParallelSpec struct {
	Size      int    `json:"data_parallel_size"`
	SizeLocal int    `json:"data_parallel_size_local,omitempty"`
	StartRank int    `json:"data_parallel_start_rank,omitempty"`
	Address   string `json:"data_parallel_address,omitempty"`
	RPCPort   int    `json:"data_parallel_rpc_port,omitempty"`
}

// ServiceConfig is the resolved, flat configuration of one service. It is built
// once at load time and never mutated afterwards.
type ServiceConfig struct {
	Name                 string            `json:"-"`
	Model                string            `json:"model,omitempty"`
	ServedModelName      string            `json:"served_model_name,omitempty"`
	KVConnector          KVConnectorSpec   `json:"kv-transfer-config,omitempty"`
	MaxModelLen          int               `json:"max-model-len,omitempty"`
	EnableExpertParallel bool              `json:"enable-expert-parallel,omitempty"`
	EnableDisagg         bool              `json:"enable_disagg,omitempty"`
	Headless             bool              `json:"headless,omitempty"`
	Endpoint             string            `json:"endpoint,omitempty"`
	Port                 int               `json:"port,omitempty"`
	ServiceArgs          ServiceArgs       `json:"ServiceArgs,omitempty"`
	DataParallel         *DataParallelSpec `json:"-"`

	// Params holds every resolved key of the block, inherited ones included.
	// ServiceArgs and common-configs are not part of it.
	Params map[string]any `json:"-"`
}

// GPUCount returns the number of GPUs requested per worker, 0 if unset.
func (c *ServiceConfig) GPUCount() (int, error) {
	gpu := c.ServiceArgs.Resources.GPU
	if gpu.Type == intstr.Int {
		return gpu.IntValue(), nil
	}
	if gpu.StrVal == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(gpu.StrVal)
	if err != nil {
		return 0, fmt.Errorf("service %s: invalid gpu count %q: %w", c.Name, gpu.StrVal, err)
	}
	return n, nil
}

// Workers returns the number of worker replicas, defaulting to one.
func (c *ServiceConfig) Workers() int {
	if c.ServiceArgs.Workers <= 0 {
		return 1
	}
	return c.ServiceArgs.Workers
}
