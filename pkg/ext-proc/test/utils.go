package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	klog "k8s.io/klog/v2"

	configPb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"

	"inference.networking.x-k8s.io/disagg-gateway/api/v1alpha1"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/handlers"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/scheduling"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

const NixlConnector = "NixlConnector"

// StartExtProc starts an ext proc server routing over fake workers that never miss a
// heartbeat.
func StartExtProc(ctx context.Context, port int, refreshMetricsInterval time.Duration, workers []*backend.Worker, metrics map[string]backend.Metrics, enableDisagg bool) *grpc.Server {
	r := backend.NewRegistry(backend.WithHeartbeatTimeout(24 * time.Hour))
	for _, w := range workers {
		if err := r.Register(w); err != nil {
			klog.Fatalf("failed to register %v: %v", w, err)
		}
	}
	pp := backend.NewProvider(r, &backend.FakeWorkerMetricsClient{Res: metrics})
	if err := pp.Init(ctx, time.Second, refreshMetricsInterval); err != nil {
		klog.Fatalf("failed to initialize: %v", err)
	}
	b := loadbalancer.NewBalancer(
		loadbalancer.Config{Mode: loadbalancer.ModeFor(enableDisagg)},
		scheduling.NewScheduler(r),
		kvhandoff.NewManager(kvhandoff.WithDefaultConnector(kvhandoff.ParamsConnector{})),
		worker.NewClient(nil),
	)
	return startExtProc(port, b)
}

func startExtProc(port int, picker handlers.Picker) *grpc.Server {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		klog.Fatalf("failed to listen: %v", err)
	}

	s := grpc.NewServer()

	extProcPb.RegisterExternalProcessorServer(s, handlers.NewServer(picker, handlers.DefaultTargetPodHeader, handlers.DefaultPrefillHeader))

	klog.Infof("Starting gRPC server on port :%v", port)
	reflection.Register(s)
	go s.Serve(lis)
	return s
}

func GenerateRequest(model string) *extProcPb.ProcessingRequest {
	j := map[string]interface{}{
		"model":       model,
		"prompt":      "hello",
		"max_tokens":  100,
		"temperature": 0,
	}

	llmReq, err := json.Marshal(j)
	if err != nil {
		klog.Fatal(err)
	}
	req := &extProcPb.ProcessingRequest{
		Request: &extProcPb.ProcessingRequest_RequestBody{
			RequestBody: &extProcPb.HttpBody{Body: llmReq},
		},
	}
	return req
}

// GenerateHeaders returns the request headers Envoy sends first, carrying the request id.
func GenerateHeaders(requestID string) *extProcPb.ProcessingRequest {
	return &extProcPb.ProcessingRequest{
		Request: &extProcPb.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extProcPb.HttpHeaders{
				Headers: &configPb.HeaderMap{
					Headers: []*configPb.HeaderValue{
						{Key: handlers.RequestIDHeader, RawValue: []byte(requestID)},
					},
				},
			},
		},
	}
}

// FakeWorker returns the descriptor of a worker of role with a NIXL connector fitting the role.
func FakeWorker(role backend.Role, index int) *backend.Worker {
	w := &backend.Worker{
		ID:      fmt.Sprintf("%s-%d", role, index),
		Role:    role,
		Rank:    index,
		Address: fmt.Sprintf("%s-address-%d:8000", role, index),
		Model:   "my-model",
	}
	switch role {
	case backend.RolePrefill:
		w.Connector = v1alpha1.KVConnectorSpec{Kind: NixlConnector, Role: v1alpha1.KVProducer}
	case backend.RoleDecode:
		w.Connector = v1alpha1.KVConnectorSpec{Kind: NixlConnector, Role: v1alpha1.KVConsumer}
	}
	return w
}
