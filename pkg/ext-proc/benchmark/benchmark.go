package main

import (
	"context"
	"encoding/json"
	goflag "flag"
	"fmt"
	"os"
	"time"

	"github.com/bojand/ghz/printer"
	"github.com/bojand/ghz/runner"
	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/jhump/protoreflect/desc"
	flag "github.com/spf13/pflag"
	"google.golang.org/protobuf/proto"
	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/test"
)

var (
	svrAddr       = flag.String("server_address", "localhost:9002", "Address of the ext proc server")
	totalRequests = flag.Int("total_requests", 100000, "number of requests to be sent for load test")

	// Flags when running a local ext proc server.
	numPrefillWorkers      = flag.Int("num_prefill_workers", 8, "number of fake prefill workers when running a local ext proc server")
	numDecodeWorkers       = flag.Int("num_decode_workers", 16, "number of fake decode workers when running a local ext proc server")
	enableDisagg           = flag.Bool("enable_disagg", true, "whether the local ext proc server routes prefill and decode separately")
	localServer            = flag.Bool("local_server", true, "whether to start a local ext proc server")
	refreshMetricsInterval = flag.Duration("refreshMetricsInterval", 50*time.Millisecond, "interval to refresh metrics")
)

const (
	port = 9002
)

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	if *localServer {
		workers, metrics := fakeWorkers()
		test.StartExtProc(context.Background(), port, *refreshMetricsInterval, workers, metrics, *enableDisagg)
		time.Sleep(time.Second) // wait until server is up
		klog.Info("Server started")
	}

	report, err := runner.Run(
		"envoy.service.ext_proc.v3.ExternalProcessor.Process",
		*svrAddr,
		runner.WithInsecure(true),
		runner.WithBinaryDataFunc(generateRequest),
		runner.WithTotalRequests(uint(*totalRequests)),
	)
	if err != nil {
		klog.Fatal(err)
	}

	printer := printer.ReportPrinter{
		Out:    os.Stdout,
		Report: report,
	}

	printer.Print("summary")
}

func generateRequest(mtd *desc.MethodDescriptor, callData *runner.CallData) []byte {
	j := map[string]interface{}{
		"model":       "my-model",
		"prompt":      fmt.Sprintf("Write as if you were a critic: San Francisco %d", callData.RequestNumber),
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
	data, err := proto.Marshal(req)
	if err != nil {
		klog.Fatal("marshaling error: ", err)
	}
	return data
}

// fakeWorkers returns the prefill, decode and dp workers of the local server with a spread of
// KV cache usage.
func fakeWorkers() ([]*backend.Worker, map[string]backend.Metrics) {
	var workers []*backend.Worker
	metrics := make(map[string]backend.Metrics)
	add := func(role backend.Role, n int) {
		for i := 0; i < n; i++ {
			w := test.FakeWorker(role, i)
			workers = append(workers, w)
			metrics[w.ID] = backend.Metrics{
				KVCacheUsagePercent:     float64(i%10) / 10,
				KvCacheMaxTokenCapacity: 65536,
			}
		}
	}
	if *enableDisagg {
		add(backend.RolePrefill, *numPrefillWorkers)
		add(backend.RoleDecode, *numDecodeWorkers)
	} else {
		add(backend.RoleDP, *numDecodeWorkers)
	}
	return workers, metrics
}
