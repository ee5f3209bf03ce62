package main

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	extProcPb "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/config"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend/etcd"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend/vllm"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/dp"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/frontend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/handlers"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/kvhandoff"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/metrics"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/scheduling"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/worker"
)

var (
	port            = flag.Int("port", 9002, "gRPC port")
	httpPort        = flag.Int("http-port", 8000, "port of the completions, worker registration and metrics API")
	targetPodHeader = flag.String("targetPodHeader", handlers.DefaultTargetPodHeader, "the header key for the decode worker address to instruct Envoy to send the request to. This must match Envoy configuration.")
	prefillHeader   = flag.String("prefillHeader", handlers.DefaultPrefillHeader, "the header key for the prefill worker address consumed by the decode side sidecar")
	configPath      = flag.String("config", "", "path of the service config document, "+config.EnvServiceConfig+" is used when empty")

	heartbeatTimeout       = flag.Duration("heartbeatTimeout", backend.DefaultHeartbeatTimeout, "how long a worker may miss heartbeats before it is not routed to")
	sweepInterval          = flag.Duration("sweepInterval", time.Second, "interval to sweep heartbeats and refresh the routing snapshot")
	refreshMetricsInterval = flag.Duration("refreshMetricsInterval", 50*time.Millisecond, "interval to refresh metrics")
	kvCacheThreshold       = flag.Float64("kvCacheThreshold", 0, "prefer workers whose kv cache usage is below this fraction, 0 disables the filter")

	handoffTimeout        = flag.Duration("handoffTimeout", loadbalancer.DefaultHandoffTimeout, "bound on a single kv transfer")
	maxDecodeAttempts     = flag.Int("maxDecodeAttempts", loadbalancer.DefaultMaxDecodeAttempts, "decode workers tried per session before it fails")
	maxConcurrentSessions = flag.Int64("maxConcurrentSessions", 0, "sessions served at once, 0 is unbounded")
	admissionTimeout      = flag.Duration("admissionTimeout", time.Second, "how long a session may wait for admission")

	etcdEndpoints     = flag.StringSlice("etcd-endpoints", nil, "etcd endpoints of the worker registry and the etcd kv connector")
	etcdWorkersPrefix = flag.String("etcd-workers-prefix", etcd.DefaultPrefix, "etcd prefix workers register under")
	etcdConnectorKind = flag.String("etcd-connector-kind", "MooncakeConnector", "kv connector kind whose transfers are coordinated through etcd")

	enablePodReconciler = flag.Bool("enable-pod-reconciler", false, "register ready pods labelled "+backend.RoleLabel)
	namespace           = flag.String("namespace", "", "namespace of the worker pods, all namespaces when empty")
	workerPort          = flag.Int("worker-port", 8000, "port of worker pods without an address in their descriptor")
)

type healthServer struct{}

func (s *healthServer) Check(ctx context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	klog.V(4).Infof("Handling grpc Check request %s", in.String())
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
}

func (s *healthServer) Watch(in *healthPb.HealthCheckRequest, srv healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}

func main() {
	klog.InitFlags(nil)
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		klog.Fatalf("Gateway failed: %v", err)
	}
	klog.Info("Gateway stopped")
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.Load(*configPath)
	}
	return config.LoadFromEnv()
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, sc := range cfg.Services() {
		if sc.Endpoint != "" {
			klog.Infof("Service %s serves endpoint %s", sc.Name, sc.Endpoint)
		}
	}

	registryOpts := []backend.RegistryOption{backend.WithHeartbeatTimeout(*heartbeatTimeout)}
	size, groups, err := dp.GroupsFromConfig(cfg.DPGroups())
	if err != nil {
		return err
	}
	if len(groups) > 0 {
		coord, err := dp.Validate(size, 0, groups)
		if err != nil {
			return err
		}
		for _, s := range coord.Slots() {
			klog.V(1).Infof("Rank %d of %s runs with %v", s.Rank, s.Group, coord.Args(s))
		}
		registryOpts = append(registryOpts, backend.WithAdmission(coord.Admit))
	}
	registry := backend.NewRegistry(registryOpts...)

	g, ctx := errgroup.WithContext(ctx)

	handoffOpts := []kvhandoff.Option{kvhandoff.WithDefaultConnector(kvhandoff.ParamsConnector{})}
	if len(*etcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{Endpoints: *etcdEndpoints, DialTimeout: 5 * time.Second, Context: ctx})
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer cli.Close()
		handoffOpts = append(handoffOpts, kvhandoff.WithConnector(*etcdConnectorKind, kvhandoff.NewEtcdConnector(cli, "", 0)))
		source := etcd.NewSource(cli, *etcdWorkersPrefix, registry)
		g.Go(func() error {
			return source.Run(ctx, *heartbeatTimeout/4)
		})
	}

	if *enablePodReconciler {
		if err := startPodReconciler(ctx, g, registry); err != nil {
			return err
		}
	}

	pp := backend.NewProvider(registry, &vllm.WorkerMetricsClientImpl{})
	if err := pp.Init(ctx, *sweepInterval, *refreshMetricsInterval); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	mode := loadbalancer.ModeFor(cfg.EnableDisagg())
	klog.Infof("Routing mode %v", mode)
	balancer := loadbalancer.NewBalancer(
		loadbalancer.Config{
			Mode:                  mode,
			HandoffTimeout:        *handoffTimeout,
			MaxDecodeAttempts:     *maxDecodeAttempts,
			MaxConcurrentSessions: *maxConcurrentSessions,
			AdmissionTimeout:      *admissionTimeout,
		},
		scheduling.NewScheduler(registry, scheduling.WithKVCacheThreshold(*kvCacheThreshold)),
		kvhandoff.NewManager(handoffOpts...),
		worker.NewClient(nil),
		loadbalancer.WithObserver(metrics.Observer{}),
	)

	metrics.Register(prometheus.DefaultRegisterer)
	go wait.UntilWithContext(ctx, func(context.Context) {
		metrics.RecordWorkers(registry)
	}, *sweepInterval)

	g.Go(func() error {
		return serveExtProc(ctx, balancer)
	})
	g.Go(func() error {
		return serveHTTP(ctx, balancer, registry)
	})
	return g.Wait()
}

func serveExtProc(ctx context.Context, picker handlers.Picker) error {
	klog.Infof("Listening on %q", fmt.Sprintf(":%d", *port))
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s := grpc.NewServer()
	extProcPb.RegisterExternalProcessorServer(s, handlers.NewServer(picker, *targetPodHeader, *prefillHeader))
	healthPb.RegisterHealthServer(s, &healthServer{})

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	klog.Infof("Starting gRPC server on port :%v", *port)
	return s.Serve(lis)
}

func serveHTTP(ctx context.Context, balancer *loadbalancer.Balancer, registry *backend.Registry) error {
	mux := frontend.NewServer(balancer, registry).Routes()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", *httpPort), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Failed to shut down HTTP server: %v", err)
		}
	}()
	klog.Infof("Starting HTTP server on port :%v", *httpPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func startPodReconciler(ctx context.Context, g *errgroup.Group, registry *backend.Registry) error {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get kubernetes config: %w", err)
	}
	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: clientgoscheme.Scheme,
		// The gateway serves its own /metrics.
		Metrics: metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	r := &backend.PodReconciler{
		Client:     mgr.GetClient(),
		Scheme:     mgr.GetScheme(),
		Record:     mgr.GetEventRecorderFor("disagg-gateway"),
		Namespace:  *namespace,
		TargetPort: *workerPort,
		// Requeues double as heartbeats.
		ResyncPeriod: *heartbeatTimeout / 2,
		Registry:     registry,
	}
	if err := r.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed to set up pod reconciler: %w", err)
	}
	g.Go(func() error {
		return mgr.Start(ctx)
	})
	return nil
}
