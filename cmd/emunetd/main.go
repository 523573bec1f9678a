package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emunet-dev/emunetd/internal/cmdexec"
	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/internal/observability"
	"github.com/emunet-dev/emunetd/internal/rpcapi"
	"github.com/emunet-dev/emunetd/internal/tlvapi"
	"github.com/emunet-dev/emunetd/netem"
	"github.com/emunet-dev/emunetd/session"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

func main() {
	grpcAddr := flag.String("grpc-addr", ":50051", "TCP address the gRPC control API listens on")
	tlvAddr := flag.String("tlv-addr", ":4038", "TCP address the binary control protocol listens on")
	tlvUDPAddr := flag.String("tlv-udp-addr", ":4038", "UDP address for connectionless control clients")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	mobilityTick := flag.Duration("mobility-tick", 50*time.Millisecond, "mobility engine tick interval")
	throughputInterval := flag.Duration("throughput-interval", time.Second, "device throughput sampling interval; 0 disables sampling")
	servicesDir := flag.String("services-dir", "", "directory of YAML service definitions to load at startup")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	collector, err := observability.NewCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	runner := cmdexec.System{}
	realizer := netem.NewExec(runner)

	sessions := session.NewManager(realizer, runner, log,
		session.WithManagerMetrics(collector),
		session.WithSessionOptions(
			session.WithMetricsRecorder(collector),
			session.WithMobilityTick(*mobilityTick),
			session.WithServiceDefinitions(*servicesDir),
		),
	)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sampler *netem.ThroughputSampler
	if *throughputInterval > 0 {
		sampler = netem.NewThroughputSampler(realizer, *throughputInterval, collector, log)
		go sampler.Run(runCtx)
	}

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(rpcapi.Codec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			rpcapi.RequestIDUnaryServerInterceptor(log),
			rpcapi.TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	rpcapi.Register(grpcServer, rpcapi.NewServer(sessions, sampler, log))

	grpcLis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", *grpcAddr), logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "starting gRPC control API", logging.String("addr", *grpcAddr))
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	tlvServer := tlvapi.NewServer(sessions, runner, log)
	if *tlvAddr != "" {
		tlvLis, err := net.Listen("tcp", *tlvAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for control protocol", logging.String("addr", *tlvAddr), logging.Err(err))
			os.Exit(1)
		}
		log.Info(ctx, "starting binary control protocol", logging.String("addr", *tlvAddr))
		go func() {
			if err := tlvServer.Serve(runCtx, tlvLis); err != nil && runCtx.Err() == nil {
				log.Error(ctx, "control protocol server exited", logging.Err(err))
			}
		}()
	}
	if *tlvUDPAddr != "" {
		pc, err := net.ListenPacket("udp", *tlvUDPAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for control datagrams", logging.String("addr", *tlvUDPAddr), logging.Err(err))
			os.Exit(1)
		}
		go func() {
			if err := tlvServer.ServePacket(runCtx, pc); err != nil && runCtx.Err() == nil {
				log.Error(ctx, "control datagram server exited", logging.Err(err))
			}
		}()
	}

	<-runCtx.Done()
	log.Info(ctx, "shutting down")

	// Shut sessions down first so namespaces and bridges are reclaimed
	// before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sessions.Shutdown(shutdownCtx)

	grpcServer.GracefulStop()
	if metricsSrv != nil {
		srvCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(srvCtx)
		srvCancel()
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
}

func serveMetrics(addr string, collector *observability.Collector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
