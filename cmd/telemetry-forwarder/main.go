package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/telemetry-forwarder/internal/config"
	"github.com/szibis/telemetry-forwarder/internal/exporter"
	"github.com/szibis/telemetry-forwarder/internal/health"
	"github.com/szibis/telemetry-forwarder/internal/logging"
	"github.com/szibis/telemetry-forwarder/internal/pipeline"
	"github.com/szibis/telemetry-forwarder/internal/receiver"
	"github.com/szibis/telemetry-forwarder/internal/telemetry"
)

const serviceName = "telemetry-forwarder"

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.Usage(os.Stderr)
		os.Exit(2)
	}
	if cfg.ShowHelp {
		config.Usage(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowVersion {
		fmt.Printf("%s %s\n", serviceName, version)
		os.Exit(0)
	}
	if cfg.ValidateOnly {
		os.Exit(validate(cfg))
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    serviceName,
		"service.version": version,
	})
	setMemoryLimit(cfg.MemoryLimitRatio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), serviceName, version)
	if err != nil {
		logging.Fatal("failed to initialize self telemetry", logging.F("error", err.Error()))
	}
	if hook := tel.NewLogHook(); hook != nil {
		logging.SetHook(hook)
	}

	expCfg, err := cfg.ExporterConfig()
	if err != nil {
		logging.Fatal("invalid exporter configuration", logging.F("error", err.Error()))
	}
	grpcCfg, err := cfg.GRPCReceiverConfig()
	if err != nil {
		logging.Fatal("invalid gRPC receiver configuration", logging.F("error", err.Error()))
	}
	httpCfg, err := cfg.HTTPReceiverConfig()
	if err != nil {
		logging.Fatal("invalid HTTP receiver configuration", logging.F("error", err.Error()))
	}

	exp, err := exporter.New(expCfg)
	if err != nil {
		logging.Fatal("failed to create exporter", logging.F("error", err.Error()))
	}

	sinks := pipeline.Sinks{
		Traces:  exp.TraceSink(),
		Metrics: exp.MetricSink(),
		Logs:    exp.LogSink(),
	}
	var retrying *exporter.Retrying
	if cfg.ExporterRetryEnabled {
		retrying, err = exporter.NewRetrying(exp, cfg.RetryConfig())
		if err != nil {
			logging.Fatal("failed to open export retry queue", logging.F("error", err.Error()))
		}
		sinks = pipeline.Sinks{
			Traces:  retrying.TraceSink(),
			Metrics: retrying.MetricSink(),
			Logs:    retrying.LogSink(),
		}
	}

	pipe, err := pipeline.New(cfg.PipelineConfig(), sinks)
	if err != nil {
		logging.Fatal("failed to create pipeline", logging.F("error", err.Error()))
	}

	checker := health.New()
	checker.RegisterLiveness("pipeline", pipe.Check)
	checker.RegisterReadiness("pipeline", pipe.Check)

	grpcReceiver := receiver.NewGRPC(grpcCfg, pipe)
	httpReceiver := receiver.NewHTTP(httpCfg, pipe)

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	statsMux.HandleFunc("/live", checker.LiveHandler())
	statsMux.HandleFunc("/ready", checker.ReadyHandler())
	statsMux.HandleFunc("/flush", pipe.FlushHandler(cfg.FlushTimeout))
	statsMux.HandleFunc("/queues", pipe.StatsHandler())
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(grpcReceiver.Start)
	g.Go(httpReceiver.Start)
	g.Go(func() error {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr))
		if err := statsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down")
		checker.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// stop intake first so the final drain sees every accepted record
		grpcReceiver.Stop()
		if err := httpReceiver.Stop(shutdownCtx); err != nil {
			logging.Warn("HTTP receiver shutdown", logging.F("error", err.Error()))
		}
		if err := pipe.Shutdown(shutdownCtx); err != nil {
			logging.Error("pipeline shutdown incomplete", logging.F("error", err.Error()))
		}
		if retrying != nil {
			if err := retrying.Close(); err != nil {
				logging.Warn("export retry queue close", logging.F("error", err.Error()))
			}
		}
		if err := exp.Close(); err != nil {
			logging.Warn("exporter close", logging.F("error", err.Error()))
		}
		if err := statsServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("stats server shutdown", logging.F("error", err.Error()))
		}

		telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		defer telCancel()
		logging.SetHook(nil)
		if err := tel.Shutdown(telCtx); err != nil {
			logging.Warn("self telemetry shutdown", logging.F("error", err.Error()))
		}
		return nil
	})

	logging.Info("telemetry-forwarder started", logging.F(
		"version", version,
		"grpc_addr", cfg.GRPCListenAddr,
		"http_addr", cfg.HTTPListenAddr,
		"stats_addr", cfg.StatsAddr,
		"exporter_endpoint", cfg.ExporterEndpoint,
		"exporter_protocol", cfg.ExporterProtocol,
		"self_telemetry", tel.Enabled(),
	))

	if err := g.Wait(); err != nil {
		logging.Error("telemetry-forwarder stopped with error", logging.F("error", err.Error()))
		os.Exit(1)
	}
	logging.Info("shutdown complete")
}

func validate(cfg *config.Config) int {
	var result *config.ValidationResult
	if cfg.ConfigFile != "" {
		result = config.ValidateFile(cfg.ConfigFile)
	} else {
		result = &config.ValidationResult{Valid: cfg.Validate() == nil, Issues: cfg.Check()}
	}
	fmt.Println(result.JSON())
	if !result.Valid {
		return 1
	}
	return 0
}

// setMemoryLimit sets GOMEMLIMIT from the cgroup (or host) memory limit.
func setMemoryLimit(ratio float64) {
	if ratio <= 0 {
		return
	}
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Info("GOMEMLIMIT not set", logging.F("reason", err.Error()))
		return
	}
	logging.Info("GOMEMLIMIT set", logging.F("limit_bytes", limit, "ratio", ratio))
}
