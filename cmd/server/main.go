package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zhiheng-yu/transcriptor/internal/asr"
	"github.com/zhiheng-yu/transcriptor/internal/audio"
	"github.com/zhiheng-yu/transcriptor/internal/codec"
	"github.com/zhiheng-yu/transcriptor/internal/codec/opus"
	"github.com/zhiheng-yu/transcriptor/internal/config"
	"github.com/zhiheng-yu/transcriptor/internal/events"
	"github.com/zhiheng-yu/transcriptor/internal/filter"
	"github.com/zhiheng-yu/transcriptor/internal/inference"
	"github.com/zhiheng-yu/transcriptor/internal/observability"
	"github.com/zhiheng-yu/transcriptor/internal/resilience"
	"github.com/zhiheng-yu/transcriptor/internal/session"
	"github.com/zhiheng-yu/transcriptor/internal/speaker"
	"github.com/zhiheng-yu/transcriptor/internal/transport"
)

const serviceName = "transcriptor.Transcription"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("segment_mode", cfg.Segmentation.Mode).
		Str("asr_backend", cfg.ASR.Backend).
		Str("codec", cfg.Transport.Codec).
		Str("session_store", cfg.Session.Store).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcription server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	newCodec, err := codecFactory(cfg.Transport.Codec)
	if err != nil {
		return err
	}

	var client *inference.Client
	if cfg.Inference.URL != "" {
		client = inference.New(cfg, observability.WithComponent("inference"))
		if err := pingInference(ctx, cfg, client, logger); err != nil {
			return err
		}
	}

	deps, err := buildDeps(cfg, client, logger)
	if err != nil {
		return err
	}
	engine := session.NewEngine(cfg, deps, observability.WithComponent("engine"))

	store, err := session.NewStore(ctx, cfg, observability.WithComponent("session_store"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	publisher := events.New(cfg.Kafka, observability.WithComponent("events"))
	defer publisher.Close()

	srv := transport.NewServer(cfg, engine, store, publisher, newCodec, observability.WithComponent("transport"))

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(store, client)))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No read/write timeouts: websocket connections are long lived and
	// guarded by the keepalive instead
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	var healthServer *health.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC health port: %w", err)
		}
		grpcServer := grpc.NewServer()
		healthServer = health.NewServer()
		healthgrpc.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(serviceName, healthgrpc.HealthCheckResponse_SERVING)

		group.Go(func() error {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health service listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	group.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("echo_endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.Transport.EchoPath)).
			Str("stream_endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.Transport.StreamPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Int("connections", srv.Hub().Count()).Msg("Shutting down server...")
		if healthServer != nil {
			healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_NOT_SERVING)
			healthServer.SetServingStatus(serviceName, healthgrpc.HealthCheckResponse_NOT_SERVING)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by http.Server
		srv.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// codecFactory picks the packet codec. Opus needs the opus build tag; a
// binary built without it refuses to start rather than fail every connection.
func codecFactory(name string) (transport.CodecFactory, error) {
	switch name {
	case config.CodecPCM:
		return func() (codec.Codec, error) { return codec.NewPCMCodec(), nil }, nil
	case config.CodecOpus:
		if !opus.Available {
			return nil, fmt.Errorf("WS_CODEC=opus: %w", opus.ErrUnavailable)
		}
		return func() (codec.Codec, error) { return opus.New() }, nil
	default:
		return nil, fmt.Errorf("unknown WS_CODEC %q", name)
	}
}

// pingInference waits for the model server at startup
func pingInference(ctx context.Context, cfg *config.Config, client *inference.Client, logger zerolog.Logger) error {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	err := resilience.Retry(ctx, client.Ping, retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return fmt.Errorf("inference server at %s is not reachable: %w", cfg.Inference.URL, err)
	}
	logger.Info().Str("url", cfg.Inference.URL).Msg("Inference server reachable")
	return nil
}

// buildDeps wires the model handles. client may be nil when no inference
// server is configured.
func buildDeps(cfg *config.Config, client *inference.Client, logger zerolog.Logger) (session.Deps, error) {
	deps := session.Deps{
		Filter: filter.New(cfg.Filter),
	}

	switch cfg.ASR.Backend {
	case config.ASRBackendStub:
		logger.Warn().Msg("Using the stub ASR backend, no text will be recognized")
		deps.Transcriber = asr.NewStubTranscriber()
	default:
		deps.Transcriber = client
	}

	if client != nil {
		deps.Scorer = client
	} else {
		logger.Info().Msg("No inference server configured, using the energy VAD")
		deps.Scorer = audio.NewEnergyScorer(nil)
	}

	registry, err := speaker.LoadRegistry(cfg.Speaker.RegistryPath)
	if err != nil {
		return deps, err
	}
	if registry.Len() > 0 {
		if client == nil {
			logger.Warn().Int("speakers", registry.Len()).Msg("Speaker registry loaded without an inference server, attribution disabled")
		} else {
			deps.Attributor = speaker.NewAttributor(client, registry, cfg.Speaker, observability.WithComponent("speaker"))
			logger.Info().Strs("speakers", registry.IDs()).Msg("Speaker registry loaded")
		}
	}

	if cfg.Enhance.Enable {
		var denoiser audio.Denoiser
		if cfg.Enhance.Denoise && client != nil {
			denoiser = client
		}
		deps.Enhancer = audio.NewEnhancer(cfg.Enhance, denoiser)
	}
	return deps, nil
}

func readinessChecks(store session.Store, client *inference.Client) map[string]observability.HealthCheckFunc {
	checks := map[string]observability.HealthCheckFunc{}
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["redis"] = func(ctx context.Context) (bool, error) {
			if err := pinger.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	if client != nil {
		checks["inference"] = func(ctx context.Context) (bool, error) {
			if err := client.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return checks
}
