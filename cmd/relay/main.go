package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/collab-service/config"
	"github.com/cwrk-planet/collab-service/internal/registry"
	"github.com/cwrk-planet/collab-service/internal/sweeper"
	grpcx "github.com/cwrk-planet/collab-service/internal/transport/grpc"
	httpx "github.com/cwrk-planet/collab-service/internal/transport/http"
	"github.com/cwrk-planet/collab-service/internal/transport/ws"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting collab relay",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	// без экспортёра: span-ы нужны только ради trace_id в логах
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- registry & sweeper ---
	reg := registry.New(registry.Options{
		EvictionGrace:    cfg.Relay.EvictionGraceOr(registry.DefaultEvictionGrace),
		TypingTimeout:    cfg.Relay.TypingTimeoutOr(registry.DefaultTypingTimeout),
		MaxContentLength: cfg.Relay.MaxContentLength,
	})
	defer reg.Close()

	sw := sweeper.New("relay", reg, nil, cfg.Relay.SweepIntervalOr(sweeper.DefaultInterval))
	if err := sw.Start(ctx); err != nil {
		log.Fatalf("sweeper: %v", err)
	}
	defer sw.Stop()

	// --- WS ---
	wsServer := ws.NewServer(reg, ws.Options{
		PingEvery:      cfg.Relay.PingEveryOr(15 * time.Second),
		ReadLimit:      cfg.Relay.ReadLimit,
		SendBuffer:     cfg.Relay.SendBuffer,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Limits: ws.Limits{
			Messages: cfg.Relay.RateLimits.MessagesPerMinute,
			Counter:  cfg.Relay.RateLimits.CounterPerMinute,
			Typing:   cfg.Relay.RateLimits.TypingPerMinute,
		},
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Sessions:       reg,
		WS:             wsServer.HandleWS,
		CORS:           cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeoutOr(30 * time.Second),
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// --- gRPC ---
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor(cfg.GRPC.CallTimeoutOr(grpcx.DefaultCallTimeout))),
	)
	grpcx.RegisterInspectorServer(grpcServer, grpcx.NewServer(reg))

	// --- run both servers ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
		return grpcServer.Serve(lis)
	})

	// --- graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeoutOr(10*time.Second))
		defer cancel()

		grpcServer.GracefulStop()
		return httpSrv.Shutdown(ctxShutdown)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", logger.Err(err))
		sw.Stop()
		reg.Close()
		os.Exit(1)
	}
	slog.Info("stopped")
}
