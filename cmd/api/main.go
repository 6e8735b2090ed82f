package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"chorus.org/internal/access"
	"chorus.org/internal/app"
	"chorus.org/internal/auth"
	"chorus.org/internal/history"
	"chorus.org/internal/httpapi"
	"chorus.org/internal/nav"
	"chorus.org/internal/obs"
	"chorus.org/internal/registry"
	"chorus.org/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.LogFormat, os.Stdout).With(slog.String("service", "chorus-api"))
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo("api", version, commit)

	if err := access.ValidateDescriptors(); err != nil {
		return err
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close backends", slog.Any("error", err))
		}
	}()

	sink, err := backends.HistorySink(cfg, logger)
	if err != nil {
		return err
	}
	hub := stream.New(64)

	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}
	resolver := access.NewResolver(access.WithLogger(logger))
	reg := registry.New(backends.Ledger, resolver,
		registry.WithSink(history.Tee(sink, hub)),
		registry.WithLogger(logger),
	)

	probe := httpapi.ReadyProbe{Redis: backends.Redis}
	if backends.PG != nil {
		probe.DB = backends.PG.DB()
	}

	api := httpapi.New(httpapi.Deps{
		Store:        backends.Ledger,
		Resolver:     resolver,
		Registry:     reg,
		Auth:         auth.NewService(backends.Logins, tokens, auth.WithLogger(logger)),
		Nav:          nav.Default(),
		Hub:          hub,
		Ready:        probe,
		Logger:       logger,
		Version:      version,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RatePerSec,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(probe, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		grpcSrv.Watch(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
