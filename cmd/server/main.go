package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tbeaudouin05/stripe-recurring/api/bootstrap"
	"github.com/tbeaudouin05/stripe-recurring/api/config"
	"github.com/tbeaudouin05/stripe-recurring/api/router"
	grpcserver "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/grpc"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Ensure(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		if err := bootstrap.Close(); err != nil {
			slog.Error("close resources", "err", err)
		}
	}()
	cfg := config.AppConfig
	rec := bootstrap.GetReconciler()

	svc := bootstrap.GetStripeService()
	// One admin server backs both the gRPC service and the HTTP routes.
	admin := grpcserver.New(svc, rec, slog.Default(), grpcserver.WithAdminKey(cfg.AdminAPIKey))
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(admin.UnaryInterceptors()...))
	grpcserver.RegisterAdminServer(grpcSrv, admin)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router.New(svc, admin, bootstrap.Registry()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		slog.Info("grpc server listening", "addr", lis.Addr().String())
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		slog.Info("reconciler started", "interval", cfg.TickInterval(), "lock_backend", cfg.LockBackend)
		return rec.Run(gctx, cfg.TickInterval())
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
