// Command reconcile runs a single reconciliation tick and exits. It is meant
// for an external scheduler; a tick skipped because another replica holds
// the lease exits 0.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tbeaudouin05/stripe-recurring/api/bootstrap"
	stripeapp "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Ensure(); err != nil {
		slog.Error("bootstrap failed", "err", err)
		return 1
	}
	defer bootstrap.Close()

	report, err := bootstrap.GetReconciler().RunOnce(ctx)
	switch {
	case errors.Is(err, stripeapp.ErrLockBusy):
		slog.Info("reconcile skipped, lease held elsewhere")
		return 0
	case err != nil:
		slog.Error("reconcile failed", "err", err)
		return 1
	}
	slog.Info("reconcile finished",
		"scanned", report.Scanned,
		"renewed", report.Renewed,
		"expired", report.Expired,
		"grace_expired", report.GraceExpired,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	if report.Failed > 0 {
		return 2
	}
	return 0
}
