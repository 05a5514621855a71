package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. Long-running commands (watch, submit
// --wait, serve) get to close subscriptions and drain the gateway on the
// first signal.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// watchReload registers for SIGHUP right away and returns a loop that
// calls reload for every signal until ctx is canceled. Registering before
// the loop runs keeps an early SIGHUP from terminating the process.
func watchReload(logger *slog.Logger, reload func()) func(context.Context) error {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	return func(ctx context.Context) error {
		defer signal.Stop(hupCh)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hupCh:
				logger.Info("received SIGHUP, reloading API key")
				reload()
			}
		}
	}
}
