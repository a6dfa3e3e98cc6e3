package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext cancels the returned context on the first SIGINT or
// SIGTERM so cascade commands stop between rows rather than mid-write. A
// second signal force-exits for the case where teardown itself wedges.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		if parent.Err() != nil {
			// Normal completion, not an interrupt.
			return
		}

		logger.Info("interrupt received, stopping after the current row")

		escalate := make(chan os.Signal, 1)
		signal.Notify(escalate, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(escalate)

		select {
		case sig := <-escalate:
			logger.Warn("second interrupt, exiting immediately",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
