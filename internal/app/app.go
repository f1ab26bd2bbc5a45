package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/boothscan/internal/transport"
)

type app struct {
	di      *dependencyInjector
	srv     *http.Server
	workers Workers
}

// New wires the HTTP API and the worker pool from the config file.
func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr:    di.Config().Addr,
			Handler: transport.Wrap(di.Router(ctx).MountRoutes(mux)),
		},
		workers: di.Orchestrator(ctx),
	}
}

func (a *app) Run(ctx context.Context) error {
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	a.workers.Run(workCtx)
	a.workers.StartCleanup(workCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	stopWork()
	if err := a.workers.Stop(shutdownCtx); err != nil {
		slog.Error("workers stop error", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	a.di.Close(shutdownCtx)

	if runErr == nil {
		slog.Info("server gracefully stopped")
	}
	return runErr
}
