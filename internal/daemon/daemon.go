// Package daemon implements the long-lived process lifecycle (§4.8):
// a scoped PID file, cooperative shutdown on signal, and a small admin
// HTTP listener exposing liveness and stats for external monitoring.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-stack/stack"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/partnerwatch/sentryd/internal/query"
)

// Engine is the long-running ingestion loop the runtime supervises. It
// must return promptly once its context is cancelled, with no partial
// writes left behind.
type Engine interface {
	Run(ctx context.Context) error
}

// Config configures the daemon runtime.
type Config struct {
	// PIDFilePath, if non-empty, is acquired at startup and released on
	// every exit path.
	PIDFilePath string
	// AdminAddr, if non-empty, is the listen address for /healthz and
	// /stats.json. Empty disables the admin listener entirely.
	AdminAddr string
	// ShutdownGrace bounds how long the engine gets to drain after the
	// first shutdown signal before the runtime forces an exit. Defaults
	// to 10s.
	ShutdownGrace time.Duration
}

// Runtime supervises the ingestion engine, the signal listener, and the
// optional admin HTTP server as one cancellable group.
type Runtime struct {
	engine Engine
	api    *query.API
	cfg    Config
	log    *zap.Logger
}

func New(engine Engine, api *query.API, cfg Config, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Runtime{engine: engine, api: api, cfg: cfg, log: log}
}

// Run blocks until the engine exits, ctx is cancelled, or a shutdown
// signal is handled. It guarantees the PID file (if configured) is
// released on every exit path, including panic.
func (r *Runtime) Run(ctx context.Context) (err error) {
	var pf *pidFile
	if r.cfg.PIDFilePath != "" {
		pf, err = acquirePIDFile(r.cfg.PIDFilePath)
		if err != nil {
			return errors.Wrap(err, "daemon: startup")
		}
	}

	released := false
	release := func() {
		if pf == nil || released {
			return
		}
		released = true
		if releaseErr := pf.Release(); releaseErr != nil {
			r.log.Error("failed to release pid file", zap.Error(releaseErr))
		}
	}
	defer release()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("daemon: recovered from panic",
				zap.String("panic", fmt.Sprint(p)),
				zap.String("stack", fmt.Sprintf("%+v", stack.Trace().TrimRuntime())))
			err = errors.Errorf("daemon: panic: %v", p)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	done := make(chan struct{})

	g.Go(func() (engineErr error) {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("daemon: recovered from engine panic",
					zap.String("panic", fmt.Sprint(p)),
					zap.String("stack", fmt.Sprintf("%+v", stack.Trace().TrimRuntime())))
				engineErr = errors.Errorf("daemon: engine panic: %v", p)
			}
		}()
		return r.engine.Run(gctx)
	})

	g.Go(func() error {
		return r.watchSignals(gctx, cancel, done, release)
	})

	if r.cfg.AdminAddr != "" {
		srv := r.newAdminServer()
		g.Go(func() error {
			return serveUntilCancel(gctx, srv)
		})
	}

	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// watchSignals implements the cooperative-then-escalate shutdown
// described in §4.8: the first TERM/INT/QUIT cancels the supervised
// context so the engine can finish its current block and return. A
// second signal, or the grace period elapsing first, releases the PID
// file and exits immediately without waiting for a flush.
func (r *Runtime) watchSignals(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}, release func()) error {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(ch)

	select {
	case <-ctx.Done():
		return nil
	case sig := <-ch:
		r.log.Info("shutdown signal received, draining", zap.Stringer("signal", sig))
		cancel()
	}

	select {
	case <-done:
		return nil
	case sig := <-ch:
		r.log.Warn("second shutdown signal received, exiting without flush", zap.Stringer("signal", sig))
		release()
		osExit(1)
	case <-time.After(r.cfg.ShutdownGrace):
		r.log.Warn("shutdown grace period elapsed, forcing exit")
		release()
		osExit(1)
	}
	return nil
}

// osExit is a var so tests can stub it instead of killing the test
// binary.
var osExit = os.Exit
