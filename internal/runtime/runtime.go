// Package runtime hosts the web dictation service: HTTP routes, session
// sweeping, telemetry and health endpoints.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *Telemetry
	components *Components
	sessions   *session.Store
	ready      atomic.Bool
	wg         sync.WaitGroup

	addrMu sync.Mutex
	addr   net.Addr
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the bound listen address once Start has opened the socket.
func (r *Runtime) Addr() net.Addr {
	r.addrMu.Lock()
	defer r.addrMu.Unlock()
	return r.addr
}

// Start serves until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetry, err := SetupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = telemetry

	components, err := Assemble(ctx, r.cfg, r.logger)
	if err != nil {
		r.shutdownTelemetry()
		return fmt.Errorf("failed to assemble dictation pipeline: %w", err)
	}
	r.components = components
	defer components.Close()

	r.sessions = session.NewStore(time.Duration(r.cfg.Session.TTLMinutes)*time.Minute,
		session.WithMaxSessions(r.cfg.Session.MaxSessions))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		interval := time.Duration(r.cfg.Session.SweepIntervalMS) * time.Millisecond
		r.sessions.Run(ctx, interval, func(removed int) {
			r.logger.Debug("expired sessions swept", slog.Int("removed", removed))
		})
	}()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdownTelemetry()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addrMu.Lock()
	r.addr = listener.Addr()
	r.addrMu.Unlock()

	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(r.cfg.HTTP.ReadTimeout) * time.Millisecond,
		WriteTimeout:      time.Duration(r.cfg.HTTP.WriteTimeout) * time.Millisecond,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.telemetry.Shutdown(ctx)
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.Metrics != nil {
		mux.Handle("/metrics", r.telemetry.Metrics)
	}
	newWebServer(r.components.Service, r.sessions, r.cfg.HTTP.MaxUploadMB, r.logger).register(mux)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.components == nil || r.components.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
