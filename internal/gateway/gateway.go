// ABOUTME: HTTP gateway binding the listener, admission filter, and lifecycle gate
// ABOUTME: Serves business routes only while the daemon is running; health stays open

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/meridian-io/consentd/internal/admission"
	"github.com/meridian-io/consentd/internal/config"
	"github.com/meridian-io/consentd/internal/runtime"
)

// Gateway owns the HTTP listener. Every business route is wrapped by the
// admission filter and a lifecycle gate that rejects requests outside the
// running state, so draining never enqueues new broker work.
type Gateway struct {
	rc         *runtime.Context
	httpServer *http.Server
	logger     *slog.Logger
	addr       string
}

// New builds the gateway. routes maps path prefixes to business handlers;
// each gets the admission rule attached under its own pattern.
func New(cfg *config.Config, rc *runtime.Context, routes map[string]http.Handler, filter *admission.Filter, logger *slog.Logger) *Gateway {
	g := &Gateway{
		rc:     rc,
		logger: logger.With("component", "gateway"),
		addr:   cfg.Server.HTTPAddr,
	}

	mux := http.NewServeMux()

	// Health endpoints - outside the admission rules
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	for pattern, handler := range routes {
		mux.Handle(pattern, filter.Wrap(pattern, g.gate(handler)))
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return g
}

// gate rejects business requests unless the daemon is running. Starting,
// draining, and terminating states never accept work that would enqueue
// broker messages.
func (g *Gateway) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state := g.rc.State(); state != runtime.StateRunning {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"error":"service %s"}`, state)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run binds the port and serves until the context is canceled or the
// server fails. On cancellation it returns nil and leaves the actual
// server shutdown to the lifecycle controller's drain sequence.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, gateway handing off to shutdown protocol")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Shutdown releases the listening port and drains in-flight HTTP
// requests. Called by the shutdown protocol on entry to draining.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down HTTP server")
	return g.httpServer.Shutdown(ctx)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the daemon accepts business requests.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	state := g.rc.State()
	if state != runtime.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready (%s)", state)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d consumers)", len(g.rc.ActiveConsumers()))
}
