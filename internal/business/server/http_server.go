package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/auth-callback/internal/config"
	"github.com/openkcm/auth-callback/internal/middleware/responsewriter"
	"github.com/openkcm/auth-callback/pkg/fingerprint"
)

const (
	CallbackPath = "/auth-callback"
	LoginPath    = "/login"
)

// Handlers are the endpoints served by the HTTP server. A nil handler is not routed.
type Handlers struct {
	Callback http.Handler
	Login    http.Handler
}

// newRouter builds the route table.
func newRouter(cfg *config.Config, handlers Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	if cfg.HTTP.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(responsewriter.ResponseWriterMiddleware)
	r.Use(fingerprint.FingerprintCtxMiddleware)

	if handlers.Callback != nil {
		r.With(newTraceMiddleware(cfg, "Callback")).Method(http.MethodGet, CallbackPath, handlers.Callback)
	}
	if handlers.Login != nil {
		r.With(newTraceMiddleware(cfg, "Login")).Method(http.MethodGet, LoginPath, handlers.Login)
	}

	return r
}

// createHTTPServer creates an API http server using the given config
func createHTTPServer(_ context.Context, cfg *config.Config, handlers Handlers) (*http.Server, error) {
	if err := initMeters(cfg); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: newRouter(cfg, handlers),
	}, nil
}

// StartHTTPServer starts the HTTP server using the given config and blocks
// until ctx is done.
func StartHTTPServer(ctx context.Context, cfg *config.Config, handlers Handlers) error {
	server, err := createHTTPServer(ctx, cfg, handlers)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create the HTTP server")
	}

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address if provided in the format of network://address.
	// Otherwise use tcp network by default.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
