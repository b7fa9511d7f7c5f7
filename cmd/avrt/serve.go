package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avrtpro/avrt-firewall/pkg/api"
	"github.com/avrtpro/avrt-firewall/pkg/auth"
	"github.com/avrtpro/avrt-firewall/pkg/config"
	"github.com/avrtpro/avrt-firewall/pkg/ratelimit"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(policyPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*policyPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides AVRT_HTTP_ADDR)")
	return cmd
}

// serve blocks until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	st, err := buildStack(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	handler, cleanup, err := buildHandler(cfg, st, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		head, seq := st.ledger.Head()
		logger.Info("avrt listening", "addr", cfg.HTTPAddr, "version", version, "entries", seq, "head", head)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildHandler wraps the API routes in the middleware chain, outermost
// first: CORS, request id, authentication, rate limiting, idempotency.
func buildHandler(cfg *config.Config, st *stack, logger *slog.Logger) (http.Handler, func(), error) {
	opts := []api.ServerOption{
		api.WithLogger(logger.With("component", "api")),
		api.WithObservability(st.obs),
		api.WithSLOTracker(st.slo),
		api.WithCaller(auth.PrincipalID),
		api.WithVersion(version),
	}
	if st.archiver != nil {
		opts = append(opts, api.WithArchiver(st.archiver))
	}

	var authn func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		authn = auth.NewMiddleware(v)
		opts = append(opts, api.WithAuditGuard(auth.RequireRole(auth.RoleAuditor)))
	} else {
		logger.Warn("AVRT_JWT_SECRET not set: API is unauthenticated")
	}

	server, err := api.NewServer(st.pipeline, st.ledger, opts...)
	if err != nil {
		return nil, nil, err
	}

	limiter, cleanup := newLimiterStore(cfg, logger)

	h := server.Routes()
	h = api.Idempotent(api.NewIdempotencyStore(0), func(r *http.Request) string {
		return auth.PrincipalID(r.Context())
	})(h)
	if cfg.RateLimitRPS > 0 {
		h = auth.RateLimitMiddleware(limiter, ratelimit.Policy{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}, logger)(h)
	}
	if authn != nil {
		h = authn(h)
	}
	h = auth.RequestIDMiddleware(h)
	h = auth.CORSMiddleware(cfg.CORSOrigins)(h)
	return h, cleanup, nil
}

func newLimiterStore(cfg *config.Config, logger *slog.Logger) (ratelimit.Store, func()) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore(), func() {}
	}
	client := ratelimit.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	logger.Info("rate limiting via redis", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisStore(client), func() { _ = client.Close() }
}
