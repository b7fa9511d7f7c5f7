package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/avrtpro/avrt-firewall/pkg/archive"
	"github.com/avrtpro/avrt-firewall/pkg/config"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/observability"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
	"github.com/avrtpro/avrt-firewall/pkg/store"
	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

// stack is the fully wired firewall shared by every subcommand.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLStore
	ledger   *ledger.Ledger
	pipeline *pipeline.Orchestrator
	archiver *archive.Archiver
	obs      *observability.Provider
	slo      *observability.SLOTracker

	closers []func(context.Context) error
}

func loadConfig(policyPath string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if policyPath != "" {
		cfg.PolicyProfile = policyPath
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.SQLStore, error) {
	if cfg.LiteMode() {
		logger.InfoContext(ctx, "lite mode: using sqlite", "path", cfg.SQLitePath())
		return store.OpenSQLite(cfg.SQLitePath())
	}
	logger.InfoContext(ctx, "connecting to postgres")
	return store.OpenPostgres(ctx, cfg.DatabaseURL)
}

// buildStack opens storage, recovers the ledger and wires the pipeline.
// withArchive additionally opens the configured archive backend.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, withArchive bool) (_ *stack, err error) {
	s := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.SampleRate = cfg.OTelSample
	s.obs, err = observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.closers = append(s.closers, s.obs.Shutdown)
	s.slo = observability.NewSLOTracker(observability.DefaultSLOTargets()...)

	s.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func(context.Context) error { return s.store.Close() })

	s.ledger = ledger.New(s.store,
		ledger.WithLogger(logger.With("component", "ledger")),
		ledger.WithAppendTimeout(cfg.AppendTimeout),
		ledger.WithMaxRecent(cfg.RecentMaxLimit),
		ledger.WithVerifyOnStart(cfg.VerifyOnStart),
	)
	if err := s.ledger.Initialize(ctx); err != nil {
		return nil, err
	}

	var profile *config.Profile
	if cfg.PolicyProfile != "" {
		profile, err = config.LoadProfile(cfg.PolicyProfile)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "policy profile loaded", "name", profile.Name, "version", profile.Version)
	}
	scorer, err := config.NewScorer(profile, cfg)
	if err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	validator, err := config.NewValidator(profile, cfg)
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	var tr pipeline.Transcriber = transcribe.Disabled{}
	if cfg.OpenAIAPIKey != "" || cfg.TranscribeBaseURL != "" {
		tr, err = transcribe.NewOpenAI(transcribe.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.TranscribeBaseURL,
			Model:   cfg.TranscribeModel,
		})
		if err != nil {
			return nil, err
		}
	}

	s.pipeline, err = pipeline.New(scorer, validator, s.ledger,
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithTranscriber(tr),
		pipeline.WithObservability(s.obs),
		pipeline.WithSLOTracker(s.slo),
	)
	if err != nil {
		return nil, err
	}

	if withArchive {
		objects, err := archive.NewStoreFromConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		if c, ok := objects.(io.Closer); ok {
			s.closers = append(s.closers, func(context.Context) error { return c.Close() })
		}
		s.archiver = archive.NewArchiver(objects)
	}
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
