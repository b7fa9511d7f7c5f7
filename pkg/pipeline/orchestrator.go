// Package pipeline sequences scoring, compliance, disposition and audit for
// one interaction. A result is only ever returned together with the ledger
// receipt that records it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/observability"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// ErrInvalidInput is returned when the output text is missing. It also
// matches scoring.ErrInvalidInput.
var ErrInvalidInput = errors.New("invalid input")

// Request is one interaction to validate.
type Request struct {
	Input   string            `json:"input"`
	Output  string            `json:"output"`
	Context map[string]string `json:"context,omitempty"`
	UserID  string            `json:"user_id,omitempty"`
}

// Result is the validated, audited outcome of one interaction.
type Result struct {
	Disposition    disposition.Disposition `json:"disposition"`
	Score          scoring.Result          `json:"score"`
	Compliance     compliance.Verdict      `json:"compliance"`
	Violations     []scoring.ViolationKind `json:"violations"`
	Hash           string                  `json:"hash"`
	PreviousHash   string                  `json:"previous_hash"`
	InteractionID  string                  `json:"interaction_id"`
	Sequence       uint64                  `json:"sequence"`
	Timestamp      time.Time               `json:"timestamp"`
	ProcessingTime time.Duration           `json:"processing_time_ns"`
}

// Appender is the part of the ledger the orchestrator writes through.
type Appender interface {
	Append(ctx context.Context, rec ledger.Record) (ledger.Receipt, error)
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	scorer      *scoring.Scorer
	validator   *compliance.Validator
	ledger      Appender
	transcriber Transcriber
	obs         *observability.Provider
	slo         *observability.SLOTracker
	logger      *slog.Logger
	clock       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithTranscriber(t Transcriber) Option {
	return func(o *Orchestrator) { o.transcriber = t }
}

func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(o *Orchestrator) { o.slo = t }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New wires an orchestrator. The ledger handle is owned by the caller and
// must already be initialized.
func New(scorer *scoring.Scorer, validator *compliance.Validator, l Appender, opts ...Option) (*Orchestrator, error) {
	if scorer == nil || validator == nil || l == nil {
		return nil, errors.New("pipeline: scorer, validator and ledger are required")
	}
	o := &Orchestrator{
		scorer:    scorer,
		validator: validator,
		ledger:    l,
		logger:    slog.Default().With("component", "pipeline"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.obs == nil {
		p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		o.obs = p
	}
	return o, nil
}

// Process scores and checks req.Output concurrently, resolves the
// disposition and appends the full record to the ledger. Ledger errors are
// returned unmodified and no partial result is reported.
func (o *Orchestrator) Process(ctx context.Context, req Request) (res *Result, err error) {
	start := o.clock()
	ctx, done := o.obs.TrackOperation(ctx, "avrt.pipeline.process")
	defer func() {
		done(err)
		o.slo.Observe(observability.OpProcess, o.clock().Sub(start), ignoreInvalid(err))
	}()

	if strings.TrimSpace(req.Output) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, scoring.ErrInvalidInput)
	}

	var (
		score   scoring.Result
		verdict compliance.Verdict
	)
	var g errgroup.Group
	g.Go(func() (e error) {
		score, e = o.scorer.Analyze(req.Output, req.Context)
		return e
	})
	g.Go(func() (e error) {
		verdict, e = o.validator.Validate(req.Output, req.Context)
		return e
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, scoring.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, err
	}
	// An abandoned request must not reach the ledger.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	disp := disposition.ResolveResults(score, verdict)

	appendStart := o.clock()
	receipt, err := o.ledger.Append(ctx, ledger.Record{
		UserID:      req.UserID,
		Input:       req.Input,
		Output:      req.Output,
		Context:     req.Context,
		Scores:      score.Scores,
		Violations:  score.Violations,
		Compliance:  verdict,
		Disposition: disp,
	})
	appendTook := o.clock().Sub(appendStart)
	o.obs.RecordAppend(ctx, appendTook, err)
	o.slo.Observe(observability.OpAppend, appendTook, err)
	if err != nil {
		o.logger.ErrorContext(ctx, "audit append failed, withholding result",
			"status", disp.Status,
			"error", err,
		)
		return nil, err
	}

	violations := make([]string, len(score.Violations))
	for i, v := range score.Violations {
		violations[i] = string(v)
	}
	o.obs.RecordDisposition(ctx, string(disp.Status), violations)

	res = &Result{
		Disposition:    disp,
		Score:          score,
		Compliance:     verdict,
		Violations:     score.Violations,
		Hash:           receipt.Hash,
		PreviousHash:   receipt.PreviousHash,
		InteractionID:  receipt.InteractionID,
		Sequence:       receipt.Sequence,
		Timestamp:      receipt.Timestamp,
		ProcessingTime: o.clock().Sub(start),
	}

	o.logger.InfoContext(ctx, "interaction validated",
		"interaction_id", res.InteractionID,
		"sequence", res.Sequence,
		"status", disp.Status,
		"composite", score.Scores.Composite(),
		"compliant", verdict.IsCompliant(),
		"output_len", len(req.Output),
	)
	return res, nil
}

// Invalid input is the caller's fault and does not count against the SLO.
func ignoreInvalid(err error) error {
	if errors.Is(err, ErrInvalidInput) {
		return nil
	}
	return err
}
