// Package orchestrator runs the analysis layers for one claim and merges
// their results into an audited decision.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/opensource-finance/kestrel/internal/telemetry/metrics"
)

var tracer = otel.Tracer("kestrel-orchestrator")

// SnapshotSource hands out the active configuration snapshot.
type SnapshotSource interface {
	Current() *snapshot.Snapshot
}

// ClaimHistory records evaluated claims for future provider metrics.
type ClaimHistory interface {
	Record(ctx context.Context, claim *domain.NormalizedClaim) error
}

// Deps are the collaborators of an Orchestrator. Recorder, History and
// Metrics are optional.
type Deps struct {
	Snapshots SnapshotSource
	Rules     *rules.Engine
	Fraud     *fraud.Detector
	Risk      *risk.Assessor
	Recorder  *audit.Recorder
	History   ClaimHistory
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Orchestrator evaluates claims.
type Orchestrator struct {
	snapshots SnapshotSource
	rules     *rules.Engine
	fraud     *fraud.Detector
	risk      *risk.Assessor
	synth     *decision.Synthesizer
	recorder  *audit.Recorder
	history   ClaimHistory
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Result is the outcome of one evaluation.
type Result struct {
	Decision   *domain.Decision   `json:"decision"`
	AuditEntry *domain.AuditEntry `json:"auditEntry,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Rules == nil {
		d.Rules = rules.NewEngine(0)
	}
	if d.Fraud == nil {
		d.Fraud = fraud.NewDetector(nil)
	}
	if d.Risk == nil {
		d.Risk = risk.NewAssessor(risk.DefaultTable())
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		snapshots: d.Snapshots,
		rules:     d.Rules,
		fraud:     d.Fraud,
		risk:      d.Risk,
		synth:     decision.NewSynthesizer(),
		recorder:  d.Recorder,
		history:   d.History,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Evaluate adjudicates one claim. Only an invalid claim (ValidationError) or
// a missing configuration (ConfigurationError) is returned as an error; layer
// failures and audit problems end up in the decision and the warnings.
//
// metricsHint, when non-nil, replaces the provider metrics lookup.
func (o *Orchestrator) Evaluate(ctx context.Context, claim *domain.NormalizedClaim, metricsHint *domain.ProviderMetrics) (*Result, error) {
	start := time.Now()

	if err := claim.Validate(); err != nil {
		return nil, err
	}

	snap := o.snapshots.Current()
	if snap == nil {
		return nil, domain.NewConfigurationError("orchestrator", "no configuration snapshot has been published")
	}

	ctx, span := tracer.Start(ctx, "claim.evaluate",
		trace.WithAttributes(
			attribute.String("claim.id", claim.ID),
			attribute.String("provider.id", claim.ProviderID),
			attribute.Int("claim.items", len(claim.LineItems)),
			attribute.Int64("snapshot.version", snap.Version()),
		),
	)
	defer span.End()

	layers := o.runLayers(ctx, claim, snap, metricsHint)

	d := o.synth.Process(ctx, &decision.Input{
		ClaimID:   claim.ID,
		TraceID:   traceID(ctx, span),
		Snapshot:  snap,
		Layers:    layers,
		StartTime: start,
	})

	result := &Result{Decision: d}

	if o.history != nil {
		if err := o.history.Record(ctx, claim); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("claim history: %v", err))
			o.logger.Warn("failed to record claim history", "claim_id", claim.ID, "error", err)
		}
	}

	if o.recorder != nil {
		entry, warnings := o.recorder.Record(ctx, claim, d)
		result.AuditEntry = entry
		result.Warnings = append(result.Warnings, warnings...)
		o.metrics.RecordAuditWarnings(len(warnings))
	}

	total := time.Since(start)
	d.Metadata.TotalMs = total.Milliseconds()
	o.metrics.RecordDecision(d, total)

	span.SetAttributes(
		attribute.String("decision.recommendation", string(d.Recommendation)),
		attribute.Float64("decision.confidence", d.Confidence),
		attribute.String("decision.policy_step", d.Metadata.PolicyStep),
	)

	o.logger.Info("claim evaluated",
		"claim_id", claim.ID,
		"decision_id", d.ID,
		"recommendation", d.Recommendation,
		"confidence", d.Confidence,
		"policy_step", d.Metadata.PolicyStep,
		"snapshot_version", d.SnapshotVersion,
		"duration_ms", total.Milliseconds(),
	)

	return result, nil
}

// layerFuncs are the three layer computations of one evaluation.
type layerFuncs struct {
	rules func(context.Context) domain.LayerResult
	fraud func(context.Context) domain.LayerResult
	risk  func(context.Context, <-chan risk.Coverage) domain.LayerResult
}

// runLayers fans out the three layers and blocks until every one resolves.
func (o *Orchestrator) runLayers(ctx context.Context, claim *domain.NormalizedClaim, snap *snapshot.Snapshot, hint *domain.ProviderMetrics) domain.DecisionLayers {
	return o.fanOut(ctx, snap.Tunables().LayerTimeout, layerFuncs{
		rules: func(ctx context.Context) domain.LayerResult {
			return o.rules.Evaluate(ctx, claim, snap)
		},
		fraud: func(ctx context.Context) domain.LayerResult {
			return o.fraud.Evaluate(ctx, claim, snap, hint)
		},
		risk: func(ctx context.Context, coverage <-chan risk.Coverage) domain.LayerResult {
			return o.risk.Evaluate(ctx, claim, snap, coverage)
		},
	})
}

// fanOut runs rules and fraud at once. The risk layer waits for the rules
// layer's coverage score, which is sent exactly once whether rules finished
// or timed out, and only then starts its own budget.
func (o *Orchestrator) fanOut(ctx context.Context, budget time.Duration, fns layerFuncs) domain.DecisionLayers {
	coverage := make(chan risk.Coverage, 1)

	rulesOut := o.runLayer(ctx, domain.LayerRules, budget, fns.rules, func(r domain.LayerResult) {
		coverage <- risk.Coverage{Score: r.Score, OK: r.Status == domain.StatusOK}
	})
	fraudOut := o.runLayer(ctx, domain.LayerFraud, budget, fns.fraud, nil)

	riskOut := make(chan domain.LayerResult, 1)
	go func() {
		var cov risk.Coverage
		select {
		case cov = <-coverage:
		case <-ctx.Done():
			riskOut <- domain.Failed(domain.LayerRisk, fmt.Sprintf("layer %s cancelled: %v", domain.LayerRisk, ctx.Err()))
			return
		}
		ready := make(chan risk.Coverage, 1)
		ready <- cov
		riskOut <- <-o.runLayer(ctx, domain.LayerRisk, budget, func(ctx context.Context) domain.LayerResult {
			return fns.risk(ctx, ready)
		}, nil)
	}()

	return domain.DecisionLayers{
		Rules: <-rulesOut,
		Fraud: <-fraudOut,
		Risk:  <-riskOut,
	}
}

// runLayer runs fn under its own deadline. A layer that overruns is reported
// FAILED with a LayerTimeoutError reason; it is never retried. done, when set,
// sees the final result before it is delivered.
func (o *Orchestrator) runLayer(ctx context.Context, layer domain.LayerName, budget time.Duration, fn func(context.Context) domain.LayerResult, done func(domain.LayerResult)) <-chan domain.LayerResult {
	out := make(chan domain.LayerResult, 1)

	go func() {
		start := time.Now()
		lctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		lctx, span := tracer.Start(lctx, "layer."+string(layer))
		defer span.End()

		inner := make(chan domain.LayerResult, 1)
		go func() { inner <- fn(lctx) }()

		var r domain.LayerResult
		select {
		case r = <-inner:
			if r.Status == domain.StatusFailed && errors.Is(lctx.Err(), context.DeadlineExceeded) {
				r = timedOut(layer, budget)
			}
		case <-lctx.Done():
			if errors.Is(lctx.Err(), context.DeadlineExceeded) {
				r = timedOut(layer, budget)
			} else {
				r = domain.Failed(layer, fmt.Sprintf("layer %s cancelled: %v", layer, lctx.Err()))
			}
		}

		elapsed := time.Since(start)
		r.Layer = layer
		r.DurationMs = elapsed.Milliseconds()

		span.SetAttributes(
			attribute.String("layer.status", string(r.Status)),
			attribute.Float64("layer.score", r.Score),
		)
		if r.Status == domain.StatusFailed {
			span.SetStatus(codes.Error, firstReason(r))
		}
		o.metrics.RecordLayer(r, elapsed)

		if r.Status != domain.StatusOK {
			o.logger.Warn("layer not ok",
				"layer", layer,
				"status", r.Status,
				"reason", firstReason(r),
				"duration_ms", elapsed.Milliseconds(),
			)
		}

		if done != nil {
			done(r)
		}
		out <- r
	}()

	return out
}

func timedOut(layer domain.LayerName, budget time.Duration) domain.LayerResult {
	err := &domain.LayerTimeoutError{Layer: layer, Budget: budget}
	return domain.Failed(layer, err.Error())
}

func firstReason(r domain.LayerResult) string {
	if len(r.Reasons) == 0 {
		return ""
	}
	return r.Reasons[0]
}

type traceKey struct{}

// WithTraceID attaches a caller-supplied trace id, used when no tracing
// provider is installed.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context, span trace.Span) string {
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		return sc.TraceID().String()
	}
	if id, ok := ctx.Value(traceKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
