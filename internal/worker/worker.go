// Package worker evaluates claims submitted asynchronously over the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

// Evaluator adjudicates one claim.
type Evaluator interface {
	Evaluate(ctx context.Context, claim *domain.NormalizedClaim, metricsHint *domain.ProviderMetrics) (*orchestrator.Result, error)
}

// Worker consumes claim submissions from the EventBus. Decisions are
// published by the evaluator's audit recorder, not by the worker.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	sem           chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	// mu guards subscriptions, stopping and the counters. wg.Add only
	// happens under mu while stopping is false.
	mu        sync.Mutex
	stopping  bool
	processed int64
	failed    int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds in-flight evaluations (default 4).
	Concurrency int
}

// ClaimMessage is the payload of a claim submission.
type ClaimMessage struct {
	Claim           domain.NormalizedClaim  `json:"claim"`
	TraceID         string                  `json:"traceId,omitempty"`
	ProviderMetrics *domain.ProviderMetrics `json:"providerMetrics,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		sem:       make(chan struct{}, cfg.Concurrency),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to claim submissions.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicClaimSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicClaimSubmitted, err)
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("claim worker started",
		"topic", domain.TopicClaimSubmitted,
		"concurrency", cap(w.sem),
	)
	return nil
}

// handleMessage decodes a submission and evaluates it on the pool. It returns
// once the evaluation has been scheduled.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var cm ClaimMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		w.count(false)
		return fmt.Errorf("failed to parse claim message %s: %w", msg.ID, err)
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		<-w.sem
		return fmt.Errorf("worker stopped, claim message %s not processed", msg.ID)
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(w.ctx, msg, &cm)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message, cm *ClaimMessage) {
	start := time.Now()
	messageID := msg.ID

	traceID := cm.TraceID
	if traceID == "" {
		traceID = msg.Header(domain.HeaderTraceID)
	}
	if traceID == "" {
		traceID = messageID
	}
	ctx = orchestrator.WithTraceID(ctx, traceID)

	res, err := w.evaluator.Evaluate(ctx, &cm.Claim, cm.ProviderMetrics)
	if err != nil {
		w.count(false)
		slog.Error("claim evaluation rejected",
			"claim_id", cm.Claim.ID,
			"message_id", messageID,
			"error", err,
		)
		return
	}
	w.count(true)

	slog.Info("claim processed",
		"claim_id", cm.Claim.ID,
		"recommendation", res.Decision.Recommendation,
		"warnings", len(res.Warnings),
		"trace_id", traceID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) count(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.processed++
	} else {
		w.failed++
	}
}

// Stop unsubscribes and waits for in-flight evaluations.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopping = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("claim worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
