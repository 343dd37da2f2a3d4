// Package audit appends decision traces and announces decisions on the bus.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Recorder writes one audit entry per decision. It never fails the caller:
// problems are returned as warnings.
type Recorder struct {
	repo domain.Repository
	bus  domain.EventBus
	now  func() time.Time
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(repo domain.Repository, bus domain.EventBus) *Recorder {
	return &Recorder{repo: repo, bus: bus, now: time.Now}
}

// InputHash returns the hex SHA-256 of the claim's JSON encoding.
func InputHash(claim *domain.NormalizedClaim) (string, error) {
	data, err := json.Marshal(claim)
	if err != nil {
		return "", fmt.Errorf("failed to encode claim: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Record appends the audit entry and publishes the decision.
func (r *Recorder) Record(ctx context.Context, claim *domain.NormalizedClaim, d *domain.Decision) (*domain.AuditEntry, []string) {
	var warnings []string
	warn := func(msg string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", msg, err))
		slog.Warn(msg,
			"claim_id", d.ClaimID,
			"decision_id", d.ID,
			"error", err,
		)
	}

	hash, err := InputHash(claim)
	if err != nil {
		warn("audit input hash failed", err)
	}

	entry := &domain.AuditEntry{
		ID:              uuid.New().String(),
		ClaimID:         d.ClaimID,
		InputHash:       hash,
		SnapshotVersion: d.SnapshotVersion,
		Decision:        *d,
		RecordedAt:      r.now().UTC(),
	}

	if r.repo != nil {
		if err := r.repo.AppendAuditEntry(ctx, entry); err != nil {
			warn("audit write failed", err)
			entry = nil
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(d)
		if err != nil {
			warn("decision encode failed", err)
			return entry, warnings
		}
		ctx := domain.WithHeaders(ctx, domain.HeaderClaimID, d.ClaimID, domain.HeaderTraceID, d.Metadata.TraceID)
		if err := r.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
			warn("decision publish failed", err)
		}
		if decision.NeedsReview(d) {
			if err := r.bus.Publish(ctx, domain.TopicReview, payload); err != nil {
				warn("review publish failed", err)
			}
		}
	}

	return entry, warnings
}
