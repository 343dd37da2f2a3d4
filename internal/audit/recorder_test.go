package audit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot/snapshottest"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "audit-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// failingRepo rejects every audit write.
type failingRepo struct {
	domain.Repository
}

func (failingRepo) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	return errors.New("disk full")
}

type collector struct {
	mu     sync.Mutex
	topics []string
}

func (c *collector) handler(ctx context.Context, msg *domain.Message) error {
	c.mu.Lock()
	c.topics = append(c.topics, msg.Topic)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

func subscribeAll(t *testing.T, b domain.EventBus) *collector {
	t.Helper()
	c := &collector{}
	for _, topic := range []string{domain.TopicDecision, domain.TopicReview} {
		if _, err := b.Subscribe(context.Background(), topic, c.handler); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}
	return c
}

func waitCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := c.count(); got != want {
		t.Errorf("expected %d published messages, got %d", want, got)
	}
}

func testDecision(rec domain.Recommendation) *domain.Decision {
	return &domain.Decision{
		ID:              "dec-1",
		ClaimID:         "clm-1001",
		Recommendation:  rec,
		Confidence:      0.9,
		SnapshotVersion: 7,
		EvaluatedAt:     time.Now().UTC(),
	}
}

func TestInputHash(t *testing.T) {
	a, err := InputHash(snapshottest.Claim())
	if err != nil {
		t.Fatalf("InputHash failed: %v", err)
	}
	b, _ := InputHash(snapshottest.Claim())
	if a != b {
		t.Error("identical claims must hash identically")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	other := snapshottest.Claim()
	other.LineItems[0].BilledAmount++
	c, _ := InputHash(other)
	if c == a {
		t.Error("different claims must hash differently")
	}
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("ApprovedPublishesDecisionOnly", func(t *testing.T) {
		repo := newTestRepo(t)
		b := bus.NewChannelBus(10)
		defer b.Close()
		c := subscribeAll(t, b)

		rec := NewRecorder(repo, b)
		entry, warnings := rec.Record(ctx, snapshottest.Claim(), testDecision(domain.RecommendApproved))
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
		if entry == nil || entry.SnapshotVersion != 7 || entry.InputHash == "" {
			t.Fatalf("unexpected entry: %+v", entry)
		}

		stored, err := repo.GetAuditEntry(ctx, entry.ID)
		if err != nil {
			t.Fatalf("GetAuditEntry failed: %v", err)
		}
		if stored.Decision.Recommendation != domain.RecommendApproved {
			t.Errorf("expected stored APPROVED, got %s", stored.Decision.Recommendation)
		}
		waitCount(t, c, 1)
	})

	t.Run("ReviewPublishesBoth", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		defer b.Close()
		c := subscribeAll(t, b)

		rec := NewRecorder(newTestRepo(t), b)
		_, warnings := rec.Record(ctx, snapshottest.Claim(), testDecision(domain.RecommendRequiresReview))
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
		waitCount(t, c, 2)
	})

	t.Run("WriteFailureIsWarning", func(t *testing.T) {
		rec := NewRecorder(failingRepo{}, nil)
		entry, warnings := rec.Record(ctx, snapshottest.Claim(), testDecision(domain.RecommendApproved))
		if entry != nil {
			t.Error("expected no entry when the write fails")
		}
		if len(warnings) != 1 {
			t.Errorf("expected 1 warning, got %v", warnings)
		}
	})

	t.Run("PublishFailureIsWarning", func(t *testing.T) {
		b := bus.NewChannelBus(10)
		b.Close()

		rec := NewRecorder(newTestRepo(t), b)
		entry, warnings := rec.Record(ctx, snapshottest.Claim(), testDecision(domain.RecommendRequiresReview))
		if entry == nil {
			t.Error("audit entry should still be written")
		}
		if len(warnings) != 2 {
			t.Errorf("expected 2 warnings, got %v", warnings)
		}
	})
}
