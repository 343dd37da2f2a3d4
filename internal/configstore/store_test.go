package configstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot"
	"github.com/opensource-finance/kestrel/internal/snapshot/snapshottest"
)

func newTestStore(t *testing.T) (*Store, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return New(repo, domain.DefaultTunables(), nil), repo
}

func seededStore(t *testing.T) (*Store, domain.Repository) {
	t.Helper()
	store, repo := newTestStore(t)
	if _, err := store.Replace(context.Background(), snapshottest.Bundle()); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	return store, repo
}

func TestReplace(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()

	if store.Current() != nil {
		t.Fatal("expected no snapshot before the first publish")
	}

	snap, err := store.Replace(ctx, snapshottest.Bundle())
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if snap.Version() != 1 {
		t.Errorf("expected version 1, got %d", snap.Version())
	}
	if store.Current() != snap {
		t.Error("Current should return the published snapshot")
	}
	if len(snap.Rules()) != 5 {
		t.Errorf("expected 5 enabled rules, got %d", len(snap.Rules()))
	}

	rules, _ := repo.ListRules(ctx)
	if len(rules) != 6 {
		t.Errorf("expected 6 stored rules, got %d", len(rules))
	}

	t.Run("DropsRemovedDefinitions", func(t *testing.T) {
		bundle := snapshottest.Bundle()
		bundle.Rules = bundle.Rules[:2]
		bundle.FraudRules = bundle.FraudRules[:1]

		snap, err := store.Replace(ctx, bundle)
		if err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if snap.Version() != 2 {
			t.Errorf("expected version 2, got %d", snap.Version())
		}

		rules, _ := repo.ListRules(ctx)
		fraud, _ := repo.ListFraudRules(ctx)
		if len(rules) != 2 || len(fraud) != 1 {
			t.Errorf("expected 2 rules and 1 fraud rule, got %d and %d", len(rules), len(fraud))
		}
	})

	t.Run("TunablesFromBundle", func(t *testing.T) {
		bundle := snapshottest.Bundle()
		bundle.Tunables = &domain.Tunables{ApproveConfidence: 0.9}

		snap, err := store.Replace(ctx, bundle)
		if err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if snap.Tunables().ApproveConfidence != 0.9 {
			t.Errorf("expected approve confidence 0.9, got %v", snap.Tunables().ApproveConfidence)
		}
		if snap.Tunables().RejectConfidence != 0.4 {
			t.Errorf("expected default reject confidence, got %v", snap.Tunables().RejectConfidence)
		}
	})
}

func TestReload(t *testing.T) {
	store, repo := seededStore(t)
	ctx := context.Background()
	first := store.Current()

	t.Run("UnchangedKeepsSnapshot", func(t *testing.T) {
		snap, err := store.Reload(ctx)
		if err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
		if snap != first {
			t.Error("expected the same snapshot when nothing changed")
		}
	})

	t.Run("PicksUpExternalEdits", func(t *testing.T) {
		rule, err := repo.GetRule(ctx, "approve-knee")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		rule.Enabled = false
		if err := repo.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		snap, err := store.Reload(ctx)
		if err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
		if snap.Version() <= first.Version() {
			t.Errorf("expected a newer version, got %d", snap.Version())
		}
		if len(snap.Rules()) != 4 {
			t.Errorf("expected 4 enabled rules, got %d", len(snap.Rules()))
		}
	})

	t.Run("EmptyRepository", func(t *testing.T) {
		empty, _ := newTestStore(t)
		_, err := empty.Reload(ctx)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError without risk parameters, got %v", err)
		}
		if empty.Current() != nil {
			t.Error("nothing should be published on failure")
		}
	})
}

func TestRuleWrites(t *testing.T) {
	store, repo := seededStore(t)
	ctx := context.Background()

	newRule := func() *domain.Rule {
		return &domain.Rule{
			ID: "approve-mri", Name: "MRI", Priority: 30, Enabled: true,
			Action:    domain.ActionApprove,
			Condition: domain.Condition{{Kind: domain.ClauseEquals, Field: domain.FieldServiceCode, Value: "70551"}},
		}
	}

	t.Run("Create", func(t *testing.T) {
		before := store.Current().Version()
		snap, err := store.CreateRule(ctx, newRule())
		if err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}
		if snap.Version() != before+1 {
			t.Errorf("expected version %d, got %d", before+1, snap.Version())
		}
		if len(snap.Rules()) != 6 {
			t.Errorf("expected 6 enabled rules, got %d", len(snap.Rules()))
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		_, err := store.CreateRule(ctx, newRule())
		if !errors.Is(err, ErrExists) {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})

	t.Run("Update", func(t *testing.T) {
		rule := newRule()
		rule.Action = domain.ActionReview
		if _, err := store.UpdateRule(ctx, rule); err != nil {
			t.Fatalf("UpdateRule failed: %v", err)
		}
		got, _ := store.GetRule(ctx, "approve-mri")
		if got.Action != domain.ActionReview {
			t.Errorf("expected REVIEW, got %s", got.Action)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		rule := newRule()
		rule.ID = "nope"
		if _, err := store.UpdateRule(ctx, rule); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Toggle", func(t *testing.T) {
		snap, err := store.ToggleRule(ctx, "approve-mri", false)
		if err != nil {
			t.Fatalf("ToggleRule failed: %v", err)
		}
		for _, cr := range snap.Rules() {
			if cr.Rule.ID == "approve-mri" {
				t.Error("disabled rule should not be in the snapshot")
			}
		}
		got, _ := repo.GetRule(ctx, "approve-mri")
		if got.Enabled {
			t.Error("toggle should be persisted")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if _, err := store.DeleteRule(ctx, "approve-mri"); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}
		if _, err := repo.GetRule(ctx, "approve-mri"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected rule to be gone, got %v", err)
		}
		if _, err := store.DeleteRule(ctx, "approve-mri"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})

	t.Run("MalformedRule", func(t *testing.T) {
		before := store.Current()
		rule := newRule()
		rule.Action = "MAYBE"

		_, err := store.CreateRule(ctx, rule)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if store.Current() != before {
			t.Error("snapshot should be unchanged")
		}
	})

	t.Run("UncompilableCondition", func(t *testing.T) {
		before := store.Current()
		lo, hi := 10.0, 5.0
		rule := newRule()
		rule.Condition = domain.Condition{{Kind: domain.ClauseRange, Field: domain.FieldBilledAmount, Min: &lo, Max: &hi}}

		_, err := store.CreateRule(ctx, rule)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
		if store.Current() != before {
			t.Error("snapshot should be unchanged")
		}
		if _, err := repo.GetRule(ctx, rule.ID); !errors.Is(err, repository.ErrNotFound) {
			t.Error("rejected rule must not be persisted")
		}
	})
}

func TestFraudRuleWrites(t *testing.T) {
	store, _ := seededStore(t)
	ctx := context.Background()

	t.Run("DuplicateEnabledPattern", func(t *testing.T) {
		before := store.Current()
		_, err := store.CreateFraudRule(ctx, &domain.FraudRule{
			ID: "fr-frequency-2", PatternType: domain.PatternFrequency, Threshold: 0.3, Enabled: true,
		})
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
		if store.Current() != before {
			t.Error("snapshot should be unchanged")
		}
	})

	t.Run("UpdateThreshold", func(t *testing.T) {
		snap, err := store.UpdateFraudRule(ctx, &domain.FraudRule{
			ID: "fr-frequency", Name: "Submission frequency", PatternType: domain.PatternFrequency, Threshold: 0.25, Enabled: true,
		})
		if err != nil {
			t.Fatalf("UpdateFraudRule failed: %v", err)
		}
		if th, _ := snap.Threshold(domain.PatternFrequency); th != 0.25 {
			t.Errorf("expected threshold 0.25, got %v", th)
		}
	})

	t.Run("BadThreshold", func(t *testing.T) {
		_, err := store.UpdateFraudRule(ctx, &domain.FraudRule{
			ID: "fr-frequency", PatternType: domain.PatternFrequency, Threshold: 1.5, Enabled: true,
		})
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("ToggleAndDelete", func(t *testing.T) {
		snap, err := store.ToggleFraudRule(ctx, "fr-volume", false)
		if err != nil {
			t.Fatalf("ToggleFraudRule failed: %v", err)
		}
		if _, ok := snap.Threshold(domain.PatternServiceVolume); ok {
			t.Error("disabled fraud rule should not be active")
		}
		if _, err := store.DeleteFraudRule(ctx, "fr-volume"); err != nil {
			t.Fatalf("DeleteFraudRule failed: %v", err)
		}
		if _, err := store.GetFraudRule(ctx, "fr-volume"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRiskParameterWrites(t *testing.T) {
	store, repo := seededStore(t)
	ctx := context.Background()

	t.Run("RejectsBadWeights", func(t *testing.T) {
		before := store.Current()
		_, err := store.ReplaceRiskParameters(ctx, []domain.RiskParameter{
			{ID: "rp-financial", Factor: domain.FactorFinancial, Weight: 0.5, Enabled: true},
			{ID: "rp-clinical", Factor: domain.FactorClinical, Weight: 0.4, Enabled: true},
		})
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
		if store.Current() != before {
			t.Error("snapshot should be unchanged")
		}
		params, _ := repo.ListRiskParameters(ctx)
		if len(params) != 4 {
			t.Errorf("stored parameters should be untouched, got %d", len(params))
		}
	})

	t.Run("Replace", func(t *testing.T) {
		snap, err := store.ReplaceRiskParameters(ctx, []domain.RiskParameter{
			{ID: "rp-financial", Factor: domain.FactorFinancial, Weight: 0.6, Enabled: true},
			{ID: "rp-clinical", Factor: domain.FactorClinical, Weight: 0.4, Enabled: true},
			{ID: "rp-gap", Factor: domain.FactorCoverageGap, Weight: 0.3, Enabled: false},
		})
		if err != nil {
			t.Fatalf("ReplaceRiskParameters failed: %v", err)
		}
		if len(snap.RiskParameters()) != 2 {
			t.Errorf("expected 2 enabled parameters, got %d", len(snap.RiskParameters()))
		}
	})

	t.Run("ToggleBreakingWeights", func(t *testing.T) {
		before := store.Current()
		_, err := store.ToggleRiskParameter(ctx, "rp-gap", true)
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError, got %v", err)
		}
		if store.Current() != before {
			t.Error("snapshot should be unchanged")
		}
	})

	t.Run("ToggleMissing", func(t *testing.T) {
		if _, err := store.ToggleRiskParameter(ctx, "rp-none", true); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentReaders(t *testing.T) {
	store, _ := seededStore(t)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 4)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Current()
				if snap.Version() < last {
					errs <- "observed version going backwards"
					return
				}
				last = snap.Version()
			}
		}()
	}

	for i := 0; i < 10; i++ {
		if _, err := store.ToggleRule(ctx, "approve-knee", i%2 == 0); err != nil {
			t.Fatalf("ToggleRule failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
	if store.Current().Version() != 11 {
		t.Errorf("expected version 11, got %d", store.Current().Version())
	}
}

func TestOnPublish(t *testing.T) {
	store, _ := newTestStore(t)

	var got []int64
	store.OnPublish(func(s *snapshot.Snapshot) { got = append(got, s.Version()) })

	if _, err := store.Replace(context.Background(), snapshottest.Bundle()); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("expected one publish at version 1, got %v", got)
	}
}

const policyYAML = `
rules:
  - id: approve-office-visit
    name: Office visits
    action: APPROVE
    priority: 10
    enabled: true
    condition:
      - kind: in
        field: service_code
        values: ["99213", "99214"]
fraud_rules:
  - id: fr-frequency
    name: Submission frequency
    pattern_type: FREQUENCY
    threshold: 0.5
    enabled: true
risk_parameters:
  - id: rp-financial
    factor: FINANCIAL
    weight: 0.7
    enabled: true
  - id: rp-clinical
    factor: CLINICAL
    weight: 0.3
    enabled: true
tunables:
  approve_confidence: 0.85
  layer_timeout: 500ms
severities:
  E11.9: 0.2
`

func TestParseBundle(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		bundle, err := ParseBundle([]byte(policyYAML))
		if err != nil {
			t.Fatalf("ParseBundle failed: %v", err)
		}
		if len(bundle.Rules) != 1 || len(bundle.Rules[0].Condition) != 1 {
			t.Fatalf("unexpected rules: %+v", bundle.Rules)
		}
		if bundle.Tunables == nil || bundle.Tunables.LayerTimeout != 500*time.Millisecond {
			t.Errorf("expected layer timeout 500ms, got %+v", bundle.Tunables)
		}

		snap, err := ValidateBundle(bundle, domain.DefaultTunables())
		if err != nil {
			t.Fatalf("ValidateBundle failed: %v", err)
		}
		if sev, ok := snap.DiagnosisSeverity("e11.9"); !ok || sev != 0.2 {
			t.Errorf("expected severity override 0.2, got %v %v", sev, ok)
		}
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := ParseBundle([]byte("rules:\n  - id: x\n    actoin: APPROVE\n"))
		var cfgErr *domain.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})
}

func TestWatcher(t *testing.T) {
	store, _ := newTestStore(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(policyYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.LoadFile(ctx, path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	go w.Watch(ctx, func(ctx context.Context) error {
		_, err := store.LoadFile(ctx, path)
		return err
	})

	// Give the watcher a moment to start reading events.
	time.Sleep(50 * time.Millisecond)

	updated := []byte(policyYAML + "\n# edited\n")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if store.Current().Version() > 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("policy file change was not picked up")
}

func TestResync(t *testing.T) {
	store, _ := seededStore(t)

	t.Run("InvalidSchedule", func(t *testing.T) {
		r := NewResync(store, "not a schedule", nil)
		if err := r.Start(context.Background()); err == nil {
			t.Error("expected error for invalid schedule")
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		r := NewResync(store, "", nil)
		if err := r.Start(context.Background()); err != nil {
			t.Errorf("empty schedule should be a no-op, got %v", err)
		}
		r.Stop()
	})

	t.Run("StartStop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := NewResync(store, "@every 1h", nil)
		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		cancel()
		r.Stop()
	})
}
