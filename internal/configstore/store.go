// Package configstore owns the active policy snapshot.
//
// Every write validates the full resulting configuration, persists it, and
// only then swaps in a new snapshot. Readers never block writers: Current
// returns whatever snapshot was last published.
package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// ErrExists is returned when creating a definition whose id is taken.
var ErrExists = errors.New("definition already exists")

// provisionalVersion numbers the candidate snapshot built for validation.
const provisionalVersion = 1

// Store is the copy-on-write owner of the active snapshot.
type Store struct {
	repo   domain.Repository
	logger *slog.Logger

	mu          sync.Mutex // serializes writes
	tunables    domain.Tunables
	severities  map[string]float64
	fingerprint string

	current atomic.Pointer[snapshot.Snapshot]

	onPublish func(*snapshot.Snapshot)
}

// New creates a store over repo. Nothing is published until Reload,
// Replace or LoadFile succeeds.
func New(repo domain.Repository, tunables domain.Tunables, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		logger:   logger.With("component", "configstore"),
		tunables: tunables.WithDefaults(),
	}
}

// OnPublish registers a callback invoked after each new snapshot is published.
func (s *Store) OnPublish(fn func(*snapshot.Snapshot)) {
	s.mu.Lock()
	s.onPublish = fn
	s.mu.Unlock()
}

// Current returns the active snapshot, or nil if none has been published.
func (s *Store) Current() *snapshot.Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from the repository. When the stored
// configuration is unchanged since the last publish, the current snapshot is
// returned as is.
func (s *Store) Reload(ctx context.Context) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.loadBundle(ctx)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint(bundle)
	if err != nil {
		return nil, err
	}
	if cur := s.current.Load(); cur != nil && fp == s.fingerprint {
		return cur, nil
	}

	candidate, err := s.validate(bundle, s.tunables)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, candidate, fp)
}

// Replace swaps the whole stored configuration for bundle. Tunables and
// severity overrides carried by the bundle take effect with it.
func (s *Store) Replace(ctx context.Context, bundle domain.PolicyBundle) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tunables := s.tunables
	if bundle.Tunables != nil {
		tunables = bundle.Tunables.WithDefaults()
	}
	severities := s.severities
	if bundle.Severities != nil {
		severities = bundle.Severities
	}
	bundle.Severities = severities

	candidate, err := s.validate(bundle, tunables)
	if err != nil {
		return nil, err
	}

	if err := s.persistBundle(ctx, bundle); err != nil {
		return nil, err
	}

	stored, err := s.loadBundleWith(ctx, severities)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(stored)
	if err != nil {
		return nil, err
	}

	s.tunables = tunables
	s.severities = severities
	return s.publish(ctx, candidate, fp)
}

// commit applies mutate to the stored configuration, validates the result,
// calls persist and publishes a new snapshot.
func (s *Store) commit(ctx context.Context, mutate func(*domain.PolicyBundle) error, persist func(context.Context) error) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.loadBundle(ctx)
	if err != nil {
		return nil, err
	}
	if err := mutate(&bundle); err != nil {
		return nil, err
	}

	candidate, err := s.validate(bundle, s.tunables)
	if err != nil {
		return nil, err
	}

	if err := persist(ctx); err != nil {
		return nil, fmt.Errorf("failed to persist configuration: %w", err)
	}

	stored, err := s.loadBundle(ctx)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(stored)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, candidate, fp)
}

func (s *Store) validate(bundle domain.PolicyBundle, tunables domain.Tunables) (*snapshot.Snapshot, error) {
	candidate, err := snapshot.Build(provisionalVersion, bundle, tunables)
	if err != nil {
		s.logger.Warn("configuration rejected", "error", err)
		return nil, err
	}
	return candidate, nil
}

func (s *Store) publish(ctx context.Context, candidate *snapshot.Snapshot, fp string) (*snapshot.Snapshot, error) {
	version, err := s.repo.NextSnapshotVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate snapshot version: %w", err)
	}
	snap, err := candidate.WithVersion(version)
	if err != nil {
		return nil, err
	}

	s.current.Store(snap)
	s.fingerprint = fp

	s.logger.Info("snapshot published",
		"snapshot_version", snap.Version(),
		"rules", len(snap.Rules()),
		"fraud_rules", len(snap.FraudRules()),
		"risk_parameters", len(snap.RiskParameters()),
	)
	if s.onPublish != nil {
		s.onPublish(snap)
	}
	return snap, nil
}

func (s *Store) loadBundle(ctx context.Context) (domain.PolicyBundle, error) {
	return s.loadBundleWith(ctx, s.severities)
}

func (s *Store) loadBundleWith(ctx context.Context, severities map[string]float64) (domain.PolicyBundle, error) {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return domain.PolicyBundle{}, fmt.Errorf("failed to list rules: %w", err)
	}
	fraudRules, err := s.repo.ListFraudRules(ctx)
	if err != nil {
		return domain.PolicyBundle{}, fmt.Errorf("failed to list fraud rules: %w", err)
	}
	params, err := s.repo.ListRiskParameters(ctx)
	if err != nil {
		return domain.PolicyBundle{}, fmt.Errorf("failed to list risk parameters: %w", err)
	}

	bundle := domain.PolicyBundle{
		Rules:          make([]domain.Rule, 0, len(rules)),
		FraudRules:     make([]domain.FraudRule, 0, len(fraudRules)),
		RiskParameters: make([]domain.RiskParameter, 0, len(params)),
		Severities:     severities,
	}
	for _, r := range rules {
		bundle.Rules = append(bundle.Rules, *r)
	}
	for _, r := range fraudRules {
		bundle.FraudRules = append(bundle.FraudRules, *r)
	}
	for _, p := range params {
		bundle.RiskParameters = append(bundle.RiskParameters, *p)
	}
	return bundle, nil
}

func (s *Store) persistBundle(ctx context.Context, bundle domain.PolicyBundle) error {
	existingRules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	keep := make(map[string]bool, len(bundle.Rules))
	for i := range bundle.Rules {
		keep[bundle.Rules[i].ID] = true
		if err := s.repo.SaveRule(ctx, &bundle.Rules[i]); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", bundle.Rules[i].ID, err)
		}
	}
	for _, r := range existingRules {
		if !keep[r.ID] {
			if err := s.repo.DeleteRule(ctx, r.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to delete rule %s: %w", r.ID, err)
			}
		}
	}

	existingFraud, err := s.repo.ListFraudRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list fraud rules: %w", err)
	}
	keep = make(map[string]bool, len(bundle.FraudRules))
	for i := range bundle.FraudRules {
		keep[bundle.FraudRules[i].ID] = true
		if err := s.repo.SaveFraudRule(ctx, &bundle.FraudRules[i]); err != nil {
			return fmt.Errorf("failed to save fraud rule %s: %w", bundle.FraudRules[i].ID, err)
		}
	}
	for _, r := range existingFraud {
		if !keep[r.ID] {
			if err := s.repo.DeleteFraudRule(ctx, r.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to delete fraud rule %s: %w", r.ID, err)
			}
		}
	}

	params := make([]*domain.RiskParameter, 0, len(bundle.RiskParameters))
	for i := range bundle.RiskParameters {
		params = append(params, &bundle.RiskParameters[i])
	}
	if err := s.repo.ReplaceRiskParameters(ctx, params); err != nil {
		return fmt.Errorf("failed to replace risk parameters: %w", err)
	}
	return nil
}

func fingerprint(bundle domain.PolicyBundle) (string, error) {
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
