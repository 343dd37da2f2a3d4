package configstore

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// LoadBundle reads a YAML policy file. Unknown keys are rejected so that a
// misspelled field does not silently fall back to its zero value.
func LoadBundle(path string) (domain.PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicyBundle{}, fmt.Errorf("failed to read policy file %q: %w", path, err)
	}
	return ParseBundle(data)
}

// ParseBundle decodes a YAML policy document.
func ParseBundle(data []byte) (domain.PolicyBundle, error) {
	var bundle domain.PolicyBundle

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil {
		return domain.PolicyBundle{}, &domain.ConfigurationError{Component: "policy", Message: "failed to parse policy file", Err: err}
	}
	return bundle, nil
}

// ValidateBundle builds a throwaway snapshot from bundle and reports the
// first problem found.
func ValidateBundle(bundle domain.PolicyBundle, defaults domain.Tunables) (*snapshot.Snapshot, error) {
	tunables := defaults.WithDefaults()
	if bundle.Tunables != nil {
		tunables = bundle.Tunables.WithDefaults()
	}
	return snapshot.Build(provisionalVersion, bundle, tunables)
}

// LoadFile reads the policy file at path and replaces the stored
// configuration with it.
func (s *Store) LoadFile(ctx context.Context, path string) (*snapshot.Snapshot, error) {
	bundle, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	snap, err := s.Replace(ctx, bundle)
	if err != nil {
		return nil, err
	}
	s.logger.Info("policy file loaded", "path", path, "snapshot_version", snap.Version())
	return snap, nil
}
