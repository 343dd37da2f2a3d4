package fraud

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

func buildWith(t *testing.T, bundle domain.PolicyBundle, tunables domain.Tunables) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.Build(1, bundle, tunables)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return snap
}
