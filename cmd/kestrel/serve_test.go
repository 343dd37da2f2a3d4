package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/ready")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not become ready")
}

func snapshotVersion(t *testing.T, baseURL string) int64 {
	t.Helper()
	resp, err := http.Get(baseURL + "/snapshot")
	if err != nil {
		t.Fatalf("GET /snapshot failed: %v", err)
	}
	defer resp.Body.Close()
	var summary struct {
		Version int64 `json:"version"`
	}
	json.NewDecoder(resp.Body).Decode(&summary)
	return summary.Version
}

// TestServeEndToEnd runs the whole service in process: policy file load,
// HTTP evaluation with audit persistence, and hot reload on file change.
func TestServeEndToEnd(t *testing.T) {
	dir := t.TempDir()

	policy, err := os.ReadFile(policyPath)
	if err != nil {
		t.Fatalf("failed to read reference policy: %v", err)
	}
	livePolicy := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(livePolicy, policy, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := domain.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Repository.SQLitePath = filepath.Join(dir, "kestrel.db")
	cfg.Policy = domain.PolicyConfig{FilePath: livePolicy, Watch: true}
	cfg.Worker.Enabled = true
	cfg.Logging.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned an error: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("serve did not shut down")
		}
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	waitReady(t, baseURL)

	t.Run("Evaluate", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{
			"id":         "clm-e2e",
			"currency":   "USD",
			"amount":     150,
			"providerId": "prv-e2e",
			"memberId":   "mbr-e2e",
			"diagnoses":  []string{"E11.9"},
			"lineItems": []map[string]any{
				{"index": 0, "serviceCode": "99213", "billedAmount": 150, "diagnosisRefs": []string{"E11.9"}},
			},
		})
		resp, err := http.Post(baseURL+"/claims/evaluate", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200, got %d", resp.StatusCode)
		}

		var res orchestrator.Result
		json.NewDecoder(resp.Body).Decode(&res)
		// First claim from a provider has no history.
		if res.Decision.Layers.Fraud.Status != domain.StatusDegraded {
			t.Errorf("expected DEGRADED fraud layer, got %s", res.Decision.Layers.Fraud.Status)
		}
		if res.AuditEntry == nil {
			t.Fatal("expected a persisted audit entry")
		}

		audit, err := http.Get(baseURL + "/audit/" + res.AuditEntry.ID)
		if err != nil {
			t.Fatalf("GET audit failed: %v", err)
		}
		audit.Body.Close()
		if audit.StatusCode != http.StatusOK {
			t.Errorf("expected audit entry, got %d", audit.StatusCode)
		}
	})

	t.Run("HotReload", func(t *testing.T) {
		before := snapshotVersion(t, baseURL)
		edited := strings.Replace(string(policy), "threshold: 0.9", "threshold: 0.95", 1)
		if err := os.WriteFile(livePolicy, []byte(edited), 0o600); err != nil {
			t.Fatal(err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if snapshotVersion(t, baseURL) > before {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Errorf("snapshot version did not advance past %d", before)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics failed: %v", err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		if !strings.Contains(buf.String(), "kestrel_decisions_total") {
			t.Error("expected kestrel_decisions_total in metrics output")
		}
	})
}

func TestLoadPolicyEmptyRepository(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Repository.SQLitePath = filepath.Join(t.TempDir(), "kestrel.db")
	cfg.Policy.ResyncSchedule = ""
	cfg.Logging.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	deadline := time.Now().Add(5 * time.Second)
	status := 0
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/ready")
		if err == nil {
			status = resp.StatusCode
			resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected ready 503 without a policy, got %d", status)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("serve returned an error: %v", err)
	}
}
