package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

// MutationResponse is returned by every administrative write.
type MutationResponse struct {
	ID              string `json:"id,omitempty"`
	SnapshotVersion int64  `json:"snapshotVersion"`
	Message         string `json:"message"`
}

// ToggleRequest is the request body for the toggle routes.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// GetSnapshot returns the active configuration snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.policy.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no configuration snapshot has been published"})
		return
	}
	writeJSON(w, http.StatusOK, snap.Summary())
}

// ReloadPolicy rebuilds the snapshot from the repository.
func (h *Handler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	snap, err := h.policy.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, "", snap, "policy reloaded")
}

// ListRules returns every coverage rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.policy.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": nonNil(rules),
		"count": len(rules),
	})
}

// GetRule returns one coverage rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.policy.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule adds a coverage rule and publishes a new snapshot.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decode(w, r, &rule) {
		return
	}
	snap, err := h.policy.CreateRule(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("rule created", "rule_id", rule.ID, "snapshot_version", snap.Version())
	writeMutation(w, http.StatusCreated, rule.ID, snap, "rule created")
}

// UpdateRule replaces a coverage rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if !decode(w, r, &rule) || !matchID(w, r, &rule.ID) {
		return
	}
	snap, err := h.policy.UpdateRule(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("rule updated", "rule_id", rule.ID, "snapshot_version", snap.Version())
	writeMutation(w, http.StatusOK, rule.ID, snap, "rule updated")
}

// DeleteRule removes a coverage rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.policy.DeleteRule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("rule deleted", "rule_id", id, "snapshot_version", snap.Version())
	writeMutation(w, http.StatusOK, id, snap, "rule deleted")
}

// ToggleRule enables or disables a coverage rule.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	snap, err := h.policy.ToggleRule(r.Context(), id, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, id, snap, toggled("rule", req.Enabled))
}

// ListFraudRules returns every fraud rule.
func (h *Handler) ListFraudRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.policy.ListFraudRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fraudRules": nonNil(rules),
		"count":      len(rules),
	})
}

// GetFraudRule returns one fraud rule.
func (h *Handler) GetFraudRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.policy.GetFraudRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateFraudRule adds a fraud rule.
func (h *Handler) CreateFraudRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.FraudRule
	if !decode(w, r, &rule) {
		return
	}
	snap, err := h.policy.CreateFraudRule(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("fraud rule created", "rule_id", rule.ID, "snapshot_version", snap.Version())
	writeMutation(w, http.StatusCreated, rule.ID, snap, "fraud rule created")
}

// UpdateFraudRule replaces a fraud rule.
func (h *Handler) UpdateFraudRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.FraudRule
	if !decode(w, r, &rule) || !matchID(w, r, &rule.ID) {
		return
	}
	snap, err := h.policy.UpdateFraudRule(r.Context(), &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, rule.ID, snap, "fraud rule updated")
}

// DeleteFraudRule removes a fraud rule.
func (h *Handler) DeleteFraudRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.policy.DeleteFraudRule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, id, snap, "fraud rule deleted")
}

// ToggleFraudRule enables or disables a fraud rule.
func (h *Handler) ToggleFraudRule(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	snap, err := h.policy.ToggleFraudRule(r.Context(), id, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, id, snap, toggled("fraud rule", req.Enabled))
}

// ListRiskParameters returns every risk parameter.
func (h *Handler) ListRiskParameters(w http.ResponseWriter, r *http.Request) {
	params, err := h.policy.ListRiskParameters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"riskParameters": nonNil(params),
		"count":          len(params),
	})
}

// ReplaceRiskParameters swaps in a complete parameter set. The enabled
// weights must sum to 1.0.
func (h *Handler) ReplaceRiskParameters(w http.ResponseWriter, r *http.Request) {
	var params []domain.RiskParameter
	if !decode(w, r, &params) {
		return
	}
	snap, err := h.policy.ReplaceRiskParameters(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("risk parameters replaced", "count", len(params), "snapshot_version", snap.Version())
	writeMutation(w, http.StatusOK, "", snap, "risk parameters replaced")
}

// ToggleRiskParameter enables or disables a risk parameter.
func (h *Handler) ToggleRiskParameter(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	snap, err := h.policy.ToggleRiskParameter(r.Context(), id, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMutation(w, http.StatusOK, id, snap, toggled("risk parameter", req.Enabled))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return false
	}
	return true
}

// matchID fills an empty body id from the path and rejects a mismatch.
func matchID(w http.ResponseWriter, r *http.Request, id *string) bool {
	pathID := chi.URLParam(r, "id")
	if *id == "" {
		*id = pathID
	}
	if *id != pathID {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body id does not match path", Field: "id"})
		return false
	}
	return true
}

func writeMutation(w http.ResponseWriter, status int, id string, snap *snapshot.Snapshot, msg string) {
	writeJSON(w, status, MutationResponse{
		ID:              id,
		SnapshotVersion: snap.Version(),
		Message:         msg,
	})
}

func toggled(kind string, enabled bool) string {
	if enabled {
		return kind + " enabled"
	}
	return kind + " disabled"
}

func nonNil[T any](items []*T) []*T {
	if items == nil {
		return []*T{}
	}
	return items
}
