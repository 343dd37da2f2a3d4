package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Evaluator adjudicates one claim.
type Evaluator interface {
	Evaluate(ctx context.Context, claim *domain.NormalizedClaim, metricsHint *domain.ProviderMetrics) (*orchestrator.Result, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	evaluator Evaluator
	policy    *configstore.Store
	repo      domain.Repository
	cache     domain.Cache
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		evaluator: d.Evaluator,
		policy:    d.Policy,
		repo:      d.Repo,
		cache:     d.Cache,
		version:   d.Version,
	}
}

// EvaluateRequest is the request body for POST /claims/evaluate: a
// normalized claim, optionally with caller-supplied provider metrics.
type EvaluateRequest struct {
	domain.NormalizedClaim
	ProviderMetrics *domain.ProviderMetrics `json:"providerMetrics,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Evaluate handles POST /claims/evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	res, err := h.evaluator.Evaluate(r.Context(), &req.NormalizedClaim, req.ProviderMetrics)
	if err != nil {
		writeError(w, err)
		return
	}
	annotate(r.Context(), res.Decision.ClaimID, string(res.Decision.Recommendation))

	writeJSON(w, http.StatusOK, res)
}

// GetClaim returns a claim from the evaluation history.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	claim, err := h.repo.GetClaim(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

// GetAuditEntry returns one audit entry by id.
func (h *Handler) GetAuditEntry(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	entry, err := h.repo.GetAuditEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListClaimAudit returns every audit entry recorded for a claim.
func (h *Handler) ListClaimAudit(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	claimID := chi.URLParam(r, "id")
	entries, err := h.repo.ListAuditEntries(r.Context(), claimID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claimId": claimID,
		"entries": entries,
		"count":   len(entries),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a configuration snapshot has been published.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.policy == nil || h.policy.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":           "true",
		"snapshotVersion": h.policy.Current().Version(),
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "repository not available"})
		return false
	}
	return true
}

// writeError maps domain and storage errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var cerr *domain.ConfigurationError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorBody{Error: cerr.Error()})
	case errors.Is(err, configstore.ErrExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
