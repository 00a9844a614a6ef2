package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/store"
)

// Handler contains all HTTP request handlers.
type Handler struct {
	store      domain.GraphStore
	cache      domain.Cache
	scoring    *scoring.Service
	ingest     *ingest.Service
	aggregates *aggregate.Service
	assembler  *features.Assembler
	policies   *policy.Engine
	version    string
}

// NewHandler creates a new handler with service dependencies.
func NewHandler(deps Deps) *Handler {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	return &Handler{
		store:      deps.Store,
		cache:      deps.Cache,
		scoring:    deps.Scoring,
		ingest:     deps.Ingest,
		aggregates: deps.Aggregates,
		assembler:  deps.Assembler,
		policies:   deps.Policies,
		version:    version,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrEntityNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrIncompleteAggregates):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrModelUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAggregationFailed):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Score handles POST /score - runs the full scoring pipeline for one
// prospective transaction.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var req domain.ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	score, err := h.scoring.PredictFraud(r.Context(), tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// GetScore handles GET /scores/{id}.
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	scoreID := chi.URLParam(r, "id")

	score, err := h.scoring.GetScore(r.Context(), tenantID, scoreID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, score)
}

// IngestTransaction handles POST /transactions.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	tx, err := h.ingest.Ingest(r.Context(), tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// ImportTransactions handles POST /transactions/import - bulk CSV upload.
// Body is the raw CSV stream, header row required.
func (h *Handler) ImportTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	result, err := h.ingest.ImportCSV(r.Context(), tenantID, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	txID := chi.URLParam(r, "id")

	tx, err := h.store.GetTransaction(r.Context(), tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetCustomer handles GET /customers/{id}.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	customerID := chi.URLParam(r, "id")

	customer, err := h.store.GetCustomer(r.Context(), tenantID, customerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, customer)
}

// GetMerchant handles GET /merchants/{id}.
func (h *Handler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	merchantID := chi.URLParam(r, "id")

	merchant, err := h.store.GetMerchant(r.Context(), tenantID, merchantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, merchant)
}

// RecomputeAggregates handles POST /aggregates/recompute - triggers a full
// aggregation pass for the tenant.
func (h *Handler) RecomputeAggregates(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	result, err := h.aggregates.RefreshAll(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ExportTrainingData handles GET /training-data - returns the labeled
// training set as CSV. The export is buffered so a failure mid-join
// surfaces as an error status instead of a truncated 200.
func (h *Handler) ExportTrainingData(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var buf bytes.Buffer
	if _, err := h.assembler.ExportTrainingCSV(r.Context(), tenantID, &buf); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="training-data.csv"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("training data export failed", "error", err, "tenant_id", tenantID)
	}
}

// ListPolicies handles GET /policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	policies, err := h.store.ListPolicies(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

// CreatePolicy handles POST /policies - validates, persists and loads a
// decision policy.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	var cfg domain.PolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	cfg.TenantID = tenantID

	if err := h.policies.ValidatePolicy(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.store.SavePolicy(r.Context(), tenantID, &cfg); err != nil {
		writeError(w, err)
		return
	}

	if cfg.Enabled {
		if err := h.policies.LoadPolicy(&cfg); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, cfg)
}

// DeletePolicy handles DELETE /policies/{id}.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	policyID := chi.URLParam(r, "id")

	if err := h.store.DeletePolicy(r.Context(), tenantID, policyID); err != nil {
		writeError(w, err)
		return
	}

	// Rebuild the compiled set so the deleted policy stops matching.
	if _, err := h.scoring.ReloadPolicies(r.Context(), tenantID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": policyID})
}

// ReloadPolicies handles POST /policies/reload - reloads all enabled
// policies from the store.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	count, err := h.scoring.ReloadPolicies(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"count":  count,
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string)

	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		checks["store"] = err.Error()
	} else {
		checks["store"] = "ok"
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		} else {
			checks["cache"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
