package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/intake"
	"github.com/fieldworks/curlew/internal/rules"
)

// snapshotTTL bounds how stale a cached opportunity view may get.
const snapshotTTL = 5 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	processor *intake.Processor
	custom    *rules.CustomEngine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, processor *intake.Processor, custom *rules.CustomEngine, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		processor: processor,
		custom:    custom,
		version:   version,
	}
}

// Receiver handles POST /api/receiver: one form submission per call.
// Success and idempotent redelivery both return 200 with an empty body.
// Fatal resolution errors return 400 with a single detail message.
func (h *Handler) Receiver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sub domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "invalid JSON request body",
		})
		return
	}
	if sub.SubmissionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "id is required",
		})
		return
	}
	if sub.Domain == "" || sub.AppID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "domain and app_id are required",
		})
		return
	}

	res, err := h.processor.ProcessSubmission(ctx, &sub)
	if err != nil {
		if domain.IsFatalResolution(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"detail": err.Error(),
			})
			return
		}
		// Anything else is a defect, not a business condition.
		slog.Error("submission processing failed",
			"submission_id", sub.SubmissionID,
			"domain", sub.Domain,
			"app_id", sub.AppID,
			"username", sub.Metadata.Username,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	if res.Duplicate {
		slog.Info("duplicate submission ignored", "submission_id", sub.SubmissionID)
	} else if h.cache != nil {
		// Advisory intake counter, per UTC day. The authoritative limit
		// checks live inside the intake transaction.
		key := "intake:" + time.Now().UTC().Format("2006-01-02")
		if n, err := h.cache.IncrementCounter(ctx, key, 24*time.Hour); err == nil {
			slog.Debug("submission accepted",
				"submission_id", sub.SubmissionID, "intake_today", n)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// GetVisit handles GET /api/visits/{id}.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID := chi.URLParam(r, "id")

	if visitID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "visit id is required",
		})
		return
	}

	visit, err := h.repo.GetVisit(ctx, visitID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"detail": "visit not found",
			})
			return
		}
		slog.Error("failed to get visit", "id", visitID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, visit)
}

// GetCompletedWork handles GET /api/completed-work/{id}.
func (h *Handler) GetCompletedWork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workID := chi.URLParam(r, "id")

	if workID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "completed work id is required",
		})
		return
	}

	work, err := h.repo.GetCompletedWork(ctx, workID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"detail": "completed work not found",
			})
			return
		}
		slog.Error("failed to get completed work", "id", workID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, work)
}

// GetOpportunity handles GET /api/opportunities/{id}, serving the cached
// verification snapshot when present.
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	oppID := chi.URLParam(r, "id")

	if h.cache != nil {
		if snap, err := h.cache.GetOpportunitySnapshot(ctx, oppID); err == nil && snap != nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	opp, err := h.repo.GetOpportunity(ctx, oppID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"detail": "opportunity not found",
			})
			return
		}
		slog.Error("failed to get opportunity", "id", oppID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	snap := &domain.OpportunitySnapshot{
		OpportunityID:     opp.ID,
		AutoApproveVisits: opp.AutoApproveVisits,
		FlagConfig:        opp.FlagConfig,
		StartDate:         opp.StartDate.Format("2006-01-02"),
		EndDate:           opp.EndDate.Format("2006-01-02"),
	}
	if h.cache != nil {
		if err := h.cache.SetOpportunitySnapshot(ctx, opp.ID, snap, snapshotTTL); err != nil {
			slog.Warn("failed to cache opportunity snapshot", "id", opp.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, snap)
}

// ListFlagRules handles GET /api/opportunities/{id}/flag-rules.
func (h *Handler) ListFlagRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	oppID := chi.URLParam(r, "id")

	loaded, err := h.repo.ListCustomFlagRules(ctx, oppID)
	if err != nil {
		slog.Error("failed to list flag rules", "opportunity_id", oppID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateFlagRuleRequest is the request body for creating a custom flag rule.
type CreateFlagRuleRequest struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enabled    bool   `json:"enabled"`
}

// CreateFlagRule handles POST /api/opportunities/{id}/flag-rules. The
// expression is compiled before it is saved so a bad rule never reaches
// the intake path.
func (h *Handler) CreateFlagRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	oppID := chi.URLParam(r, "id")

	var req CreateFlagRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "name and expression are required",
		})
		return
	}

	rule := &domain.CustomFlagRule{
		ID:            uuid.New().String(),
		OpportunityID: oppID,
		Name:          req.Name,
		Expression:    req.Expression,
		Enabled:       req.Enabled,
	}

	if err := h.custom.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "invalid expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveCustomFlagRule(ctx, rule); err != nil {
		slog.Error("failed to save flag rule", "opportunity_id", oppID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "internal server error",
		})
		return
	}

	slog.Info("flag rule created", "id", rule.ID, "opportunity_id", oppID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, rule)
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

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
