package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/services"
)

const maxStatsRequestBody = 16 * 1024

// AuditHandlers exposes the audit trail query endpoints.
type AuditHandlers struct {
	audit services.AuditLogService
}

// NewAuditHandlers constructs audit handlers.
func NewAuditHandlers(audit services.AuditLogService) *AuditHandlers {
	return &AuditHandlers{audit: audit}
}

// Routes registers the audit endpoints.
func (h *AuditHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit", h.query)
	r.Post("/audit/stats", h.stats)
}

type fieldChangePayload struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

type auditMetadataPayload struct {
	UserAgent     string   `json:"userAgent,omitempty"`
	IPAddress     string   `json:"ipAddress,omitempty"`
	BulkOperation bool     `json:"bulkOperation,omitempty"`
	AffectedPaths []string `json:"affectedPaths,omitempty"`
}

type auditEntryPayload struct {
	ID          string               `json:"id"`
	SiteID      string               `json:"siteId"`
	Action      string               `json:"action"`
	EntityType  string               `json:"entityType"`
	EntityID    string               `json:"entityId,omitempty"`
	Path        string               `json:"path,omitempty"`
	Changes     []fieldChangePayload `json:"changes,omitempty"`
	Metadata    auditMetadataPayload `json:"metadata"`
	PerformedBy string               `json:"performedBy"`
	PerformedAt time.Time            `json:"performedAt"`
}

func newAuditEntryPayload(entry domain.AuditLogEntry) auditEntryPayload {
	payload := auditEntryPayload{
		ID:         entry.ID,
		SiteID:     entry.SiteID,
		Action:     string(entry.Action),
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Path:       entry.Path,
		Metadata: auditMetadataPayload{
			UserAgent:     entry.Metadata.UserAgent,
			IPAddress:     entry.Metadata.IPAddress,
			BulkOperation: entry.Metadata.BulkOperation,
			AffectedPaths: entry.Metadata.AffectedPaths,
		},
		PerformedBy: entry.PerformedBy,
		PerformedAt: entry.PerformedAt,
	}
	for _, change := range entry.Changes {
		payload.Changes = append(payload.Changes, fieldChangePayload{
			Field:    change.Field,
			OldValue: change.OldValue,
			NewValue: change.NewValue,
		})
	}
	return payload
}

func (h *AuditHandlers) query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := services.AuditQuery{
		SiteID:       r.URL.Query().Get("siteId"),
		Action:       domain.AuditAction(r.URL.Query().Get("action")),
		EntityType:   domain.AuditEntityType(r.URL.Query().Get("entityType")),
		PathContains: r.URL.Query().Get("path"),
	}
	if query.Action != "" && !domain.KnownAuditAction(query.Action) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown audit action filter", http.StatusBadRequest))
		return
	}
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page must be an integer", http.StatusBadRequest))
			return
		}
		query.Page = page
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		query.Limit = limit
	}
	if raw := r.URL.Query().Get("dateFrom"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "dateFrom must be RFC 3339", http.StatusBadRequest))
			return
		}
		query.DateFrom = from
	}
	if raw := r.URL.Query().Get("dateTo"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "dateTo must be RFC 3339", http.StatusBadRequest))
			return
		}
		query.DateTo = to
	}

	result, err := h.audit.Query(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]auditEntryPayload, 0, len(result.Items))
	for _, entry := range result.Items {
		items = append(items, newAuditEntryPayload(entry))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"items":      items,
		"page":       result.Page,
		"limit":      result.Limit,
		"total":      result.Total,
		"totalPages": result.TotalPages,
	})
}

type statsRequestPayload struct {
	SiteID string `json:"siteId"`
	Days   int    `json:"days"`
}

func (h *AuditHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload statsRequestPayload
	if r.ContentLength != 0 {
		if err := decodeJSON(r, maxStatsRequestBody, &payload); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
	}

	stats, err := h.audit.Stats(ctx, payload.SiteID, payload.Days)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	breakdown := make(map[string]int64, len(stats.ActionBreakdown))
	for action, count := range stats.ActionBreakdown {
		breakdown[string(action)] = count
	}
	topUsers := make([]map[string]any, 0, len(stats.TopUsers))
	for _, user := range stats.TopUsers {
		topUsers = append(topUsers, map[string]any{"user": user.User, "count": user.Count})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"totalChanges":        stats.TotalChanges,
		"uniquePagesModified": stats.UniquePagesModified,
		"actionBreakdown":     breakdown,
		"topUsers":            topUsers,
		"windowDays":          stats.WindowDays,
	})
}
