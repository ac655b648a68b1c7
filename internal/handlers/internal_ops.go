package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/services"
)

// InternalHandlers exposes operational endpoints for trusted callers: the
// scheduler that exports sitemaps to the CDN bucket and retention housekeeping.
type InternalHandlers struct {
	sitemaps services.SitemapService
	audit    services.AuditLogService
}

// NewInternalHandlers constructs internal operational handlers.
func NewInternalHandlers(sitemaps services.SitemapService, audit services.AuditLogService) *InternalHandlers {
	return &InternalHandlers{sitemaps: sitemaps, audit: audit}
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sitemap:export", h.exportSitemap)
	r.Post("/audit:purge", h.purgeAudit)
}

func (h *InternalHandlers) exportSitemap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sitemaps == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sitemap service unavailable", http.StatusServiceUnavailable))
		return
	}

	objects, err := h.sitemaps.Export(ctx, r.URL.Query().Get("siteId"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("export_failed", "sitemap export failed", http.StatusBadGateway))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"objects": objects})
}

func (h *InternalHandlers) purgeAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "audit service unavailable", http.StatusServiceUnavailable))
		return
	}

	removed, err := h.audit.PurgeExpired(ctx)
	if err != nil {
		// Partial progress still counts; report it alongside the failure.
		httpx.WriteError(ctx, w, httpx.NewError("purge_incomplete", "audit purge did not finish", http.StatusBadGateway).
			WithDetails(map[string]any{"removed": removed}))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"removed": removed})
}
