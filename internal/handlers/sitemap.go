package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/services"
)

// SitemapHandlers serves the crawler-facing sitemap endpoints.
type SitemapHandlers struct {
	sitemaps services.SitemapService
	maxAge   int
}

// NewSitemapHandlers constructs sitemap handlers.
func NewSitemapHandlers(sitemaps services.SitemapService) *SitemapHandlers {
	return &SitemapHandlers{sitemaps: sitemaps, maxAge: 3600}
}

// Routes registers the root-level sitemap endpoints.
func (h *SitemapHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/sitemap.xml", h.sitemap)
	r.Get("/sitemap/{chunk}", h.chunk)
}

func (h *SitemapHandlers) sitemap(w http.ResponseWriter, r *http.Request) {
	if h.sitemaps == nil {
		httpx.WriteXMLError(w, "service_unavailable", "sitemap service unavailable", http.StatusServiceUnavailable)
		return
	}

	rendered, err := h.sitemaps.Sitemap(r.Context(), r.URL.Query().Get("siteId"))
	if err != nil {
		httpx.WriteXMLError(w, "sitemap_error", "sitemap generation failed", http.StatusInternalServerError)
		return
	}
	h.writeXML(w, rendered)
}

func (h *SitemapHandlers) chunk(w http.ResponseWriter, r *http.Request) {
	if h.sitemaps == nil {
		httpx.WriteXMLError(w, "service_unavailable", "sitemap service unavailable", http.StatusServiceUnavailable)
		return
	}

	raw := strings.TrimSuffix(chi.URLParam(r, "chunk"), ".xml")
	chunk, err := strconv.Atoi(raw)
	if err != nil {
		httpx.WritePlainError(w, "sitemap chunk not found", http.StatusNotFound)
		return
	}

	rendered, err := h.sitemaps.Chunk(r.Context(), r.URL.Query().Get("siteId"), chunk)
	if err != nil {
		// A chunk past the end is a missing resource, not a server fault.
		var outOfRange *services.ChunkOutOfRangeError
		if errors.As(err, &outOfRange) {
			httpx.WritePlainError(w, "sitemap chunk not found", http.StatusNotFound)
			return
		}
		httpx.WriteXMLError(w, "sitemap_error", "sitemap generation failed", http.StatusInternalServerError)
		return
	}
	h.writeXML(w, rendered)
}

func (h *SitemapHandlers) writeXML(w http.ResponseWriter, rendered []byte) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(h.maxAge))
	_, _ = w.Write(rendered)
}
