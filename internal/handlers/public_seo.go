package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/services"
)

// PublicSEOHandlers serves effective metadata to frontend renderers. No
// authentication; responses are cacheable.
type PublicSEOHandlers struct {
	pages   services.SEOPageService
	catalog *domain.Catalog
	maxAge  int
}

// NewPublicSEOHandlers constructs public metadata handlers.
func NewPublicSEOHandlers(pages services.SEOPageService, catalog *domain.Catalog) *PublicSEOHandlers {
	if catalog == nil {
		catalog = domain.DefaultCatalog()
	}
	return &PublicSEOHandlers{pages: pages, catalog: catalog, maxAge: 300}
}

// Routes registers the public metadata endpoints.
func (h *PublicSEOHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/seo/*", h.effectiveMeta)
}

type publicMetaResponse struct {
	Path            string           `json:"path"`
	Slug            string           `json:"slug"`
	MetaTitle       string           `json:"metaTitle,omitempty"`
	MetaDescription string           `json:"metaDescription,omitempty"`
	Robots          string           `json:"robots"`
	OpenGraph       openGraphPayload `json:"openGraph"`
	Category        string           `json:"category"`
	IsCustom        bool             `json:"isCustom"`
	UpdatedAt       *time.Time       `json:"updatedAt,omitempty"`
}

// effectiveMeta returns the stored override when one exists, otherwise the
// catalog defaults for a known path.
func (h *PublicSEOHandlers) effectiveMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := seoPathParam(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.pages.Get(ctx, r.URL.Query().Get("siteId"), path)
	if err == nil {
		resp := publicMetaResponse{
			Path:            page.Path,
			Slug:            page.Slug,
			MetaTitle:       page.MetaTitle,
			MetaDescription: page.MetaDescription,
			Robots:          page.Robots,
			OpenGraph: openGraphPayload{
				Title:       page.OpenGraph.Title,
				Description: page.OpenGraph.Description,
				Image:       page.OpenGraph.Image,
			},
			Category: string(page.Category),
			IsCustom: page.IsCustom,
		}
		if !page.UpdatedAt.IsZero() {
			updated := page.UpdatedAt
			resp.UpdatedAt = &updated
		}
		h.writeJSON(w, resp)
		return
	}
	if !errors.Is(err, services.ErrNotFound) {
		writeServiceError(ctx, w, err)
		return
	}

	normalized, normErr := services.NormalizePath(path)
	if normErr != nil {
		writeServiceError(ctx, w, normErr)
		return
	}
	entry, ok := h.catalog.Lookup(normalized)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "unknown page path", http.StatusNotFound))
		return
	}

	h.writeJSON(w, publicMetaResponse{
		Path:     entry.Path,
		Slug:     entry.DefaultSlug,
		Robots:   domain.RobotsDefault,
		Category: string(entry.Category),
	})
}

func (h *PublicSEOHandlers) writeJSON(w http.ResponseWriter, payload publicMetaResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(h.maxAge))
	_ = json.NewEncoder(w).Encode(payload)
}
