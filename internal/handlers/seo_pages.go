package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/auth"
	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/services"
)

const (
	maxMetaRequestBody = 256 * 1024
	maxBulkRequestBody = 4 * 1024 * 1024

	validateSuffix = ":validate"
)

// SEOPageHandlers exposes the admin metadata endpoints.
type SEOPageHandlers struct {
	pages services.SEOPageService
	bulk  services.BulkCoordinator
}

// NewSEOPageHandlers constructs admin metadata handlers.
func NewSEOPageHandlers(pages services.SEOPageService, bulk services.BulkCoordinator) *SEOPageHandlers {
	return &SEOPageHandlers{pages: pages, bulk: bulk}
}

// Routes registers the admin metadata endpoints.
func (h *SEOPageHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/pages", h.listPages)
	r.Post("/meta/bulk", h.bulkMutate)
	r.Get("/meta/*", h.getMeta)
	r.Put("/meta/*", h.putMeta)
	r.Delete("/meta/*", h.deleteMeta)
	r.Post("/meta/*", h.validateMeta)
}

type metaRequest struct {
	SiteID          string           `json:"siteId"`
	Slug            string           `json:"slug"`
	MetaTitle       string           `json:"metaTitle"`
	MetaDescription string           `json:"metaDescription"`
	Robots          string           `json:"robots"`
	OpenGraph       openGraphPayload `json:"openGraph"`
	Category        string           `json:"category"`
}

func (h *SEOPageHandlers) getMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := seoPathParam(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.pages.Get(ctx, r.URL.Query().Get("siteId"), path)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newPageResponse(page))
}

func (h *SEOPageHandlers) putMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := seoPathParam(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	actor, ok := auth.ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var payload metaRequest
	if err := decodeJSON(r, maxMetaRequestBody, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.pages.Upsert(ctx, upsertInputFrom(payload, path, actor.ID, requestMeta(r)))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newPageResponse(page))
}

func (h *SEOPageHandlers) deleteMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := seoPathParam(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	actor, ok := auth.ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if _, err := h.pages.Delete(ctx, services.DeletePageInput{
		SiteID:  r.URL.Query().Get("siteId"),
		Path:    path,
		ActorID: actor.ID,
		Meta:    requestMeta(r),
	}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateMeta handles POST /meta/{path}:validate, a dry run of the full
// validation and scoring pass.
func (h *SEOPageHandlers) validateMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wild := strings.TrimSpace(chi.URLParam(r, "*"))
	if !strings.HasSuffix(wild, validateSuffix) {
		httpx.WriteError(ctx, w, httpx.NewError(errorNotFoundCode, "no route for "+r.URL.Path, http.StatusNotFound))
		return
	}
	raw := strings.TrimSuffix(wild, validateSuffix)
	path := "/" + raw
	if raw == domain.HomePath {
		path = domain.HomePath
	}

	var payload metaRequest
	if err := decodeJSON(r, maxMetaRequestBody, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	report, err := h.pages.Validate(ctx, upsertInputFrom(payload, path, "", services.RequestMeta{}))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newValidationReportPayload(report))
}

type pageOverviewResponse struct {
	Path        string        `json:"path"`
	DefaultSlug string        `json:"defaultSlug"`
	Category    string        `json:"category"`
	HasOverride bool          `json:"hasOverride"`
	Record      *pageResponse `json:"record,omitempty"`
	Score       int           `json:"score,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

func (h *SEOPageHandlers) listPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	overview, err := h.pages.ListPages(ctx, r.URL.Query().Get("siteId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]pageOverviewResponse, 0, len(overview))
	for _, item := range overview {
		resp := pageOverviewResponse{
			Path:        item.Path,
			DefaultSlug: item.DefaultSlug,
			Category:    string(item.Category),
			HasOverride: item.HasOverride,
			Score:       item.Score,
			Suggestions: item.Suggestions,
		}
		if item.Record != nil {
			record := newPageResponse(*item.Record)
			resp.Record = &record
		}
		items = append(items, resp)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pages": items})
}

type bulkRequestPayload struct {
	SiteID    string `json:"siteId"`
	Operation string `json:"operation"`
	Pages     []struct {
		Path            string           `json:"path"`
		Slug            string           `json:"slug"`
		MetaTitle       string           `json:"metaTitle"`
		MetaDescription string           `json:"metaDescription"`
		Robots          string           `json:"robots"`
		OpenGraph       openGraphPayload `json:"openGraph"`
		Category        string           `json:"category"`
	} `json:"pages"`
	Paths []string `json:"paths"`
}

type bulkResultPayload struct {
	OperationID string            `json:"operationId"`
	Operation   string            `json:"operation"`
	Succeeded   []string          `json:"succeeded"`
	Failed      []bulkItemFailure `json:"failed"`
}

type bulkItemFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (h *SEOPageHandlers) bulkMutate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.bulk == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "bulk operations unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := auth.ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var payload bulkRequestPayload
	if err := decodeJSON(r, maxBulkRequestBody, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	operation := services.BulkOperation(payload.Operation)
	switch operation {
	case services.BulkUpdate, services.BulkDelete, services.BulkReset:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown bulk operation", http.StatusBadRequest))
		return
	}

	req := services.BulkRequest{
		SiteID:    payload.SiteID,
		Operation: operation,
		Paths:     payload.Paths,
		ActorID:   actor.ID,
		ActorRole: actor.PrimaryRole(),
		Meta:      requestMeta(r),
	}
	for _, item := range payload.Pages {
		req.Pages = append(req.Pages, services.BulkPageInput{
			Path:            item.Path,
			Slug:            item.Slug,
			MetaTitle:       item.MetaTitle,
			MetaDescription: item.MetaDescription,
			Robots:          item.Robots,
			OpenGraph: domain.OpenGraph{
				Title:       item.OpenGraph.Title,
				Description: item.OpenGraph.Description,
				Image:       item.OpenGraph.Image,
			},
			Category: domain.PageCategory(item.Category),
		})
	}

	result, err := h.bulk.Execute(ctx, req)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := bulkResultPayload{
		OperationID: result.OperationID,
		Operation:   string(result.Operation),
		Succeeded:   result.Succeeded,
		Failed:      make([]bulkItemFailure, 0, len(result.Failed)),
	}
	if resp.Succeeded == nil {
		resp.Succeeded = []string{}
	}
	for _, failure := range result.Failed {
		resp.Failed = append(resp.Failed, bulkItemFailure{Path: failure.Path, Reason: failure.Reason})
	}

	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func upsertInputFrom(payload metaRequest, path, actorID string, meta services.RequestMeta) services.UpsertPageInput {
	return services.UpsertPageInput{
		SiteID:          payload.SiteID,
		Path:            path,
		Slug:            payload.Slug,
		MetaTitle:       payload.MetaTitle,
		MetaDescription: payload.MetaDescription,
		Robots:          payload.Robots,
		OpenGraph: domain.OpenGraph{
			Title:       payload.OpenGraph.Title,
			Description: payload.OpenGraph.Description,
			Image:       payload.OpenGraph.Image,
		},
		Category: domain.PageCategory(payload.Category),
		IsCustom: true,
		ActorID:  actorID,
		Meta:     meta,
	}
}

func decodeJSON(r *http.Request, limit int64, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return errors.New("request body is not valid JSON: " + err.Error())
	}
	return nil
}
