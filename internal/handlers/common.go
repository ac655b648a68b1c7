package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/httpx"
	"github.com/sitewise/api/internal/repositories"
	"github.com/sitewise/api/internal/services"
)

type openGraphPayload struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

type pageResponse struct {
	SiteID          string           `json:"siteId"`
	Path            string           `json:"path"`
	Slug            string           `json:"slug"`
	MetaTitle       string           `json:"metaTitle"`
	MetaDescription string           `json:"metaDescription"`
	Robots          string           `json:"robots"`
	OpenGraph       openGraphPayload `json:"openGraph"`
	Category        string           `json:"category"`
	IsCustom        bool             `json:"isCustom"`
	CreatedBy       string           `json:"createdBy,omitempty"`
	UpdatedBy       string           `json:"updatedBy,omitempty"`
	CreatedAt       *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time       `json:"updatedAt,omitempty"`
}

func newPageResponse(page domain.SEOPage) pageResponse {
	resp := pageResponse{
		SiteID:          page.SiteID,
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
	resp.CreatedBy = page.CreatedBy
	resp.UpdatedBy = page.UpdatedBy
	if !page.CreatedAt.IsZero() {
		created := page.CreatedAt
		resp.CreatedAt = &created
	}
	if !page.UpdatedAt.IsZero() {
		updated := page.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

type validationResultPayload struct {
	IsValid  bool   `json:"isValid"`
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity"`
}

type validationReportPayload struct {
	IsValid     bool                               `json:"isValid"`
	Score       int                                `json:"score"`
	Suggestions []string                           `json:"suggestions"`
	Results     map[string]validationResultPayload `json:"results"`
}

func newValidationReportPayload(report services.MetadataReport) validationReportPayload {
	payload := validationReportPayload{
		IsValid:     report.IsValid,
		Score:       report.Score,
		Suggestions: report.Suggestions,
		Results: map[string]validationResultPayload{
			"metaTitle":       newValidationResultPayload(report.Title),
			"metaDescription": newValidationResultPayload(report.Description),
			"slug":            newValidationResultPayload(report.Slug),
			"openGraph.image": newValidationResultPayload(report.OGImage),
		},
	}
	if payload.Suggestions == nil {
		payload.Suggestions = []string{}
	}
	return payload
}

func newValidationResultPayload(result services.ValidationResult) validationResultPayload {
	return validationResultPayload{
		IsValid:  result.IsValid,
		Message:  result.Message,
		Severity: string(result.Severity),
	}
}

// seoPathParam extracts the page path from the trailing wildcard segment.
// "about" maps to "/about"; the "home" sentinel passes through unchanged.
func seoPathParam(r *http.Request) (string, error) {
	wild := strings.TrimSpace(chi.URLParam(r, "*"))
	if wild == "" {
		return "", errors.New("page path is required")
	}
	if wild == domain.HomePath {
		return domain.HomePath, nil
	}
	return "/" + wild, nil
}

func requestMeta(r *http.Request) services.RequestMeta {
	return services.RequestMeta{
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	}
}

// writeServiceError maps service-layer failures onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *services.ValidationError
	var limit *services.LimitExceededError
	switch {
	case errors.As(err, &validation):
		fields := make(map[string]any, len(validation.Fields()))
		for field, message := range validation.Fields() {
			fields[field] = message
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", validation.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"fields": fields}))
	case errors.As(err, &limit):
		httpx.WriteError(ctx, w, httpx.NewError("bulk_limit_exceeded", limit.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"limit": limit.Limit, "requested": limit.Requested}))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "no metadata record for path", http.StatusNotFound))
	case repositories.IsUnavailable(err):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "metadata store temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
