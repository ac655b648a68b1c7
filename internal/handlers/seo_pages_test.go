package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/auth"
	"github.com/sitewise/api/internal/services"
)

type stubSEOPageService struct {
	pages     map[string]domain.SEOPage
	lastInput services.UpsertPageInput
	report    services.MetadataReport
	overview  []services.PageOverview
	err       error
}

func (s *stubSEOPageService) Get(_ context.Context, _, path string) (domain.SEOPage, error) {
	if s.err != nil {
		return domain.SEOPage{}, s.err
	}
	page, ok := s.pages[path]
	if !ok {
		return domain.SEOPage{}, services.ErrNotFound
	}
	return page, nil
}

func (s *stubSEOPageService) ListPages(context.Context, string) ([]services.PageOverview, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.overview, nil
}

func (s *stubSEOPageService) Upsert(_ context.Context, input services.UpsertPageInput) (domain.SEOPage, error) {
	s.lastInput = input
	if s.err != nil {
		return domain.SEOPage{}, s.err
	}
	return domain.SEOPage{
		SiteID:    "default",
		Path:      input.Path,
		Slug:      input.Slug,
		MetaTitle: input.MetaTitle,
		IsCustom:  true,
		UpdatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (s *stubSEOPageService) Delete(_ context.Context, input services.DeletePageInput) (domain.SEOPage, error) {
	if s.err != nil {
		return domain.SEOPage{}, s.err
	}
	page, ok := s.pages[input.Path]
	if !ok {
		return domain.SEOPage{}, services.ErrNotFound
	}
	delete(s.pages, input.Path)
	return page, nil
}

func (s *stubSEOPageService) Validate(_ context.Context, input services.UpsertPageInput) (services.MetadataReport, error) {
	s.lastInput = input
	if s.err != nil {
		return services.MetadataReport{}, s.err
	}
	return s.report, nil
}

type stubBulk struct {
	lastReq services.BulkRequest
	result  services.BulkResult
	err     error
}

func (s *stubBulk) Execute(_ context.Context, req services.BulkRequest) (services.BulkResult, error) {
	s.lastReq = req
	if s.err != nil {
		return services.BulkResult{}, s.err
	}
	return s.result, nil
}

// actorMiddleware injects a fixed authenticated actor, standing in for the
// Firebase verification middleware.
func actorMiddleware(actor auth.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}

func newAdminRouter(pages services.SEOPageService, bulk services.BulkCoordinator, actor *auth.Actor) chi.Router {
	r := chi.NewRouter()
	if actor != nil {
		r.Use(actorMiddleware(*actor))
	}
	NewSEOPageHandlers(pages, bulk).Routes(r)
	return r
}

func editorActor() *auth.Actor {
	return &auth.Actor{ID: "user-1", Email: "editor@example.com", Roles: []string{auth.RoleEditor}}
}

func TestGetMetaReturnsRecord(t *testing.T) {
	svc := &stubSEOPageService{pages: map[string]domain.SEOPage{
		"/about": {SiteID: "default", Path: "/about", Slug: "about", MetaTitle: "About Us", Category: domain.CategoryAbout},
	}}
	router := newAdminRouter(svc, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/meta/about", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload pageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Path != "/about" || payload.MetaTitle != "About Us" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestGetMetaMissingIs404(t *testing.T) {
	router := newAdminRouter(&stubSEOPageService{pages: map[string]domain.SEOPage{}}, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/meta/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["error"] != "not_found" {
		t.Errorf("error code = %v", envelope["error"])
	}
}

func TestPutMetaUpserts(t *testing.T) {
	svc := &stubSEOPageService{}
	router := newAdminRouter(svc, nil, editorActor())

	body, _ := json.Marshal(metaRequest{MetaTitle: "About Our Agency And Its People", MetaDescription: "desc"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/meta/about", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.lastInput.Path != "/about" {
		t.Errorf("service received path %q", svc.lastInput.Path)
	}
	if svc.lastInput.ActorID != "user-1" {
		t.Errorf("service received actor %q", svc.lastInput.ActorID)
	}
	if !svc.lastInput.IsCustom {
		t.Error("admin upserts must mark the record custom")
	}
}

func TestPutMetaWithoutActorIs401(t *testing.T) {
	router := newAdminRouter(&stubSEOPageService{}, nil, nil)

	body, _ := json.Marshal(metaRequest{MetaTitle: "x"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/meta/about", bytes.NewReader(body)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPutMetaValidationFailureIs400WithFields(t *testing.T) {
	validation := services.NewValidationError("metaTitle", "meta title exceeds 60 characters")
	svc := &stubSEOPageService{err: validation}
	router := newAdminRouter(svc, nil, editorActor())

	body, _ := json.Marshal(metaRequest{MetaTitle: "way too long"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/meta/about", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error != "validation_failed" {
		t.Errorf("error code = %q", envelope.Error)
	}
	if envelope.Fields["metaTitle"] == "" {
		t.Errorf("fields = %v, want metaTitle message", envelope.Fields)
	}
}

func TestPutMetaRejectsMalformedJSON(t *testing.T) {
	router := newAdminRouter(&stubSEOPageService{}, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/meta/about", bytes.NewReader([]byte("{not json"))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDeleteMetaIs204(t *testing.T) {
	svc := &stubSEOPageService{pages: map[string]domain.SEOPage{"/about": {Path: "/about"}}}
	router := newAdminRouter(svc, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/meta/about", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.pages) != 0 {
		t.Error("record not deleted")
	}
}

func TestValidateMetaDryRun(t *testing.T) {
	svc := &stubSEOPageService{report: services.MetadataReport{IsValid: true, Score: 95, Suggestions: []string{"Add an Open Graph image for social sharing"}}}
	router := newAdminRouter(svc, nil, editorActor())

	body, _ := json.Marshal(metaRequest{MetaTitle: "Some candidate title for the page"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/meta/about:validate", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload validationReportPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.IsValid || payload.Score != 95 {
		t.Errorf("payload = %+v", payload)
	}
	if svc.lastInput.Path != "/about" {
		t.Errorf("service received path %q", svc.lastInput.Path)
	}
}

func TestValidateWithoutSuffixIs404(t *testing.T) {
	router := newAdminRouter(&stubSEOPageService{}, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/meta/about", bytes.NewReader([]byte("{}"))))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListPages(t *testing.T) {
	record := domain.SEOPage{Path: "/about", Slug: "about", MetaTitle: "About Us"}
	svc := &stubSEOPageService{overview: []services.PageOverview{
		{Path: "/", DefaultSlug: "home", Category: domain.CategoryMain},
		{Path: "/about", DefaultSlug: "about", Category: domain.CategoryAbout, HasOverride: true, Record: &record, Score: 80},
	}}
	router := newAdminRouter(svc, nil, editorActor())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Pages []pageOverviewResponse `json:"pages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Pages) != 2 {
		t.Fatalf("pages = %d", len(payload.Pages))
	}
	if payload.Pages[1].Record == nil || payload.Pages[1].Score != 80 {
		t.Errorf("override row = %+v", payload.Pages[1])
	}
}

func TestBulkPartialFailureIs207(t *testing.T) {
	bulk := &stubBulk{result: services.BulkResult{
		OperationID: "op-1",
		Operation:   services.BulkUpdate,
		Succeeded:   []string{"/about"},
		Failed:      []services.BulkItemFailure{{Path: "/bad", Reason: "validation failed"}},
	}}
	router := newAdminRouter(&stubSEOPageService{}, bulk, editorActor())

	body := []byte(`{"operation":"bulkUpdate","pages":[{"path":"/about"},{"path":"/bad"}]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/meta/bulk", bytes.NewReader(body)))

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if bulk.lastReq.ActorRole != auth.RoleEditor {
		t.Errorf("actor role = %q", bulk.lastReq.ActorRole)
	}
	var payload bulkResultPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.OperationID != "op-1" || len(payload.Failed) != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestBulkLimitExceededIs400(t *testing.T) {
	bulk := &stubBulk{err: &services.LimitExceededError{Role: "editor", Limit: 100, Requested: 150}}
	router := newAdminRouter(&stubSEOPageService{}, bulk, editorActor())

	body := []byte(`{"operation":"bulkDelete","paths":["/about"]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/meta/bulk", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope["error"] != "bulk_limit_exceeded" {
		t.Errorf("error code = %v", envelope["error"])
	}
}

func TestBulkUnknownOperationIs400(t *testing.T) {
	router := newAdminRouter(&stubSEOPageService{}, &stubBulk{}, editorActor())

	body := []byte(`{"operation":"bulkExplode","paths":["/about"]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/meta/bulk", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
