package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/platform/requestctx"
	"github.com/sitewise/api/internal/repositories"
)

// decodeLoopCap bounds the repeated URL-decode applied to incoming paths.
// Inputs still encoded after this many passes are rejected.
const decodeLoopCap = 5

const (
	cacheOpPageGet  = "meta.get"
	cacheOpPageList = "meta.list"
)

type seoPageService struct {
	pages    repositories.SEOPageRepository
	audit    AuditLogService
	catalog  *domain.Catalog
	memo     *cache.Memo
	memoTTL  time.Duration
	siteID   string
	events   PageEventPublisher
	reval    Revalidator
	sanitise *bluemonday.Policy
	clock    func() time.Time
}

// SEOPageServiceDeps bundles constructor inputs for the metadata registry service.
type SEOPageServiceDeps struct {
	Pages         repositories.SEOPageRepository
	Audit         AuditLogService
	Catalog       *domain.Catalog
	Cache         *cache.Memo
	CacheTTL      time.Duration
	DefaultSiteID string
	Events        PageEventPublisher
	Revalidator   Revalidator
	Clock         func() time.Time
}

// NewSEOPageService creates the metadata registry service.
func NewSEOPageService(deps SEOPageServiceDeps) (SEOPageService, error) {
	if deps.Pages == nil {
		return nil, errors.New("seo page service: page repository is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("seo page service: audit log service is required")
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = domain.DefaultCatalog()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	siteID := strings.TrimSpace(deps.DefaultSiteID)
	if siteID == "" {
		siteID = domain.DefaultSiteID
	}

	return &seoPageService{
		pages:    deps.Pages,
		audit:    deps.Audit,
		catalog:  catalog,
		memo:     deps.Cache,
		memoTTL:  deps.CacheTTL,
		siteID:   siteID,
		events:   deps.Events,
		reval:    deps.Revalidator,
		sanitise: bluemonday.StrictPolicy(),
		clock:    func() time.Time { return clock().UTC() },
	}, nil
}

func (s *seoPageService) Get(ctx context.Context, siteID, path string) (domain.SEOPage, error) {
	siteID = s.resolveSiteID(siteID)
	path, err := NormalizePath(path)
	if err != nil {
		return domain.SEOPage{}, err
	}

	key := cache.Key(cacheOpPageGet, siteID, path)
	if s.memo != nil {
		if cached, ok := s.memo.Get(key); ok {
			if page, ok := cached.(domain.SEOPage); ok {
				return page, nil
			}
		}
	}

	page, err := s.pages.Get(ctx, siteID, path)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.SEOPage{}, ErrNotFound
		}
		return domain.SEOPage{}, err
	}

	if s.memo != nil {
		s.memo.Set(key, page, s.memoTTL)
	}
	return page, nil
}

func (s *seoPageService) ListPages(ctx context.Context, siteID string) ([]PageOverview, error) {
	siteID = s.resolveSiteID(siteID)

	key := cache.Key(cacheOpPageList, siteID)
	if s.memo != nil {
		if cached, ok := s.memo.Get(key); ok {
			if overview, ok := cached.([]PageOverview); ok {
				return overview, nil
			}
		}
	}

	records, err := s.pages.List(ctx, repositories.SEOPageFilter{SiteID: siteID})
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]domain.SEOPage, len(records))
	for _, record := range records {
		byPath[record.Path] = record
	}

	catalogPages := s.catalog.Pages()
	overview := make([]PageOverview, 0, len(catalogPages))
	seen := make(map[string]struct{}, len(catalogPages))
	for _, entry := range catalogPages {
		item := PageOverview{
			Path:        entry.Path,
			DefaultSlug: entry.DefaultSlug,
			Category:    entry.Category,
		}
		if record, ok := byPath[entry.Path]; ok {
			recordCopy := record
			item.HasOverride = true
			item.Record = &recordCopy
			item.Score, item.Suggestions = BestPractices(record)
		}
		overview = append(overview, item)
		seen[entry.Path] = struct{}{}
	}

	// Overrides for paths outside the catalog still show up in the admin table.
	for _, record := range records {
		if _, ok := seen[record.Path]; ok {
			continue
		}
		recordCopy := record
		score, suggestions := BestPractices(record)
		overview = append(overview, PageOverview{
			Path:        record.Path,
			DefaultSlug: domain.DeriveSlug(record.Path),
			Category:    record.Category,
			HasOverride: true,
			Record:      &recordCopy,
			Score:       score,
			Suggestions: suggestions,
		})
	}

	if s.memo != nil {
		s.memo.Set(key, overview, s.memoTTL)
	}
	return overview, nil
}

func (s *seoPageService) Upsert(ctx context.Context, input UpsertPageInput) (domain.SEOPage, error) {
	record, err := s.buildRecord(input)
	if err != nil {
		return domain.SEOPage{}, err
	}

	existing, err := s.pages.Get(ctx, record.SiteID, record.Path)
	exists := err == nil
	if err != nil && !repositories.IsNotFound(err) {
		return domain.SEOPage{}, err
	}

	now := s.clock()
	record.UpdatedAt = now
	record.UpdatedBy = input.ActorID
	if exists {
		record.CreatedAt = existing.CreatedAt
		record.CreatedBy = existing.CreatedBy
	} else {
		record.CreatedAt = now
		record.CreatedBy = input.ActorID
	}

	changes := diffPages(existing, record, exists)
	if exists && len(changes) == 0 {
		return existing, nil
	}

	stored, err := s.pages.Upsert(ctx, record)
	if err != nil {
		return domain.SEOPage{}, err
	}

	action := domain.AuditActionCreate
	if exists {
		action = domain.AuditActionUpdate
		if len(changes) == 1 && changes[0].Field == "slug" {
			action = domain.AuditActionSlugChange
		}
	}
	s.recordAudit(ctx, RecordAuditInput{
		SiteID:      stored.SiteID,
		Action:      action,
		EntityType:  domain.AuditEntitySEOPage,
		EntityID:    stored.ID,
		Path:        stored.Path,
		Changes:     changes,
		Meta:        input.Meta,
		PerformedBy: input.ActorID,
	})

	s.invalidate(stored.SiteID, stored.Path)
	s.notify(ctx, stored.SiteID, stored.Path, string(action), input.ActorID)

	return stored, nil
}

func (s *seoPageService) Delete(ctx context.Context, input DeletePageInput) (domain.SEOPage, error) {
	siteID := s.resolveSiteID(input.SiteID)
	path, err := NormalizePath(input.Path)
	if err != nil {
		return domain.SEOPage{}, err
	}

	existing, err := s.pages.Get(ctx, siteID, path)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.SEOPage{}, ErrNotFound
		}
		return domain.SEOPage{}, err
	}

	if err := s.pages.Delete(ctx, siteID, path); err != nil {
		if repositories.IsNotFound(err) {
			return domain.SEOPage{}, ErrNotFound
		}
		return domain.SEOPage{}, err
	}

	s.recordAudit(ctx, RecordAuditInput{
		SiteID:      siteID,
		Action:      domain.AuditActionDelete,
		EntityType:  domain.AuditEntitySEOPage,
		EntityID:    existing.ID,
		Path:        path,
		Changes:     deletionChanges(existing),
		Meta:        input.Meta,
		PerformedBy: input.ActorID,
	})

	s.invalidate(siteID, path)
	s.notify(ctx, siteID, path, string(domain.AuditActionDelete), input.ActorID)

	return existing, nil
}

func (s *seoPageService) Validate(_ context.Context, input UpsertPageInput) (MetadataReport, error) {
	record, err := s.buildRecord(input)
	if err != nil {
		var validation *ValidationError
		if errors.As(err, &validation) {
			// Field errors surface inside the report for the editing UI.
			return reportWithErrors(input, validation), nil
		}
		return MetadataReport{}, err
	}
	return Report(record), nil
}

func (s *seoPageService) buildRecord(input UpsertPageInput) (domain.SEOPage, error) {
	return buildPageRecord(s.catalog, s.sanitise, s.resolveSiteID(input.SiteID), input)
}

// buildPageRecord sanitises, defaults, and validates the input into a
// persistable record. Shared by single upserts and bulk items so both apply
// identical rules.
func buildPageRecord(catalog *domain.Catalog, policy *bluemonday.Policy, siteID string, input UpsertPageInput) (domain.SEOPage, error) {
	path, err := NormalizePath(input.Path)
	if err != nil {
		return domain.SEOPage{}, err
	}

	catalogEntry, inCatalog := catalog.Lookup(path)

	clean := func(value string) string {
		return strings.TrimSpace(policy.Sanitize(value))
	}
	record := domain.SEOPage{
		SiteID:          siteID,
		Path:            path,
		MetaTitle:       clean(input.MetaTitle),
		MetaDescription: clean(input.MetaDescription),
		Robots:          strings.TrimSpace(input.Robots),
		OpenGraph: domain.OpenGraph{
			Title:       clean(input.OpenGraph.Title),
			Description: clean(input.OpenGraph.Description),
			Image:       strings.TrimSpace(input.OpenGraph.Image),
		},
		Category: input.Category,
		IsCustom: input.IsCustom,
	}

	slug := strings.TrimSpace(input.Slug)
	switch {
	case slug != "":
		record.Slug = FoldSlug(slug)
	case inCatalog:
		record.Slug = catalogEntry.DefaultSlug
	default:
		record.Slug = domain.DeriveSlug(path)
	}

	if record.Robots == "" {
		record.Robots = domain.RobotsDefault
	}
	if !domain.KnownCategory(record.Category) {
		if inCatalog {
			record.Category = catalogEntry.Category
		} else {
			record.Category = domain.CategoryOther
		}
	}

	validation := &ValidationError{}
	if result := ValidateMetaTitle(record.MetaTitle); !result.IsValid {
		validation.Add("metaTitle", result.Message)
	}
	if result := ValidateMetaDescription(record.MetaDescription); !result.IsValid {
		validation.Add("metaDescription", result.Message)
	}
	if result := ValidateSlug(record.Slug); !result.IsValid {
		validation.Add("slug", result.Message)
	}
	if result := ValidateOpenGraphImage(record.OpenGraph.Image); !result.IsValid {
		validation.Add("openGraph.image", result.Message)
	}
	if result := ValidateRobots(record.Robots); !result.IsValid {
		validation.Add("robots", result.Message)
	}
	if !validation.Empty() {
		return domain.SEOPage{}, validation
	}

	return record, nil
}

func (s *seoPageService) resolveSiteID(siteID string) string {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return s.siteID
	}
	return siteID
}

// invalidate clears every cache family whose derived data the write could
// affect. Runs synchronously before the mutation returns.
func (s *seoPageService) invalidate(siteID, path string) {
	if s.memo == nil {
		return
	}
	s.memo.Delete(cache.Key(cacheOpPageGet, siteID, path))
	s.memo.DeletePrefix(cacheOpPageList)
	s.memo.DeletePrefix(cacheOpSitemap)
}

func (s *seoPageService) recordAudit(ctx context.Context, input RecordAuditInput) {
	if err := s.audit.Record(ctx, input); err != nil {
		// The primary write is authoritative; a missing audit entry is logged
		// for monitoring, never rolled back.
		requestctx.Logger(ctx).Error("audit entry write failed",
			zap.String("site_id", input.SiteID),
			zap.String("path", input.Path),
			zap.String("action", string(input.Action)),
			zap.Error(err),
		)
	}
}

func (s *seoPageService) notify(ctx context.Context, siteID, path, action, actorID string) {
	if s.events != nil {
		event := PageEvent{
			SiteID:     siteID,
			Path:       path,
			Action:     action,
			ActorID:    actorID,
			OccurredAt: s.clock(),
		}
		if _, err := s.events.PublishPageEvent(ctx, event); err != nil {
			requestctx.Logger(ctx).Warn("page event publish failed",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
	if s.reval != nil {
		s.reval.Ping(ctx, siteID, []string{path})
	}
}

// NormalizePath collapses multi-level URL-encoding and checks path shape.
// Decoding loops until the value is stable; values still changing after
// decodeLoopCap passes are rejected. The "home" sentinel canonicalises to "/"
// so homepage overrides always share one storage key.
func NormalizePath(raw string) (string, error) {
	current := strings.TrimSpace(raw)
	if current == "" {
		return "", NewValidationError("path", "path is required")
	}

	decoded := current
	for i := 0; ; i++ {
		if i >= decodeLoopCap {
			return "", NewValidationError("path", fmt.Sprintf("path remains encoded after %d decode passes", decodeLoopCap))
		}
		// PathUnescape, not QueryUnescape: a literal "+" is a valid path
		// character and must survive decoding.
		next, err := url.PathUnescape(decoded)
		if err != nil {
			return "", NewValidationError("path", "path contains malformed URL encoding")
		}
		if next == decoded {
			break
		}
		decoded = next
	}

	if domain.IsHomePath(decoded) {
		return "/", nil
	}
	if !strings.HasPrefix(decoded, "/") {
		return "", NewValidationError("path", "path must start with / or equal home")
	}
	return strings.TrimRight(decoded, "/"), nil
}

func diffPages(old, updated domain.SEOPage, exists bool) []domain.FieldChange {
	var changes []domain.FieldChange
	record := func(field string, oldValue, newValue any) {
		if oldValue == newValue {
			return
		}
		if !exists {
			oldValue = nil
		}
		changes = append(changes, domain.FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
	}

	record("slug", old.Slug, updated.Slug)
	record("metaTitle", old.MetaTitle, updated.MetaTitle)
	record("metaDescription", old.MetaDescription, updated.MetaDescription)
	record("robots", old.Robots, updated.Robots)
	record("openGraph.title", old.OpenGraph.Title, updated.OpenGraph.Title)
	record("openGraph.description", old.OpenGraph.Description, updated.OpenGraph.Description)
	record("openGraph.image", old.OpenGraph.Image, updated.OpenGraph.Image)
	record("category", string(old.Category), string(updated.Category))
	record("isCustom", old.IsCustom, updated.IsCustom)

	if !exists {
		// Creation diffs only list populated fields.
		populated := changes[:0]
		for _, change := range changes {
			if change.NewValue == "" || change.NewValue == nil || change.NewValue == false {
				continue
			}
			populated = append(populated, change)
		}
		changes = populated
	}
	return changes
}

func deletionChanges(old domain.SEOPage) []domain.FieldChange {
	var changes []domain.FieldChange
	record := func(field string, oldValue any) {
		if oldValue == "" || oldValue == nil || oldValue == false {
			return
		}
		changes = append(changes, domain.FieldChange{Field: field, OldValue: oldValue})
	}

	record("slug", old.Slug)
	record("metaTitle", old.MetaTitle)
	record("metaDescription", old.MetaDescription)
	record("robots", old.Robots)
	record("openGraph.title", old.OpenGraph.Title)
	record("openGraph.description", old.OpenGraph.Description)
	record("openGraph.image", old.OpenGraph.Image)
	record("category", string(old.Category))
	record("isCustom", old.IsCustom)
	return changes
}

func reportWithErrors(input UpsertPageInput, validation *ValidationError) MetadataReport {
	report := MetadataReport{
		Title:       ValidateMetaTitle(input.MetaTitle),
		Description: ValidateMetaDescription(input.MetaDescription),
		Slug:        ValidateSlug(input.Slug),
		OGImage:     ValidateOpenGraphImage(input.OpenGraph.Image),
	}
	report.Score, report.Suggestions = BestPractices(domain.SEOPage{
		MetaTitle:       input.MetaTitle,
		MetaDescription: input.MetaDescription,
		Slug:            input.Slug,
		OpenGraph:       input.OpenGraph,
	})
	report.IsValid = validation.Empty()
	return report
}
