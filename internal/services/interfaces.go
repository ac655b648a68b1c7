package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sitewise/api/internal/domain"
)

// ErrNotFound signals that no record exists for the requested (siteId, path).
var ErrNotFound = errors.New("services: record not found")

// ValidationError reports field-level constraint violations. The mutation is
// never attempted when one is returned.
type ValidationError struct {
	fields map[string]string
}

// NewValidationError constructs a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{fields: map[string]string{field: message}}
}

// Add records an additional offending field.
func (e *ValidationError) Add(field, message string) {
	if e.fields == nil {
		e.fields = make(map[string]string)
	}
	e.fields[field] = message
}

// Empty reports whether no violation has been recorded.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.fields) == 0
}

// Fields returns the field → message map.
func (e *ValidationError) Fields() map[string]string {
	if e == nil {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for field, message := range e.fields {
		out[field] = message
	}
	return out
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.fields))
	for field := range e.fields {
		names = append(names, field)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, field := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.fields[field]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// LimitExceededError is returned when a bulk request exceeds the role ceiling.
// Nothing is persisted and no audit entry is written.
type LimitExceededError struct {
	Role      string
	Limit     int
	Requested int
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("bulk operation of %d items exceeds the %s limit of %d", e.Requested, e.Role, e.Limit)
}

// ChunkOutOfRangeError is returned when a sitemap chunk index exceeds the
// available chunk count. Handlers map it to 404, distinct from generic failures.
type ChunkOutOfRangeError struct {
	Chunk  int
	Chunks int
}

// Error implements the error interface.
func (e *ChunkOutOfRangeError) Error() string {
	return fmt.Sprintf("sitemap chunk %d out of range (1-%d)", e.Chunk, e.Chunks)
}

// RequestMeta carries request-scoped context recorded on audit entries.
type RequestMeta struct {
	UserAgent string
	IPAddress string
}

// PageEvent is published after successful metadata mutations so downstream
// consumers can react. Publishing is best-effort.
type PageEvent struct {
	SiteID     string    `json:"siteId"`
	Path       string    `json:"path"`
	Action     string    `json:"action"`
	ActorID    string    `json:"actorId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PageEventPublisher publishes page-change events.
type PageEventPublisher interface {
	PublishPageEvent(ctx context.Context, event PageEvent) (string, error)
}

// Revalidator triggers a best-effort frontend cache revalidation. It swallows
// its own failures; callers never see them.
type Revalidator interface {
	Ping(ctx context.Context, siteID string, paths []string)
}

// SitemapWriter persists rendered sitemap XML, returning the object name.
type SitemapWriter interface {
	WriteObject(ctx context.Context, name string, data []byte) (string, error)
}

// UpsertPageInput carries a create-or-overwrite request for one path.
type UpsertPageInput struct {
	SiteID          string
	Path            string
	Slug            string
	MetaTitle       string
	MetaDescription string
	Robots          string
	OpenGraph       domain.OpenGraph
	Category        domain.PageCategory
	IsCustom        bool
	ActorID         string
	Meta            RequestMeta
}

// DeletePageInput identifies the record to delete (reset to catalog defaults).
type DeletePageInput struct {
	SiteID  string
	Path    string
	ActorID string
	Meta    RequestMeta
}

// PageOverview merges one catalog entry with its override state for admin listings.
type PageOverview struct {
	Path        string
	DefaultSlug string
	Category    domain.PageCategory
	HasOverride bool
	Record      *domain.SEOPage
	Score       int
	Suggestions []string
}

// SEOPageService manages the per-path metadata registry.
type SEOPageService interface {
	Get(ctx context.Context, siteID, path string) (domain.SEOPage, error)
	ListPages(ctx context.Context, siteID string) ([]PageOverview, error)
	Upsert(ctx context.Context, input UpsertPageInput) (domain.SEOPage, error)
	Delete(ctx context.Context, input DeletePageInput) (domain.SEOPage, error)
	// Validate runs the full validation and scoring pass without persisting.
	Validate(ctx context.Context, input UpsertPageInput) (MetadataReport, error)
}

// AuditQuery filters the audit trail. Limit is clamped to the configured maximum.
type AuditQuery struct {
	SiteID       string
	Action       domain.AuditAction
	EntityType   domain.AuditEntityType
	PathContains string
	DateFrom     time.Time
	DateTo       time.Time
	Page         int
	Limit        int
}

// RecordAuditInput captures one mutation for the append-only trail.
type RecordAuditInput struct {
	SiteID      string
	Action      domain.AuditAction
	EntityType  domain.AuditEntityType
	EntityID    string
	Path        string
	Changes     []domain.FieldChange
	Meta        RequestMeta
	Bulk        bool
	Affected    []string
	PerformedBy string
}

// AuditLogService appends to and queries the immutable mutation trail.
type AuditLogService interface {
	Record(ctx context.Context, input RecordAuditInput) error
	Query(ctx context.Context, query AuditQuery) (domain.Page[domain.AuditLogEntry], error)
	Stats(ctx context.Context, siteID string, windowDays int) (domain.AuditStats, error)
	// PurgeExpired removes entries past the retention window. Best-effort
	// housekeeping; failures are logged, never user-visible.
	PurgeExpired(ctx context.Context) (int, error)
}

// BulkOperation enumerates the bulk mutation kinds.
type BulkOperation string

const (
	BulkUpdate BulkOperation = "bulkUpdate"
	BulkDelete BulkOperation = "bulkDelete"
	BulkReset  BulkOperation = "bulkReset"
)

// BulkPageInput is one item of a bulkUpdate payload.
type BulkPageInput struct {
	Path            string
	Slug            string
	MetaTitle       string
	MetaDescription string
	Robots          string
	OpenGraph       domain.OpenGraph
	Category        domain.PageCategory
}

// BulkRequest describes a bulk mutation across many paths.
type BulkRequest struct {
	SiteID    string
	Operation BulkOperation
	Pages     []BulkPageInput
	Paths     []string
	ActorID   string
	ActorRole string
	Meta      RequestMeta
}

// BulkItemFailure reports one skipped item and why.
type BulkItemFailure struct {
	Path   string
	Reason string
}

// BulkResult summarises a bulk call. Items are reported individually; a
// malformed item never aborts its siblings.
type BulkResult struct {
	OperationID string
	Operation   BulkOperation
	Succeeded   []string
	Failed      []BulkItemFailure
}

// BulkCoordinator applies bulk mutations under per-role ceilings.
type BulkCoordinator interface {
	Execute(ctx context.Context, req BulkRequest) (BulkResult, error)
}

// SitemapService derives and renders the sitemap from catalog plus overrides.
type SitemapService interface {
	// Sitemap renders either a single urlset or a sitemapindex depending on
	// the total entry count.
	Sitemap(ctx context.Context, siteID string) ([]byte, error)
	// Chunk renders the 1-based chunk as a urlset.
	Chunk(ctx context.Context, siteID string, chunk int) ([]byte, error)
	// Export writes the current sitemap files to the CDN bucket and returns
	// the object names.
	Export(ctx context.Context, siteID string) ([]string, error)
}
