package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/sitewise/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	SEOPages() SEOPageRepository
	AuditLogs() AuditLogRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err categorises as a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err categorises as a transient backend outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// SEOPageFilter narrows SEO page listings.
type SEOPageFilter struct {
	SiteID   string
	Category domain.PageCategory
	IsCustom *bool
}

// AuditLogFilter narrows audit log queries. Zero values mean "any".
type AuditLogFilter struct {
	SiteID       string
	Action       domain.AuditAction
	EntityType   domain.AuditEntityType
	PathContains string
	From         time.Time
	To           time.Time
}

// SEOPageRepository persists per-path metadata overrides. Concurrent upserts
// to the same (siteID, path) resolve last-write-wins.
type SEOPageRepository interface {
	Get(ctx context.Context, siteID, path string) (domain.SEOPage, error)
	List(ctx context.Context, filter SEOPageFilter) ([]domain.SEOPage, error)
	Upsert(ctx context.Context, page domain.SEOPage) (domain.SEOPage, error)
	Delete(ctx context.Context, siteID, path string) error
	// DeleteMany removes records for the given paths and returns the paths
	// actually deleted, including the ones removed before an error cut the
	// sweep short. With onlyCustom set, records with isCustom=false are left
	// untouched.
	DeleteMany(ctx context.Context, siteID string, paths []string, onlyCustom bool) ([]string, error)
}

// AuditLogRepository appends and queries the immutable mutation trail.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	Query(ctx context.Context, filter AuditLogFilter, page domain.PageRequest) (domain.Page[domain.AuditLogEntry], error)
	// ListSince returns all entries for a site created at or after the given
	// instant, newest first. Feeds stats aggregation.
	ListSince(ctx context.Context, siteID string, since time.Time) ([]domain.AuditLogEntry, error)
	// PurgeExpired deletes up to limit entries whose retention expiry has
	// passed, returning the number removed.
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}
