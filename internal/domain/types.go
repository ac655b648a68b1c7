package domain

import (
	"strings"
	"time"
)

// DefaultSiteID identifies the tenant used by single-site deployments.
const DefaultSiteID = "default"

// HomePath is the sentinel path value accepted for the site root alongside "/".
const HomePath = "home"

// Page wraps an offset-paginated result set.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	Total      int64
	TotalPages int
}

// PageRequest carries offset pagination inputs for list queries.
type PageRequest struct {
	Page  int
	Limit int
}

// PageCategory classifies a site path for sitemap priority and change frequency.
type PageCategory string

const (
	CategoryMain     PageCategory = "main"
	CategoryServices PageCategory = "services"
	CategoryBlog     PageCategory = "blog"
	CategoryAbout    PageCategory = "about"
	CategoryContact  PageCategory = "contact"
	CategoryOther    PageCategory = "other"
)

// KnownCategory reports whether the value belongs to the page category enum.
func KnownCategory(value PageCategory) bool {
	switch value {
	case CategoryMain, CategoryServices, CategoryBlog, CategoryAbout, CategoryContact, CategoryOther:
		return true
	}
	return false
}

// RobotsDefault is applied when a record carries no robots directives.
const RobotsDefault = "index,follow"

// RobotsVocabulary lists every directive accepted in the robots field.
var RobotsVocabulary = []string{
	"index", "noindex", "follow", "nofollow",
	"archive", "noarchive", "snippet", "nosnippet",
}

// KnownRobotsDirective reports whether the directive is part of the fixed vocabulary.
func KnownRobotsDirective(directive string) bool {
	directive = strings.ToLower(strings.TrimSpace(directive))
	for _, known := range RobotsVocabulary {
		if directive == known {
			return true
		}
	}
	return false
}

// OpenGraph holds the optional social sharing metadata attached to a page.
type OpenGraph struct {
	Title       string
	Description string
	Image       string
}

// IsZero reports whether no OpenGraph field is populated.
func (og OpenGraph) IsZero() bool {
	return og.Title == "" && og.Description == "" && og.Image == ""
}

// SEOPage is the per-(site, path) metadata record managed by the admin backend.
// The (SiteID, Path) pair is unique; deleting a record reverts the path to
// catalog defaults.
type SEOPage struct {
	ID              string
	SiteID          string
	Path            string
	Slug            string
	MetaTitle       string
	MetaDescription string
	Robots          string
	OpenGraph       OpenGraph
	Category        PageCategory
	IsCustom        bool
	CreatedBy       string
	UpdatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditAction enumerates the mutation kinds recorded in the audit log.
type AuditAction string

const (
	AuditActionCreate         AuditAction = "create"
	AuditActionUpdate         AuditAction = "update"
	AuditActionDelete         AuditAction = "delete"
	AuditActionReset          AuditAction = "reset"
	AuditActionBulkUpdate     AuditAction = "bulk_update"
	AuditActionBulkDelete     AuditAction = "bulk_delete"
	AuditActionBulkReset      AuditAction = "bulk_reset"
	AuditActionSlugChange     AuditAction = "slug_change"
	AuditActionRedirectCreate AuditAction = "redirect_create"
)

// KnownAuditAction reports whether the action belongs to the audit action enum.
func KnownAuditAction(action AuditAction) bool {
	switch action {
	case AuditActionCreate, AuditActionUpdate, AuditActionDelete, AuditActionReset,
		AuditActionBulkUpdate, AuditActionBulkDelete, AuditActionBulkReset,
		AuditActionSlugChange, AuditActionRedirectCreate:
		return true
	}
	return false
}

// AuditEntityType identifies what kind of record an audit entry refers to.
type AuditEntityType string

const (
	AuditEntitySEOPage  AuditEntityType = "seo_page"
	AuditEntityRedirect AuditEntityType = "redirect"
)

// FieldChange records a single field transition inside an audit entry. Only
// fields whose values actually differ are recorded.
type FieldChange struct {
	Field    string
	OldValue any
	NewValue any
}

// AuditMetadata carries request-scoped context attached to an audit entry.
type AuditMetadata struct {
	UserAgent     string
	IPAddress     string
	BulkOperation bool
	AffectedPaths []string
}

// AuditLogEntry is the append-only record written for every metadata mutation.
// Entries are immutable once written and expire after the retention window.
type AuditLogEntry struct {
	ID          string
	SiteID      string
	Action      AuditAction
	EntityType  AuditEntityType
	EntityID    string
	Path        string
	Changes     []FieldChange
	Metadata    AuditMetadata
	PerformedBy string
	PerformedAt time.Time
	ExpiresAt   time.Time
}

// AuditStats aggregates audit activity over a trailing window.
type AuditStats struct {
	TotalChanges        int64
	UniquePagesModified int
	ActionBreakdown     map[AuditAction]int64
	TopUsers            []AuditUserActivity
	WindowDays          int
}

// AuditUserActivity counts mutations per actor within a stats window.
type AuditUserActivity struct {
	User  string
	Count int64
}

// PredefinedPage is one entry of the read-only page catalog: the source of
// truth for which paths exist on the site absent a custom override.
type PredefinedPage struct {
	Path        string
	DefaultSlug string
	Category    PageCategory
}

// ChangeFrequency enumerates the sitemap changefreq vocabulary in use.
type ChangeFrequency string

const (
	FreqWeekly  ChangeFrequency = "weekly"
	FreqMonthly ChangeFrequency = "monthly"
	FreqYearly  ChangeFrequency = "yearly"
)

// SitemapEntry is a derived sitemap row. It is computed per generation call
// and never persisted.
type SitemapEntry struct {
	URL             string
	LastModified    time.Time
	ChangeFrequency ChangeFrequency
	Priority        float64
}
