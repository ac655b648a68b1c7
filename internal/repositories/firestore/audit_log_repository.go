package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/sitewise/api/internal/domain"
	pfirestore "github.com/sitewise/api/internal/platform/firestore"
	"github.com/sitewise/api/internal/repositories"
)

const auditLogsCollection = "seoAuditLogs"

type auditFieldChange struct {
	Field    string `firestore:"field"`
	OldValue any    `firestore:"oldValue,omitempty"`
	NewValue any    `firestore:"newValue,omitempty"`
}

type auditLogDocument struct {
	ID            string             `firestore:"-"`
	SiteID        string             `firestore:"siteId"`
	Action        string             `firestore:"action"`
	EntityType    string             `firestore:"entityType"`
	EntityID      string             `firestore:"entityId,omitempty"`
	Path          string             `firestore:"path,omitempty"`
	Changes       []auditFieldChange `firestore:"changes,omitempty"`
	UserAgent     string             `firestore:"userAgent,omitempty"`
	IPAddress     string             `firestore:"ipAddress,omitempty"`
	BulkOperation bool               `firestore:"bulkOperation,omitempty"`
	AffectedPaths []string           `firestore:"affectedPaths,omitempty"`
	PerformedBy   string             `firestore:"performedBy"`
	PerformedAt   time.Time          `firestore:"performedAt"`
	ExpiresAt     time.Time          `firestore:"expiresAt"`
}

// AuditLogRepository stores the append-only mutation trail in Firestore.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[domain.AuditLogEntry]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.AuditLogEntry) (any, error) {
		return encodeAuditLogDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.AuditLogEntry, error) {
		var doc auditLogDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.AuditLogEntry{}, err
		}
		doc.ID = snap.Ref.ID
		return decodeAuditLogDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.AuditLogEntry](provider, auditLogsCollection, encoder, decoder)
	return &AuditLogRepository{base: base}, nil
}

// Append writes an immutable entry under its ULID. Entries are never updated.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("audit log repository: entry id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, entry.ID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeAuditLogDocument(entry)); err != nil {
		return pfirestore.WrapError("seo_audit_logs.append", err)
	}
	return nil
}

// Query returns entries newest-first matching the filter. Substring path
// matching has no Firestore operator, so it is applied after the indexed
// filters, before pagination.
func (r *AuditLogRepository) Query(ctx context.Context, filter repositories.AuditLogFilter, page domain.PageRequest) (domain.Page[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.Page[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}
	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit < 1 {
		page.Limit = 20
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if filter.SiteID != "" {
			query = query.Where("siteId", "==", filter.SiteID)
		}
		if filter.Action != "" {
			query = query.Where("action", "==", string(filter.Action))
		}
		if filter.EntityType != "" {
			query = query.Where("entityType", "==", string(filter.EntityType))
		}
		if !filter.From.IsZero() {
			query = query.Where("performedAt", ">=", filter.From)
		}
		if !filter.To.IsZero() {
			query = query.Where("performedAt", "<=", filter.To)
		}
		return query.OrderBy("performedAt", firestore.Desc)
	})
	if err != nil {
		return domain.Page[domain.AuditLogEntry]{}, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	needle := strings.TrimSpace(filter.PathContains)
	for _, doc := range docs {
		if needle != "" && !strings.Contains(doc.Data.Path, needle) {
			continue
		}
		entries = append(entries, doc.Data)
	}

	total := int64(len(entries))
	totalPages := int((total + int64(page.Limit) - 1) / int64(page.Limit))

	start := (page.Page - 1) * page.Limit
	if start > len(entries) {
		start = len(entries)
	}
	end := start + page.Limit
	if end > len(entries) {
		end = len(entries)
	}

	return domain.Page[domain.AuditLogEntry]{
		Items:      entries[start:end],
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// ListSince returns all entries for a site created at or after the given instant, newest first.
func (r *AuditLogRepository) ListSince(ctx context.Context, siteID string, since time.Time) ([]domain.AuditLogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("audit log repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if siteID != "" {
			query = query.Where("siteId", "==", siteID)
		}
		return query.Where("performedAt", ">=", since).OrderBy("performedAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data)
	}
	return entries, nil
}

// PurgeExpired removes up to limit entries whose retention expiry has passed.
func (r *AuditLogRepository) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("audit log repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}

	deleted, err := r.base.DeleteMatching(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("expiresAt", "<=", now).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	return len(deleted), nil
}

func encodeAuditLogDocument(entry domain.AuditLogEntry) auditLogDocument {
	changes := make([]auditFieldChange, 0, len(entry.Changes))
	for _, change := range entry.Changes {
		changes = append(changes, auditFieldChange{
			Field:    change.Field,
			OldValue: change.OldValue,
			NewValue: change.NewValue,
		})
	}
	return auditLogDocument{
		SiteID:        entry.SiteID,
		Action:        string(entry.Action),
		EntityType:    string(entry.EntityType),
		EntityID:      entry.EntityID,
		Path:          entry.Path,
		Changes:       changes,
		UserAgent:     entry.Metadata.UserAgent,
		IPAddress:     entry.Metadata.IPAddress,
		BulkOperation: entry.Metadata.BulkOperation,
		AffectedPaths: entry.Metadata.AffectedPaths,
		PerformedBy:   entry.PerformedBy,
		PerformedAt:   entry.PerformedAt,
		ExpiresAt:     entry.ExpiresAt,
	}
}

func decodeAuditLogDocument(doc auditLogDocument) domain.AuditLogEntry {
	changes := make([]domain.FieldChange, 0, len(doc.Changes))
	for _, change := range doc.Changes {
		changes = append(changes, domain.FieldChange{
			Field:    change.Field,
			OldValue: change.OldValue,
			NewValue: change.NewValue,
		})
	}
	return domain.AuditLogEntry{
		ID:         doc.ID,
		SiteID:     doc.SiteID,
		Action:     domain.AuditAction(doc.Action),
		EntityType: domain.AuditEntityType(doc.EntityType),
		EntityID:   doc.EntityID,
		Path:       doc.Path,
		Changes:    changes,
		Metadata: domain.AuditMetadata{
			UserAgent:     doc.UserAgent,
			IPAddress:     doc.IPAddress,
			BulkOperation: doc.BulkOperation,
			AffectedPaths: doc.AffectedPaths,
		},
		PerformedBy: doc.PerformedBy,
		PerformedAt: doc.PerformedAt,
		ExpiresAt:   doc.ExpiresAt,
	}
}
