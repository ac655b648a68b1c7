package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/sitewise/api/internal/platform/firestore"
	"github.com/sitewise/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repositories.Registry interface.
type Registry struct {
	provider *pfirestore.Provider
	seoPages *SEOPageRepository
	audits   *AuditLogRepository
}

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	seoPages, err := NewSEOPageRepository(provider)
	if err != nil {
		return nil, err
	}
	audits, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		seoPages: seoPages,
		audits:   audits,
	}, nil
}

// SEOPages returns the SEO page repository.
func (r *Registry) SEOPages() repositories.SEOPageRepository { return r.seoPages }

// AuditLogs returns the audit log repository.
func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.audits }

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
