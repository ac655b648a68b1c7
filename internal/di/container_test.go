package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/config"
	"github.com/sitewise/api/internal/repositories"
)

type memoryRegistry struct {
	pages  repositories.SEOPageRepository
	audits repositories.AuditLogRepository
	closed bool
}

func (r *memoryRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func (r *memoryRegistry) SEOPages() repositories.SEOPageRepository { return r.pages }

func (r *memoryRegistry) AuditLogs() repositories.AuditLogRepository { return r.audits }

type memoryPageRepo struct{}

func (memoryPageRepo) Get(context.Context, string, string) (domain.SEOPage, error) {
	return domain.SEOPage{}, nil
}

func (memoryPageRepo) List(context.Context, repositories.SEOPageFilter) ([]domain.SEOPage, error) {
	return nil, nil
}

func (memoryPageRepo) Upsert(_ context.Context, page domain.SEOPage) (domain.SEOPage, error) {
	return page, nil
}

func (memoryPageRepo) Delete(context.Context, string, string) error { return nil }

func (memoryPageRepo) DeleteMany(context.Context, string, []string, bool) ([]string, error) {
	return nil, nil
}

type memoryAuditRepo struct{}

func (memoryAuditRepo) Append(context.Context, domain.AuditLogEntry) error { return nil }

func (memoryAuditRepo) Query(context.Context, repositories.AuditLogFilter, domain.PageRequest) (domain.Page[domain.AuditLogEntry], error) {
	return domain.Page[domain.AuditLogEntry]{}, nil
}

func (memoryAuditRepo) ListSince(context.Context, string, time.Time) ([]domain.AuditLogEntry, error) {
	return nil, nil
}

func (memoryAuditRepo) PurgeExpired(context.Context, time.Time, int) (int, error) { return 0, nil }

func testConfig() config.Config {
	return config.Config{
		Site: config.SiteConfig{
			BaseURL:       "https://example.com",
			DefaultSiteID: "default",
		},
		Sitemap: config.SitemapConfig{MaxURLsPerFile: 50000},
		Bulk: config.BulkConfig{
			RoleLimits:   map[string]int{"admin": 500, "editor": 100},
			DefaultLimit: 100,
		},
		Audit: config.AuditConfig{
			Retention:   2 * 365 * 24 * time.Hour,
			MaxPageSize: 100,
		},
		Cache: config.CacheConfig{
			MetadataTTL: 5 * time.Minute,
			SitemapTTL:  time.Hour,
		},
	}
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{pages: memoryPageRepo{}, audits: memoryAuditRepo{}}
}

func TestNewContainerBuildsAllServices(t *testing.T) {
	reg := newMemoryRegistry()
	container, err := NewContainer(context.Background(), testConfig(), reg)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}

	if container.Services.Pages == nil {
		t.Error("page service not built")
	}
	if container.Services.Audit == nil {
		t.Error("audit service not built")
	}
	if container.Services.Bulk == nil {
		t.Error("bulk coordinator not built")
	}
	if container.Services.Sitemaps == nil {
		t.Error("sitemap service not built")
	}
	if container.Catalog == nil || container.Catalog.Len() == 0 {
		t.Error("catalog not initialised")
	}

	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reg.closed {
		t.Error("registry not closed")
	}
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNewContainerLoadsCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	payload := `[
		{"path": "/", "slug": "home", "category": "main"},
		{"path": "/pricing", "slug": "pricing", "category": "services"}
	]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := testConfig()
	cfg.Site.CatalogFile = path
	container, err := NewContainer(context.Background(), cfg, newMemoryRegistry())
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer container.Close(context.Background())

	if container.Catalog.Len() != 2 {
		t.Fatalf("catalog size = %d, want 2", container.Catalog.Len())
	}
	entry, ok := container.Catalog.Lookup("/pricing")
	if !ok || entry.DefaultSlug != "pricing" {
		t.Errorf("lookup /pricing = %+v, %v", entry, ok)
	}
}

func TestNewContainerRejectsMalformedCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cfg := testConfig()
	cfg.Site.CatalogFile = path
	if _, err := NewContainer(context.Background(), cfg, newMemoryRegistry()); err == nil {
		t.Fatal("expected error for malformed catalog file")
	}
}
