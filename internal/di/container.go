package di

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/platform/config"
	"github.com/sitewise/api/internal/platform/jobs"
	"github.com/sitewise/api/internal/platform/storage"
	"github.com/sitewise/api/internal/repositories"
	"github.com/sitewise/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Pages    services.SEOPageService
	Audit    services.AuditLogService
	Bulk     services.BulkCoordinator
	Sitemaps services.SitemapService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Cache        *cache.Memo
	Catalog      *domain.Catalog

	exporter *storage.Exporter
	events   *pubsub.Client
}

// Option customises container assembly, primarily so tests can swap external
// integrations for in-memory fakes.
type Option func(*containerOptions)

type containerOptions struct {
	clock       func() time.Time
	catalog     *domain.Catalog
	revalidator services.Revalidator
	writer      services.SitemapWriter
	events      services.PageEventPublisher
	clientOpts  []option.ClientOption
}

// WithClock overrides the time source used by all services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// WithCatalog injects a page catalog, bypassing the configured catalog file.
func WithCatalog(catalog *domain.Catalog) Option {
	return func(o *containerOptions) {
		o.catalog = catalog
	}
}

// WithRevalidator injects a frontend revalidator, bypassing the HTTP one.
func WithRevalidator(reval services.Revalidator) Option {
	return func(o *containerOptions) {
		o.revalidator = reval
	}
}

// WithSitemapWriter injects a sitemap object writer, bypassing Cloud Storage.
func WithSitemapWriter(writer services.SitemapWriter) Option {
	return func(o *containerOptions) {
		o.writer = writer
	}
}

// WithEventPublisher injects a page event publisher, bypassing Pub/Sub.
func WithEventPublisher(events services.PageEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = events
	}
}

// WithClientOptions forwards Google Cloud client options to the storage and
// Pub/Sub clients created by the container.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *containerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the Firestore
// registry, while tests can supply in-memory registries and fakes via options.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	catalog := options.catalog
	if catalog == nil {
		loaded, err := loadCatalog(cfg.Site.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("load page catalog: %w", err)
		}
		catalog = loaded
	}

	container := &Container{
		Config:       cfg,
		Repositories: reg,
		Cache:        cache.NewMemo(cache.WithClock(options.clock)),
		Catalog:      catalog,
	}

	if err := container.buildIntegrations(ctx, cfg, &options); err != nil {
		return nil, err
	}

	svc, err := buildServices(cfg, reg, container, options)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = container.Close(closeCtx)
		return nil, err
	}
	container.Services = svc

	return container, nil
}

// buildIntegrations creates the optional external clients the services lean on.
// Each one is keyed off configuration; absent configuration means the concern
// is disabled rather than an error.
func (c *Container) buildIntegrations(ctx context.Context, cfg config.Config, options *containerOptions) error {
	if options.writer == nil && cfg.Sitemap.ExportBucket != "" {
		exporter, err := storage.NewExporter(ctx, cfg.Sitemap.ExportBucket, cfg.Sitemap.ExportPrefix, options.clientOpts)
		if err != nil {
			return fmt.Errorf("build sitemap exporter: %w", err)
		}
		c.exporter = exporter
		options.writer = exporter
	}

	if options.events == nil && cfg.Events.Enabled() {
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID, options.clientOpts...)
		if err != nil {
			return fmt.Errorf("build pubsub client: %w", err)
		}
		c.events = client
		publisher, err := jobs.NewPubSubPageEventPublisher(client.Topic(cfg.Events.TopicID))
		if err != nil {
			return fmt.Errorf("build page event publisher: %w", err)
		}
		options.events = publisher
	}

	if options.revalidator == nil && cfg.Revalidation.Endpoint != "" {
		reval, err := services.NewHTTPRevalidator(services.HTTPRevalidatorDeps{
			Endpoint:    cfg.Revalidation.Endpoint,
			Token:       cfg.Revalidation.Token,
			Timeout:     cfg.Revalidation.Timeout,
			MaxAttempts: cfg.Revalidation.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("build revalidator: %w", err)
		}
		options.revalidator = reval
	}

	return nil
}

// Close releases repository clients, external integrations, and the cache sweeper.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}

	var errs []error
	if c.Cache != nil {
		c.Cache.StopSweeper()
	}
	if c.events != nil {
		if err := c.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if c.exporter != nil {
		if err := c.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sitemap exporter: %w", err))
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close repositories: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildServices(cfg config.Config, reg repositories.Registry, c *Container, options containerOptions) (Services, error) {
	var svc Services

	auditRepo := reg.AuditLogs()
	if auditRepo == nil {
		return Services{}, errors.New("audit log repository is required")
	}
	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Logs:          auditRepo,
		Retention:     cfg.Audit.Retention,
		MaxPageSize:   cfg.Audit.MaxPageSize,
		DefaultSiteID: cfg.Site.DefaultSiteID,
		Cache:         c.Cache,
		StatsTTL:      cfg.Cache.StatsTTL,
		Clock:         options.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = auditSvc

	pagesRepo := reg.SEOPages()
	if pagesRepo == nil {
		return Services{}, errors.New("seo page repository is required")
	}
	pageSvc, err := services.NewSEOPageService(services.SEOPageServiceDeps{
		Pages:         pagesRepo,
		Audit:         svc.Audit,
		Catalog:       c.Catalog,
		Cache:         c.Cache,
		CacheTTL:      cfg.Cache.MetadataTTL,
		DefaultSiteID: cfg.Site.DefaultSiteID,
		Events:        options.events,
		Revalidator:   options.revalidator,
		Clock:         options.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build seo page service: %w", err)
	}
	svc.Pages = pageSvc

	bulkSvc, err := services.NewBulkCoordinator(services.BulkCoordinatorDeps{
		Pages:         pagesRepo,
		Audit:         svc.Audit,
		Catalog:       c.Catalog,
		Cache:         c.Cache,
		DefaultSiteID: cfg.Site.DefaultSiteID,
		RoleLimits:    cfg.Bulk.RoleLimits,
		DefaultLimit:  cfg.Bulk.DefaultLimit,
		Revalidator:   options.revalidator,
		Clock:         options.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build bulk coordinator: %w", err)
	}
	svc.Bulk = bulkSvc

	sitemapSvc, err := services.NewSitemapService(services.SitemapServiceDeps{
		Pages:          pagesRepo,
		Catalog:        c.Catalog,
		Cache:          c.Cache,
		CacheTTL:       cfg.Cache.SitemapTTL,
		BaseURL:        cfg.Site.BaseURL,
		MaxURLsPerFile: cfg.Sitemap.MaxURLsPerFile,
		Writer:         options.writer,
		DefaultSiteID:  cfg.Site.DefaultSiteID,
		Clock:          options.clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sitemap service: %w", err)
	}
	svc.Sitemaps = sitemapSvc

	return svc, nil
}

// catalogFileEntry is the on-disk shape of one catalog page.
type catalogFileEntry struct {
	Path     string `json:"path"`
	Slug     string `json:"slug"`
	Category string `json:"category"`
}

// loadCatalog reads the page catalog from the given JSON file. An empty path
// falls back to the built-in catalog.
func loadCatalog(path string) (*domain.Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.DefaultCatalog(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []catalogFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog file %s lists no pages", path)
	}

	pages := make([]domain.PredefinedPage, 0, len(entries))
	for _, entry := range entries {
		pages = append(pages, domain.PredefinedPage{
			Path:        entry.Path,
			DefaultSlug: entry.Slug,
			Category:    domain.PageCategory(entry.Category),
		})
	}
	return domain.NewCatalog(pages), nil
}
