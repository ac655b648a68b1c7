package services

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/repositories"
)

const cacheOpSitemap = "sitemap"

// defaultMaxURLsPerFile is the sitemap protocol's per-file URL ceiling.
const defaultMaxURLsPerFile = 50_000

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

const sitemapNamespace = "http://www.sitemaps.org/schemas/sitemap/0.9"

type sitemapService struct {
	pages      repositories.SEOPageRepository
	catalog    *domain.Catalog
	memo       *cache.Memo
	memoTTL    time.Duration
	baseURL    string
	maxPerFile int
	writer     SitemapWriter
	siteID     string
	clock      func() time.Time
}

// SitemapServiceDeps bundles constructor inputs for the sitemap generator.
type SitemapServiceDeps struct {
	Pages          repositories.SEOPageRepository
	Catalog        *domain.Catalog
	Cache          *cache.Memo
	CacheTTL       time.Duration
	BaseURL        string
	MaxURLsPerFile int
	Writer         SitemapWriter
	DefaultSiteID  string
	Clock          func() time.Time
}

// NewSitemapService creates the sitemap generator.
func NewSitemapService(deps SitemapServiceDeps) (SitemapService, error) {
	if deps.Pages == nil {
		return nil, errors.New("sitemap service: page repository is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(deps.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("sitemap service: base URL is required")
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = domain.DefaultCatalog()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxPerFile := deps.MaxURLsPerFile
	if maxPerFile <= 0 {
		maxPerFile = defaultMaxURLsPerFile
	}
	siteID := strings.TrimSpace(deps.DefaultSiteID)
	if siteID == "" {
		siteID = domain.DefaultSiteID
	}

	return &sitemapService{
		pages:      deps.Pages,
		catalog:    catalog,
		memo:       deps.Cache,
		memoTTL:    deps.CacheTTL,
		baseURL:    baseURL,
		maxPerFile: maxPerFile,
		writer:     deps.Writer,
		siteID:     siteID,
		clock:      func() time.Time { return clock().UTC() },
	}, nil
}

func (s *sitemapService) Sitemap(ctx context.Context, siteID string) ([]byte, error) {
	siteID = s.resolveSiteID(siteID)

	key := cache.Key(cacheOpSitemap, siteID, "root")
	if cached, ok := s.cached(key); ok {
		return cached, nil
	}

	entries, err := s.entries(ctx, siteID)
	if err != nil {
		return nil, err
	}

	var rendered []byte
	if len(entries) <= s.maxPerFile {
		rendered = renderURLSet(entries)
	} else {
		rendered = s.renderIndex(chunkCount(len(entries), s.maxPerFile))
	}

	s.store(key, rendered)
	return rendered, nil
}

func (s *sitemapService) Chunk(ctx context.Context, siteID string, chunk int) ([]byte, error) {
	siteID = s.resolveSiteID(siteID)
	if chunk < 1 {
		return nil, &ChunkOutOfRangeError{Chunk: chunk, Chunks: 0}
	}

	key := cache.Key(cacheOpSitemap, siteID, fmt.Sprintf("chunk:%d", chunk))
	if cached, ok := s.cached(key); ok {
		return cached, nil
	}

	entries, err := s.entries(ctx, siteID)
	if err != nil {
		return nil, err
	}

	chunks := chunkCount(len(entries), s.maxPerFile)
	if chunk > chunks {
		return nil, &ChunkOutOfRangeError{Chunk: chunk, Chunks: chunks}
	}

	start := (chunk - 1) * s.maxPerFile
	end := start + s.maxPerFile
	if end > len(entries) {
		end = len(entries)
	}

	rendered := renderURLSet(entries[start:end])
	s.store(key, rendered)
	return rendered, nil
}

func (s *sitemapService) Export(ctx context.Context, siteID string) ([]string, error) {
	if s.writer == nil {
		return nil, errors.New("sitemap service: no export writer configured")
	}
	siteID = s.resolveSiteID(siteID)

	entries, err := s.entries(ctx, siteID)
	if err != nil {
		return nil, err
	}

	if len(entries) <= s.maxPerFile {
		name, err := s.writer.WriteObject(ctx, "sitemap.xml", renderURLSet(entries))
		if err != nil {
			return nil, fmt.Errorf("export sitemap: %w", err)
		}
		return []string{name}, nil
	}

	chunks := chunkCount(len(entries), s.maxPerFile)
	names := make([]string, 0, chunks+1)
	for chunk := 1; chunk <= chunks; chunk++ {
		start := (chunk - 1) * s.maxPerFile
		end := start + s.maxPerFile
		if end > len(entries) {
			end = len(entries)
		}
		name, err := s.writer.WriteObject(ctx, fmt.Sprintf("sitemap-%d.xml", chunk), renderURLSet(entries[start:end]))
		if err != nil {
			return nil, fmt.Errorf("export sitemap chunk %d: %w", chunk, err)
		}
		names = append(names, name)
	}

	name, err := s.writer.WriteObject(ctx, "sitemap.xml", s.renderIndex(chunks))
	if err != nil {
		return nil, fmt.Errorf("export sitemap index: %w", err)
	}
	return append(names, name), nil
}

// entries derives the sorted sitemap rows from the catalog merged with stored
// overrides. Rows are computed per call and never persisted.
func (s *sitemapService) entries(ctx context.Context, siteID string) ([]domain.SitemapEntry, error) {
	records, err := s.pages.List(ctx, repositories.SEOPageFilter{SiteID: siteID})
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]domain.SEOPage, len(records))
	for _, record := range records {
		overrides[record.Path] = record
	}

	now := s.clock()
	catalogPages := s.catalog.Pages()
	entries := make([]domain.SitemapEntry, 0, len(catalogPages))
	seen := make(map[string]struct{}, len(catalogPages))

	for _, page := range catalogPages {
		seen[page.Path] = struct{}{}
		slug := page.DefaultSlug
		lastMod := now
		if override, ok := overrides[page.Path]; ok {
			if excludedFromIndex(override) {
				continue
			}
			if override.Slug != "" {
				slug = override.Slug
			}
			if !override.UpdatedAt.IsZero() {
				lastMod = override.UpdatedAt
			}
		}
		entries = append(entries, s.entryFor(page.Path, slug, page.DefaultSlug, page.Category, lastMod))
	}

	for _, record := range records {
		if _, ok := seen[record.Path]; ok {
			continue
		}
		if excludedFromIndex(record) {
			continue
		}
		lastMod := record.UpdatedAt
		if lastMod.IsZero() {
			lastMod = now
		}
		entries = append(entries, s.entryFor(record.Path, record.Slug, domain.DeriveSlug(record.Path), record.Category, lastMod))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].URL < entries[j].URL
	})
	return entries, nil
}

func (s *sitemapService) entryFor(path, slug, defaultSlug string, category domain.PageCategory, lastMod time.Time) domain.SitemapEntry {
	return domain.SitemapEntry{
		URL:             s.buildURL(path, slug, defaultSlug),
		LastModified:    lastMod.UTC(),
		ChangeFrequency: changeFrequencyFor(category),
		Priority:        priorityFor(path, category),
	}
}

// buildURL prefers a customised slug over the raw path. A slug matching the
// page's default is not a customisation and keeps the path-shaped URL.
func (s *sitemapService) buildURL(path, slug, defaultSlug string) string {
	if domain.IsHomePath(path) {
		return s.baseURL
	}
	if slug != "" && slug != defaultSlug && slug != domain.DeriveSlug(path) {
		return s.baseURL + "/" + slug
	}
	return s.baseURL + path
}

func (s *sitemapService) renderIndex(chunks int) []byte {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<sitemapindex xmlns="` + sitemapNamespace + `">` + "\n")
	lastMod := s.clock().Format("2006-01-02")
	for chunk := 1; chunk <= chunks; chunk++ {
		b.WriteString("  <sitemap>\n")
		fmt.Fprintf(&b, "    <loc>%s</loc>\n", xmlEscape(fmt.Sprintf("%s/sitemap/%d", s.baseURL, chunk)))
		fmt.Fprintf(&b, "    <lastmod>%s</lastmod>\n", lastMod)
		b.WriteString("  </sitemap>\n")
	}
	b.WriteString("</sitemapindex>\n")
	return b.Bytes()
}

func (s *sitemapService) resolveSiteID(siteID string) string {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return s.siteID
	}
	return siteID
}

func (s *sitemapService) cached(key string) ([]byte, bool) {
	if s.memo == nil {
		return nil, false
	}
	if value, ok := s.memo.Get(key); ok {
		if rendered, ok := value.([]byte); ok {
			return rendered, true
		}
	}
	return nil, false
}

func (s *sitemapService) store(key string, rendered []byte) {
	if s.memo != nil {
		s.memo.Set(key, rendered, s.memoTTL)
	}
}

func renderURLSet(entries []domain.SitemapEntry) []byte {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<urlset xmlns="` + sitemapNamespace + `">` + "\n")
	for _, entry := range entries {
		b.WriteString("  <url>\n")
		fmt.Fprintf(&b, "    <loc>%s</loc>\n", xmlEscape(entry.URL))
		fmt.Fprintf(&b, "    <lastmod>%s</lastmod>\n", entry.LastModified.Format("2006-01-02"))
		fmt.Fprintf(&b, "    <changefreq>%s</changefreq>\n", entry.ChangeFrequency)
		fmt.Fprintf(&b, "    <priority>%.1f</priority>\n", entry.Priority)
		b.WriteString("  </url>\n")
	}
	b.WriteString("</urlset>\n")
	return b.Bytes()
}

func xmlEscape(value string) string {
	var b bytes.Buffer
	if err := xml.EscapeText(&b, []byte(value)); err != nil {
		return value
	}
	return b.String()
}

// excludedFromIndex reports whether a record opted out of search indexing.
func excludedFromIndex(record domain.SEOPage) bool {
	for _, directive := range strings.Split(record.Robots, ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "noindex") {
			return true
		}
	}
	return false
}

func changeFrequencyFor(category domain.PageCategory) domain.ChangeFrequency {
	switch category {
	case domain.CategoryMain, domain.CategoryBlog:
		return domain.FreqWeekly
	case domain.CategoryServices, domain.CategoryAbout:
		return domain.FreqMonthly
	case domain.CategoryContact:
		return domain.FreqYearly
	default:
		return domain.FreqMonthly
	}
}

func priorityFor(path string, category domain.PageCategory) float64 {
	if domain.IsHomePath(path) {
		return 1.0
	}
	switch category {
	case domain.CategoryMain:
		return 0.9
	case domain.CategoryServices:
		return 0.8
	case domain.CategoryBlog:
		return 0.7
	case domain.CategoryAbout, domain.CategoryContact:
		return 0.6
	default:
		return 0.5
	}
}

func chunkCount(total, perFile int) int {
	if total == 0 {
		return 1
	}
	return (total + perFile - 1) / perFile
}
