package domain

import "strings"

// Catalog is the immutable set of predefined pages for a site, keyed by path.
type Catalog struct {
	pages []PredefinedPage
	index map[string]PredefinedPage
}

// NewCatalog builds a catalog from the supplied entries. Duplicate paths keep
// the first occurrence; paths are normalised to their trimmed form.
func NewCatalog(pages []PredefinedPage) *Catalog {
	catalog := &Catalog{
		pages: make([]PredefinedPage, 0, len(pages)),
		index: make(map[string]PredefinedPage, len(pages)),
	}
	for _, page := range pages {
		page.Path = strings.TrimSpace(page.Path)
		if page.Path == "" {
			continue
		}
		if !KnownCategory(page.Category) {
			page.Category = CategoryOther
		}
		if page.DefaultSlug == "" {
			page.DefaultSlug = DeriveSlug(page.Path)
		}
		if _, exists := catalog.index[page.Path]; exists {
			continue
		}
		catalog.pages = append(catalog.pages, page)
		catalog.index[page.Path] = page
	}
	return catalog
}

// Pages returns a copy of the catalog entries in declaration order.
func (c *Catalog) Pages() []PredefinedPage {
	if c == nil {
		return nil
	}
	out := make([]PredefinedPage, len(c.pages))
	copy(out, c.pages)
	return out
}

// Lookup returns the catalog entry for the given path.
func (c *Catalog) Lookup(path string) (PredefinedPage, bool) {
	if c == nil {
		return PredefinedPage{}, false
	}
	entry, ok := c.index[strings.TrimSpace(path)]
	return entry, ok
}

// Len reports the number of catalog entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pages)
}

// DeriveSlug computes the mechanical slug for a path: leading slash stripped
// and the remaining separators replaced by hyphens. The homepage maps to
// "home".
func DeriveSlug(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "/" || path == HomePath {
		return HomePath
	}
	slug := strings.TrimPrefix(path, "/")
	slug = strings.ReplaceAll(slug, "/", "-")
	return strings.ToLower(slug)
}

// IsHomePath reports whether the path addresses the site root.
func IsHomePath(path string) bool {
	switch strings.TrimSpace(path) {
	case "/", HomePath, "/" + HomePath:
		return true
	}
	return false
}

// DefaultCatalog returns the built-in page catalog used when no catalog file
// is configured.
func DefaultCatalog() *Catalog {
	return NewCatalog([]PredefinedPage{
		{Path: "/", DefaultSlug: HomePath, Category: CategoryMain},
		{Path: "/services", DefaultSlug: "services", Category: CategoryServices},
		{Path: "/services/web-development", DefaultSlug: "web-development", Category: CategoryServices},
		{Path: "/services/seo", DefaultSlug: "seo", Category: CategoryServices},
		{Path: "/services/branding", DefaultSlug: "branding", Category: CategoryServices},
		{Path: "/blog", DefaultSlug: "blog", Category: CategoryBlog},
		{Path: "/about", DefaultSlug: "about", Category: CategoryAbout},
		{Path: "/team", DefaultSlug: "team", Category: CategoryAbout},
		{Path: "/contact", DefaultSlug: "contact", Category: CategoryContact},
		{Path: "/privacy", DefaultSlug: "privacy", Category: CategoryOther},
		{Path: "/terms", DefaultSlug: "terms", Category: CategoryOther},
	})
}
