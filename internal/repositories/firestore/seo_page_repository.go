package firestore

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/sitewise/api/internal/domain"
	pfirestore "github.com/sitewise/api/internal/platform/firestore"
	"github.com/sitewise/api/internal/repositories"
)

const seoPagesCollection = "seoPages"

type seoPageDocument struct {
	ID              string    `firestore:"-"`
	SiteID          string    `firestore:"siteId"`
	Path            string    `firestore:"path"`
	Slug            string    `firestore:"slug"`
	MetaTitle       string    `firestore:"metaTitle"`
	MetaDescription string    `firestore:"metaDescription"`
	Robots          string    `firestore:"robots"`
	OGTitle         string    `firestore:"ogTitle,omitempty"`
	OGDescription   string    `firestore:"ogDescription,omitempty"`
	OGImage         string    `firestore:"ogImage,omitempty"`
	Category        string    `firestore:"category"`
	IsCustom        bool      `firestore:"isCustom"`
	CreatedBy       string    `firestore:"createdBy,omitempty"`
	UpdatedBy       string    `firestore:"updatedBy,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

// SEOPageRepository persists per-path metadata overrides in Firestore.
type SEOPageRepository struct {
	base *pfirestore.BaseRepository[domain.SEOPage]
}

// NewSEOPageRepository constructs a Firestore-backed SEO page repository.
func NewSEOPageRepository(provider *pfirestore.Provider) (*SEOPageRepository, error) {
	if provider == nil {
		return nil, errors.New("seo page repository: firestore provider is required")
	}

	encoder := func(_ context.Context, value domain.SEOPage) (any, error) {
		return encodeSEOPageDocument(value), nil
	}
	decoder := func(_ context.Context, snap *firestore.DocumentSnapshot) (domain.SEOPage, error) {
		var doc seoPageDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.SEOPage{}, err
		}
		doc.ID = snap.Ref.ID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = snap.CreateTime
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = snap.UpdateTime
		}
		return decodeSEOPageDocument(doc), nil
	}

	base := pfirestore.NewBaseRepository[domain.SEOPage](provider, seoPagesCollection, encoder, decoder)
	return &SEOPageRepository{base: base}, nil
}

// Get loads the record for (siteID, path).
func (r *SEOPageRepository) Get(ctx context.Context, siteID, path string) (domain.SEOPage, error) {
	if r == nil || r.base == nil {
		return domain.SEOPage{}, errors.New("seo page repository not initialised")
	}
	doc, err := r.base.Get(ctx, pageDocID(siteID, path))
	if err != nil {
		return domain.SEOPage{}, err
	}
	return doc.Data, nil
}

// List returns records matching the filter, ordered by path.
func (r *SEOPageRepository) List(ctx context.Context, filter repositories.SEOPageFilter) ([]domain.SEOPage, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("seo page repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if filter.SiteID != "" {
			query = query.Where("siteId", "==", filter.SiteID)
		}
		if filter.Category != "" {
			query = query.Where("category", "==", string(filter.Category))
		}
		if filter.IsCustom != nil {
			query = query.Where("isCustom", "==", *filter.IsCustom)
		}
		return query
	})
	if err != nil {
		return nil, err
	}

	pages := make([]domain.SEOPage, 0, len(docs))
	for _, doc := range docs {
		pages = append(pages, doc.Data)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	return pages, nil
}

// Upsert writes the record under its composite document ID. Last write wins.
func (r *SEOPageRepository) Upsert(ctx context.Context, page domain.SEOPage) (domain.SEOPage, error) {
	if r == nil || r.base == nil {
		return domain.SEOPage{}, errors.New("seo page repository not initialised")
	}
	if strings.TrimSpace(page.SiteID) == "" || strings.TrimSpace(page.Path) == "" {
		return domain.SEOPage{}, errors.New("seo page repository: site id and path are required")
	}

	page.ID = pageDocID(page.SiteID, page.Path)
	if _, err := r.base.Set(ctx, page.ID, page); err != nil {
		return domain.SEOPage{}, err
	}
	return page, nil
}

// Delete removes the record for (siteID, path). Missing records surface as not found.
func (r *SEOPageRepository) Delete(ctx context.Context, siteID, path string) error {
	if r == nil || r.base == nil {
		return errors.New("seo page repository not initialised")
	}
	_, err := r.base.Delete(ctx, pageDocID(siteID, path))
	return err
}

// DeleteMany removes records for the given paths, skipping missing ones. With
// onlyCustom set, records with isCustom=false survive untouched.
func (r *SEOPageRepository) DeleteMany(ctx context.Context, siteID string, paths []string, onlyCustom bool) ([]string, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("seo page repository not initialised")
	}

	deleted := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}

		if onlyCustom {
			page, err := r.Get(ctx, siteID, path)
			if err != nil {
				if repositories.IsNotFound(err) {
					continue
				}
				return deleted, err
			}
			if !page.IsCustom {
				continue
			}
		}

		if err := r.Delete(ctx, siteID, path); err != nil {
			if repositories.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, path)
	}
	return deleted, nil
}

// pageDocID builds the composite document ID. Paths contain slashes, which
// Firestore document IDs cannot, so the path component is query-escaped.
func pageDocID(siteID, path string) string {
	return strings.TrimSpace(siteID) + "|" + url.QueryEscape(strings.TrimSpace(path))
}

func encodeSEOPageDocument(page domain.SEOPage) seoPageDocument {
	return seoPageDocument{
		SiteID:          page.SiteID,
		Path:            page.Path,
		Slug:            page.Slug,
		MetaTitle:       page.MetaTitle,
		MetaDescription: page.MetaDescription,
		Robots:          page.Robots,
		OGTitle:         page.OpenGraph.Title,
		OGDescription:   page.OpenGraph.Description,
		OGImage:         page.OpenGraph.Image,
		Category:        string(page.Category),
		IsCustom:        page.IsCustom,
		CreatedBy:       page.CreatedBy,
		UpdatedBy:       page.UpdatedBy,
		CreatedAt:       page.CreatedAt,
		UpdatedAt:       page.UpdatedAt,
	}
}

func decodeSEOPageDocument(doc seoPageDocument) domain.SEOPage {
	return domain.SEOPage{
		ID:              doc.ID,
		SiteID:          doc.SiteID,
		Path:            doc.Path,
		Slug:            doc.Slug,
		MetaTitle:       doc.MetaTitle,
		MetaDescription: doc.MetaDescription,
		Robots:          doc.Robots,
		OpenGraph: domain.OpenGraph{
			Title:       doc.OGTitle,
			Description: doc.OGDescription,
			Image:       doc.OGImage,
		},
		Category:  domain.PageCategory(doc.Category),
		IsCustom:  doc.IsCustom,
		CreatedBy: doc.CreatedBy,
		UpdatedBy: doc.UpdatedBy,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}
