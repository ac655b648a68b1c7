package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/sitewise/api/internal/services"
)

type stubSitemapService struct {
	sitemap []byte
	chunks  map[int][]byte
	exports []string
	err     error
}

func (s *stubSitemapService) Sitemap(context.Context, string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.sitemap, nil
}

func (s *stubSitemapService) Chunk(_ context.Context, _ string, chunk int) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	rendered, ok := s.chunks[chunk]
	if !ok {
		return nil, &services.ChunkOutOfRangeError{Chunk: chunk, Chunks: len(s.chunks)}
	}
	return rendered, nil
}

func (s *stubSitemapService) Export(context.Context, string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.exports, nil
}

func newSitemapRouter(svc services.SitemapService) chi.Router {
	r := chi.NewRouter()
	NewSitemapHandlers(svc).Routes(r)
	return r
}

func TestSitemapEndpointServesXML(t *testing.T) {
	svc := &stubSitemapService{sitemap: []byte(`<?xml version="1.0"?><urlset></urlset>`)}
	router := newSitemapRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sitemap.xml", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !strings.Contains(rec.Body.String(), "<urlset>") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSitemapEndpointFailureReturnsXMLStub(t *testing.T) {
	svc := &stubSitemapService{err: errors.New("backend down")}
	router := newSitemapRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sitemap.xml", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<error>") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSitemapChunkServed(t *testing.T) {
	svc := &stubSitemapService{chunks: map[int][]byte{1: []byte("<urlset>one</urlset>"), 2: []byte("<urlset>two</urlset>")}}
	router := newSitemapRouter(svc)

	for _, target := range []string{"/sitemap/2", "/sitemap/2.xml"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "two") {
			t.Errorf("%s: body = %q", target, rec.Body.String())
		}
	}
}

func TestSitemapChunkOutOfRangeIs404(t *testing.T) {
	svc := &stubSitemapService{chunks: map[int][]byte{1: []byte("<urlset/>")}}
	router := newSitemapRouter(svc)

	for _, target := range []string{"/sitemap/9", "/sitemap/zero"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("%s: Content-Type = %q, want plain text", target, ct)
		}
	}
}
