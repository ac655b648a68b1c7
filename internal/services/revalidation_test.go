package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRevalidatorPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var got revalidationPayload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		_ = json.Unmarshal(body, &got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reval, err := NewHTTPRevalidator(HTTPRevalidatorDeps{
		Endpoint: server.URL,
		Token:    "secret-token",
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPRevalidator: %v", err)
	}

	reval.Ping(context.Background(), "default", []string{"/about", "/contact"})

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.SiteID != "default" || len(got.Paths) != 2 {
		t.Errorf("payload = %+v", got)
	}
}

func TestRevalidatorRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		current := calls
		mu.Unlock()
		if current < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reval, err := NewHTTPRevalidator(HTTPRevalidatorDeps{
		Endpoint:    server.URL,
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("NewHTTPRevalidator: %v", err)
	}

	reval.Ping(context.Background(), "default", []string{"/about"})

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (two retried failures then success)", calls)
	}
}

func TestRevalidatorDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	reval, err := NewHTTPRevalidator(HTTPRevalidatorDeps{
		Endpoint:    server.URL,
		Timeout:     time.Second,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("NewHTTPRevalidator: %v", err)
	}

	reval.Ping(context.Background(), "default", []string{"/about"})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (403 is terminal)", calls)
	}
}

func TestRevalidatorSwallowsTotalFailure(t *testing.T) {
	reval, err := NewHTTPRevalidator(HTTPRevalidatorDeps{
		Endpoint:    "http://127.0.0.1:1", // nothing listens here
		Timeout:     500 * time.Millisecond,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("NewHTTPRevalidator: %v", err)
	}
	// Must return without panicking or blocking past the time box.
	done := make(chan struct{})
	go func() {
		reval.Ping(context.Background(), "default", []string{"/about"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Ping exceeded its time box")
	}
}

func TestRevalidatorIgnoresEmptyPathList(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reval, err := NewHTTPRevalidator(HTTPRevalidatorDeps{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPRevalidator: %v", err)
	}
	reval.Ping(context.Background(), "default", nil)
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}
