package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/repositories"
)

type stubAuditRepo struct {
	mu        sync.Mutex
	entries   []domain.AuditLogEntry
	err       error
	purges    []int
	listCalls int
}

func (r *stubAuditRepo) Append(_ context.Context, entry domain.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *stubAuditRepo) Query(_ context.Context, filter repositories.AuditLogFilter, page domain.PageRequest) (domain.Page[domain.AuditLogEntry], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Page[domain.AuditLogEntry]{}, r.err
	}
	return domain.Page[domain.AuditLogEntry]{
		Items: r.entries,
		Page:  page.Page,
		Limit: page.Limit,
		Total: int64(len(r.entries)),
	}, nil
}

func (r *stubAuditRepo) ListSince(_ context.Context, siteID string, since time.Time) ([]domain.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	if r.err != nil {
		return nil, r.err
	}
	var out []domain.AuditLogEntry
	for _, entry := range r.entries {
		if entry.SiteID == siteID && !entry.PerformedAt.Before(since) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *stubAuditRepo) PurgeExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	removed := 0
	kept := r.entries[:0]
	for _, entry := range r.entries {
		if removed < limit && !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	r.entries = kept
	r.purges = append(r.purges, removed)
	return removed, nil
}

func newTestAuditService(t *testing.T, repo *stubAuditRepo) AuditLogService {
	t.Helper()
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Logs:          repo,
		Retention:     2 * 365 * 24 * time.Hour,
		MaxPageSize:   100,
		DefaultSiteID: "default",
		Clock:         fixedClock(),
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}
	return svc
}

func TestRecordStampsEntry(t *testing.T) {
	repo := &stubAuditRepo{}
	svc := newTestAuditService(t, repo)

	err := svc.Record(context.Background(), RecordAuditInput{
		Action:      domain.AuditActionUpdate,
		Path:        "/about",
		PerformedBy: "user-1",
		Changes:     []domain.FieldChange{{Field: "metaTitle", OldValue: "a", NewValue: "b"}},
		Meta:        RequestMeta{UserAgent: "curl/8", IPAddress: "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(repo.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.ID == "" {
		t.Error("entry must carry an ID")
	}
	if entry.SiteID != "default" {
		t.Errorf("SiteID = %q, want default", entry.SiteID)
	}
	if entry.EntityType != domain.AuditEntitySEOPage {
		t.Errorf("EntityType = %q, want seo_page default", entry.EntityType)
	}
	now := fixedClock()()
	if !entry.PerformedAt.Equal(now) {
		t.Errorf("PerformedAt = %v, want %v", entry.PerformedAt, now)
	}
	wantExpiry := now.Add(2 * 365 * 24 * time.Hour)
	if !entry.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, wantExpiry)
	}
	if entry.Metadata.UserAgent != "curl/8" || entry.Metadata.IPAddress != "10.0.0.1" {
		t.Errorf("metadata = %+v", entry.Metadata)
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	svc := newTestAuditService(t, &stubAuditRepo{})

	err := svc.Record(context.Background(), RecordAuditInput{Action: "made_up", PerformedBy: "user-1"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("unknown action: got %v, want *ValidationError", err)
	}

	err = svc.Record(context.Background(), RecordAuditInput{Action: domain.AuditActionUpdate})
	if !errors.As(err, &validation) {
		t.Errorf("missing actor: got %v, want *ValidationError", err)
	}
}

func TestRecordIDsAreSortedByInsertionOrder(t *testing.T) {
	repo := &stubAuditRepo{}
	svc := newTestAuditService(t, repo)

	for i := 0; i < 10; i++ {
		if err := svc.Record(context.Background(), RecordAuditInput{
			Action:      domain.AuditActionUpdate,
			Path:        "/about",
			PerformedBy: "user-1",
		}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	for i := 1; i < len(repo.entries); i++ {
		if repo.entries[i].ID <= repo.entries[i-1].ID {
			t.Fatalf("IDs not strictly increasing: %q then %q", repo.entries[i-1].ID, repo.entries[i].ID)
		}
	}
}

func TestQueryClampsPagination(t *testing.T) {
	repo := &stubAuditRepo{}
	svc := newTestAuditService(t, repo)

	page, err := svc.Query(context.Background(), AuditQuery{Limit: 10_000, Page: -3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Limit != 100 {
		t.Errorf("Limit = %d, want clamped 100", page.Limit)
	}
	if page.Page != 1 {
		t.Errorf("Page = %d, want 1", page.Page)
	}

	page, err = svc.Query(context.Background(), AuditQuery{})
	if err != nil {
		t.Fatalf("Query defaults: %v", err)
	}
	if page.Limit != defaultAuditPageSize {
		t.Errorf("Limit = %d, want default %d", page.Limit, defaultAuditPageSize)
	}
}

func TestStatsAggregates(t *testing.T) {
	now := fixedClock()()
	repo := &stubAuditRepo{}
	add := func(action domain.AuditAction, path, user string, age time.Duration, bulk bool, affected []string) {
		repo.entries = append(repo.entries, domain.AuditLogEntry{
			SiteID:      "default",
			Action:      action,
			Path:        path,
			PerformedBy: user,
			PerformedAt: now.Add(-age),
			Metadata:    domain.AuditMetadata{BulkOperation: bulk, AffectedPaths: affected},
		})
	}
	add(domain.AuditActionCreate, "/about", "alice", time.Hour, false, nil)
	add(domain.AuditActionUpdate, "/about", "alice", 2*time.Hour, false, nil)
	add(domain.AuditActionUpdate, "/contact", "bob", 3*time.Hour, false, nil)
	add(domain.AuditActionBulkUpdate, "", "carol", 4*time.Hour, true, []string{"/blog", "/team"})
	// Outside the 7 day window.
	add(domain.AuditActionDelete, "/old", "dave", 10*24*time.Hour, false, nil)

	svc := newTestAuditService(t, repo)
	stats, err := svc.Stats(context.Background(), "", 7)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.TotalChanges != 4 {
		t.Errorf("TotalChanges = %d, want 4", stats.TotalChanges)
	}
	if stats.UniquePagesModified != 4 {
		t.Errorf("UniquePagesModified = %d, want 4 (/about, /contact, /blog, /team)", stats.UniquePagesModified)
	}
	if stats.ActionBreakdown[domain.AuditActionUpdate] != 2 {
		t.Errorf("update count = %d, want 2", stats.ActionBreakdown[domain.AuditActionUpdate])
	}
	if stats.WindowDays != 7 {
		t.Errorf("WindowDays = %d, want 7", stats.WindowDays)
	}
	if len(stats.TopUsers) != 3 {
		t.Fatalf("TopUsers = %+v, want 3 users", stats.TopUsers)
	}
	if stats.TopUsers[0].User != "alice" || stats.TopUsers[0].Count != 2 {
		t.Errorf("top user = %+v, want alice with 2", stats.TopUsers[0])
	}
}

func TestStatsCapsTopUsers(t *testing.T) {
	now := fixedClock()()
	repo := &stubAuditRepo{}
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	for _, user := range users {
		repo.entries = append(repo.entries, domain.AuditLogEntry{
			SiteID:      "default",
			Action:      domain.AuditActionUpdate,
			Path:        "/about",
			PerformedBy: user,
			PerformedAt: now.Add(-time.Hour),
		})
	}

	svc := newTestAuditService(t, repo)
	stats, err := svc.Stats(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats.TopUsers) != maxTopUsers {
		t.Errorf("TopUsers length = %d, want %d", len(stats.TopUsers), maxTopUsers)
	}
}

func TestPurgeExpiredLoopsUntilDrained(t *testing.T) {
	now := fixedClock()()
	repo := &stubAuditRepo{}
	for i := 0; i < purgeBatchSize+5; i++ {
		repo.entries = append(repo.entries, domain.AuditLogEntry{
			SiteID:    "default",
			ExpiresAt: now.Add(-time.Hour),
		})
	}
	repo.entries = append(repo.entries, domain.AuditLogEntry{
		SiteID:    "default",
		ExpiresAt: now.Add(time.Hour),
	})

	svc := newTestAuditService(t, repo)
	removed, err := svc.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if removed != purgeBatchSize+5 {
		t.Errorf("removed = %d, want %d", removed, purgeBatchSize+5)
	}
	if len(repo.entries) != 1 {
		t.Errorf("remaining = %d, want 1 unexpired", len(repo.entries))
	}
	if len(repo.purges) < 2 {
		t.Errorf("expected multiple purge passes, got %d", len(repo.purges))
	}
}

func TestStatsCachedUntilNextRecord(t *testing.T) {
	now := fixedClock()()
	repo := &stubAuditRepo{}
	repo.entries = append(repo.entries, domain.AuditLogEntry{
		SiteID:      "default",
		Action:      domain.AuditActionUpdate,
		Path:        "/about",
		PerformedBy: "alice",
		PerformedAt: now.Add(-time.Hour),
	})

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Logs:          repo,
		Retention:     2 * 365 * 24 * time.Hour,
		MaxPageSize:   100,
		DefaultSiteID: "default",
		Cache:         cache.NewMemo(cache.WithClock(fixedClock())),
		StatsTTL:      10 * time.Minute,
		Clock:         fixedClock(),
	})
	if err != nil {
		t.Fatalf("NewAuditLogService: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Stats(context.Background(), "", 30); err != nil {
			t.Fatalf("Stats: %v", err)
		}
	}
	if repo.listCalls != 1 {
		t.Fatalf("listCalls = %d, want 1 (repeat reads served from cache)", repo.listCalls)
	}

	err = svc.Record(context.Background(), RecordAuditInput{
		Action:      domain.AuditActionUpdate,
		Path:        "/contact",
		PerformedBy: "bob",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	stats, err := svc.Stats(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if repo.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 (write invalidates cached stats)", repo.listCalls)
	}
	if stats.TotalChanges != 2 {
		t.Errorf("TotalChanges = %d, want 2", stats.TotalChanges)
	}
}
