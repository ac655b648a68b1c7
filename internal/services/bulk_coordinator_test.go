package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
)

func newTestBulkCoordinator(t *testing.T, repo *stubPageRepo, audit *stubAuditService) (BulkCoordinator, *cache.Memo, *stubRevalidator) {
	t.Helper()
	memo := cache.NewMemo(cache.WithClock(fixedClock()))
	reval := &stubRevalidator{}
	coordinator, err := NewBulkCoordinator(BulkCoordinatorDeps{
		Pages:         repo,
		Audit:         audit,
		Cache:         memo,
		DefaultSiteID: "default",
		RoleLimits:    map[string]int{"admin": 500, "editor": 100},
		DefaultLimit:  100,
		Revalidator:   reval,
		Clock:         fixedClock(),
	})
	if err != nil {
		t.Fatalf("NewBulkCoordinator: %v", err)
	}
	return coordinator, memo, reval
}

func bulkItem(path string) BulkPageInput {
	return BulkPageInput{
		Path:            path,
		MetaTitle:       "Professional Web Development Services",
		MetaDescription: "Our professional web development team builds fast, accessible websites that grow your business and delight your customers every day online.",
	}
}

func TestBulkUpdateAppliesAllItems(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, _, reval := newTestBulkCoordinator(t, repo, audit)

	result, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkUpdate,
		Pages:     []BulkPageInput{bulkItem("/about"), bulkItem("/contact"), bulkItem("/blog")},
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.OperationID == "" {
		t.Error("result must carry an operation ID")
	}
	if len(result.Succeeded) != 3 || len(result.Failed) != 0 {
		t.Fatalf("succeeded=%v failed=%v", result.Succeeded, result.Failed)
	}
	if len(repo.records) != 3 {
		t.Errorf("persisted records = %d, want 3", len(repo.records))
	}
	for _, page := range repo.records {
		if !page.IsCustom {
			t.Errorf("bulk-updated record must be custom: %+v", page)
		}
	}

	entries := audit.recorded()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want exactly 1 for the whole bulk call", len(entries))
	}
	entry := entries[0]
	if entry.Action != domain.AuditActionBulkUpdate {
		t.Errorf("action = %s, want bulk_update", entry.Action)
	}
	if !entry.Bulk {
		t.Error("entry must be flagged as a bulk operation")
	}
	if len(entry.Affected) != 3 {
		t.Errorf("affected = %v, want all three paths", entry.Affected)
	}
	if len(reval.pings) != 1 {
		t.Errorf("revalidation pings = %d, want 1", len(reval.pings))
	}
}

func TestBulkUpdateSkipsAndReportsBadItems(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, _, _ := newTestBulkCoordinator(t, repo, audit)

	bad := bulkItem("/contact")
	bad.MetaTitle = strings.Repeat("x", 61)
	failing := bulkItem("/team")
	repo.failOn["upsert:/team"] = &stubRepoError{}

	result, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkUpdate,
		Pages:     []BulkPageInput{bulkItem("/about"), bad, failing},
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "/about" {
		t.Errorf("succeeded = %v, want only /about", result.Succeeded)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("failed = %+v, want 2 reported items", result.Failed)
	}

	entries := audit.recorded()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if affected := entries[0].Affected; len(affected) != 1 || affected[0] != "/about" {
		t.Errorf("affected = %v, want only the succeeded path", affected)
	}
}

func TestBulkLimitCheckedBeforeAnyWork(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, _, _ := newTestBulkCoordinator(t, repo, audit)

	pages := make([]BulkPageInput, 101)
	for i := range pages {
		pages[i] = bulkItem("/about")
	}
	_, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkUpdate,
		Pages:     pages,
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want *LimitExceededError", err)
	}
	if limitErr.Limit != 100 || limitErr.Requested != 101 {
		t.Errorf("limit error = %+v", limitErr)
	}
	if len(repo.records) != 0 {
		t.Error("oversized request must persist nothing")
	}
	if len(audit.recorded()) != 0 {
		t.Error("oversized request must leave no audit trace")
	}

	// The same request fits under the admin ceiling.
	if _, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkUpdate,
		Pages:     pages,
		ActorID:   "user-1",
		ActorRole: "admin",
	}); err != nil {
		t.Fatalf("admin request within ceiling failed: %v", err)
	}
}

func TestBulkDeleteReportsMissingPaths(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, _, _ := newTestBulkCoordinator(t, repo, audit)

	seed := bulkItem("/about")
	if _, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkUpdate,
		Pages:     []BulkPageInput{seed},
		ActorID:   "user-1",
		ActorRole: "editor",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	result, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkDelete,
		Paths:     []string{"/about", "/never-existed"},
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "/about" {
		t.Errorf("succeeded = %v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].Path != "/never-existed" {
		t.Errorf("failed = %+v", result.Failed)
	}
	if len(repo.records) != 0 {
		t.Error("deleted record still present")
	}

	entries := audit.recorded()
	last := entries[len(entries)-1]
	if last.Action != domain.AuditActionBulkDelete {
		t.Errorf("action = %s, want bulk_delete", last.Action)
	}
}

func TestBulkDeletePartialFailureStillAuditsAndInvalidates(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, memo, _ := newTestBulkCoordinator(t, repo, audit)

	repo.records["default|/about"] = domain.SEOPage{SiteID: "default", Path: "/about", IsCustom: true}
	repo.records["default|/contact"] = domain.SEOPage{SiteID: "default", Path: "/contact", IsCustom: true}
	repo.failOn["deleteMany:/contact"] = &stubRepoError{}

	memo.Set("sentinel", 1, time.Minute)

	_, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkDelete,
		Paths:     []string{"/about", "/contact"},
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	if err == nil {
		t.Fatal("expected the repository failure to surface")
	}
	if _, ok := repo.records["default|/about"]; ok {
		t.Error("record deleted before the failure must stay deleted")
	}

	entries := audit.recorded()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1 covering the partial outcome", len(entries))
	}
	if affected := entries[0].Affected; len(affected) != 1 || affected[0] != "/about" {
		t.Errorf("affected = %v, want only the path deleted before the failure", affected)
	}
	if memo.Len() != 0 {
		t.Error("partial deletions must still clear the cache")
	}
}

func TestBulkResetOnlyTouchesCustomRecords(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, _, _ := newTestBulkCoordinator(t, repo, audit)

	repo.records["default|/about"] = domain.SEOPage{SiteID: "default", Path: "/about", IsCustom: true}
	repo.records["default|/contact"] = domain.SEOPage{SiteID: "default", Path: "/contact", IsCustom: false}

	result, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkReset,
		Paths:     []string{"/about", "/contact"},
		ActorID:   "user-1",
		ActorRole: "admin",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0] != "/about" {
		t.Errorf("succeeded = %v, want only the custom record", result.Succeeded)
	}
	if _, ok := repo.records["default|/contact"]; !ok {
		t.Error("non-custom record must survive a reset")
	}

	entries := audit.recorded()
	if entries[len(entries)-1].Action != domain.AuditActionBulkReset {
		t.Errorf("action = %s, want bulk_reset", entries[len(entries)-1].Action)
	}
}

func TestBulkNoSuccessesWritesNoAudit(t *testing.T) {
	repo := newStubPageRepo()
	audit := &stubAuditService{}
	coordinator, memo, _ := newTestBulkCoordinator(t, repo, audit)

	memo.Set("sentinel", 1, time.Minute)

	result, err := coordinator.Execute(context.Background(), BulkRequest{
		Operation: BulkDelete,
		Paths:     []string{"/never-existed"},
		ActorID:   "user-1",
		ActorRole: "editor",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Succeeded) != 0 || len(result.Failed) != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(audit.recorded()) != 0 {
		t.Error("no-op bulk call must not write an audit entry")
	}
	if memo.Len() != 1 {
		t.Error("no-op bulk call must not clear the cache")
	}
}

func TestBulkEmptyRequestRejected(t *testing.T) {
	coordinator, _, _ := newTestBulkCoordinator(t, newStubPageRepo(), &stubAuditService{})
	_, err := coordinator.Execute(context.Background(), BulkRequest{Operation: BulkUpdate, ActorRole: "editor"})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}
