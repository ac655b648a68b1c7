package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/platform/requestctx"
	"github.com/sitewise/api/internal/repositories"
)

// bulkWorkers bounds concurrent item writes within one bulk request.
const bulkWorkers = 8

type bulkCoordinator struct {
	pages        repositories.SEOPageRepository
	audit        AuditLogService
	catalog      *domain.Catalog
	memo         *cache.Memo
	siteID       string
	roleLimits   map[string]int
	defaultLimit int
	reval        Revalidator
	sanitise     *bluemonday.Policy
	clock        func() time.Time
}

// BulkCoordinatorDeps bundles constructor inputs for the bulk mutation coordinator.
type BulkCoordinatorDeps struct {
	Pages         repositories.SEOPageRepository
	Audit         AuditLogService
	Catalog       *domain.Catalog
	Cache         *cache.Memo
	DefaultSiteID string
	RoleLimits    map[string]int
	DefaultLimit  int
	Revalidator   Revalidator
	Clock         func() time.Time
}

// NewBulkCoordinator creates the bulk mutation coordinator.
func NewBulkCoordinator(deps BulkCoordinatorDeps) (BulkCoordinator, error) {
	if deps.Pages == nil {
		return nil, errors.New("bulk coordinator: page repository is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("bulk coordinator: audit log service is required")
	}

	catalog := deps.Catalog
	if catalog == nil {
		catalog = domain.DefaultCatalog()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	siteID := strings.TrimSpace(deps.DefaultSiteID)
	if siteID == "" {
		siteID = domain.DefaultSiteID
	}
	defaultLimit := deps.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 100
	}

	return &bulkCoordinator{
		pages:        deps.Pages,
		audit:        deps.Audit,
		catalog:      catalog,
		memo:         deps.Cache,
		siteID:       siteID,
		roleLimits:   deps.RoleLimits,
		defaultLimit: defaultLimit,
		reval:        deps.Revalidator,
		sanitise:     bluemonday.StrictPolicy(),
		clock:        func() time.Time { return clock().UTC() },
	}, nil
}

func (c *bulkCoordinator) Execute(ctx context.Context, req BulkRequest) (BulkResult, error) {
	siteID := strings.TrimSpace(req.SiteID)
	if siteID == "" {
		siteID = c.siteID
	}

	itemCount := len(req.Pages)
	if req.Operation != BulkUpdate {
		itemCount = len(req.Paths)
	}
	if itemCount == 0 {
		return BulkResult{}, NewValidationError("items", "bulk request contains no items")
	}

	// The role ceiling is checked before any item work. An oversized request
	// persists nothing and leaves no audit trace.
	limit := c.limitForRole(req.ActorRole)
	if itemCount > limit {
		return BulkResult{}, &LimitExceededError{Role: req.ActorRole, Limit: limit, Requested: itemCount}
	}

	result := BulkResult{
		OperationID: uuid.NewString(),
		Operation:   req.Operation,
	}

	var err error
	switch req.Operation {
	case BulkUpdate:
		result.Succeeded, result.Failed = c.applyUpdates(ctx, siteID, req)
	case BulkDelete:
		result.Succeeded, result.Failed, err = c.applyDeletes(ctx, siteID, req.Paths, false)
	case BulkReset:
		result.Succeeded, result.Failed, err = c.applyDeletes(ctx, siteID, req.Paths, true)
	default:
		return BulkResult{}, NewValidationError("operation", "unknown bulk operation")
	}
	if err != nil {
		// A repository failure mid-delete does not undo the records already
		// removed. Those deletions still invalidate caches and land in the
		// audit trail before the error surfaces.
		if len(result.Succeeded) > 0 {
			c.recordAudit(ctx, siteID, req, result)
			if c.memo != nil {
				c.memo.Clear()
			}
		}
		return BulkResult{}, err
	}

	if len(result.Succeeded) > 0 {
		c.recordAudit(ctx, siteID, req, result)
		if c.memo != nil {
			c.memo.Clear()
		}
		if c.reval != nil {
			c.reval.Ping(ctx, siteID, result.Succeeded)
		}
	}

	return result, nil
}

// applyUpdates upserts each item independently. A failing item is reported
// and skipped; its siblings proceed.
func (c *bulkCoordinator) applyUpdates(ctx context.Context, siteID string, req BulkRequest) ([]string, []BulkItemFailure) {
	type outcome struct {
		path    string
		failure *BulkItemFailure
	}

	now := c.clock()
	outcomes := make([]outcome, len(req.Pages))

	var wg sync.WaitGroup
	sem := make(chan struct{}, bulkWorkers)
	for i, item := range req.Pages {
		wg.Add(1)
		go func(i int, item BulkPageInput) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record, err := buildPageRecord(c.catalog, c.sanitise, siteID, UpsertPageInput{
				SiteID:          siteID,
				Path:            item.Path,
				Slug:            item.Slug,
				MetaTitle:       item.MetaTitle,
				MetaDescription: item.MetaDescription,
				Robots:          item.Robots,
				OpenGraph:       item.OpenGraph,
				Category:        item.Category,
				IsCustom:        true,
			})
			if err != nil {
				outcomes[i] = outcome{path: item.Path, failure: &BulkItemFailure{Path: item.Path, Reason: err.Error()}}
				return
			}

			existing, err := c.pages.Get(ctx, siteID, record.Path)
			exists := err == nil
			if err != nil && !repositories.IsNotFound(err) {
				outcomes[i] = outcome{path: record.Path, failure: &BulkItemFailure{Path: record.Path, Reason: err.Error()}}
				return
			}

			record.UpdatedAt = now
			record.UpdatedBy = req.ActorID
			if exists {
				record.CreatedAt = existing.CreatedAt
				record.CreatedBy = existing.CreatedBy
			} else {
				record.CreatedAt = now
				record.CreatedBy = req.ActorID
			}

			if _, err := c.pages.Upsert(ctx, record); err != nil {
				outcomes[i] = outcome{path: record.Path, failure: &BulkItemFailure{Path: record.Path, Reason: err.Error()}}
				return
			}
			outcomes[i] = outcome{path: record.Path}
		}(i, item)
	}
	wg.Wait()

	var succeeded []string
	var failed []BulkItemFailure
	for _, o := range outcomes {
		if o.failure != nil {
			failed = append(failed, *o.failure)
			continue
		}
		succeeded = append(succeeded, o.path)
	}
	return succeeded, failed
}

// applyDeletes removes records for the given paths. With onlyCustom set (the
// reset case) records with isCustom=false are left in place and reported as
// skipped.
func (c *bulkCoordinator) applyDeletes(ctx context.Context, siteID string, paths []string, onlyCustom bool) ([]string, []BulkItemFailure, error) {
	normalized := make([]string, 0, len(paths))
	var failed []BulkItemFailure
	for _, raw := range paths {
		path, err := NormalizePath(raw)
		if err != nil {
			failed = append(failed, BulkItemFailure{Path: raw, Reason: err.Error()})
			continue
		}
		normalized = append(normalized, path)
	}
	if len(normalized) == 0 {
		return nil, failed, nil
	}

	deleted, err := c.pages.DeleteMany(ctx, siteID, normalized, onlyCustom)
	if err != nil {
		// Paths removed before the failure are already gone from storage.
		// They are reported so the caller can invalidate and audit them.
		return deleted, failed, err
	}

	removed := make(map[string]struct{}, len(deleted))
	for _, path := range deleted {
		removed[path] = struct{}{}
	}
	for _, path := range normalized {
		if _, ok := removed[path]; !ok {
			reason := "no record for path"
			if onlyCustom {
				reason = "no custom record for path"
			}
			failed = append(failed, BulkItemFailure{Path: path, Reason: reason})
		}
	}
	return deleted, failed, nil
}

// recordAudit writes the single entry covering the whole bulk call.
func (c *bulkCoordinator) recordAudit(ctx context.Context, siteID string, req BulkRequest, result BulkResult) {
	affected := make([]string, len(result.Succeeded))
	copy(affected, result.Succeeded)
	sort.Strings(affected)

	input := RecordAuditInput{
		SiteID:      siteID,
		Action:      auditActionFor(req.Operation),
		EntityType:  domain.AuditEntitySEOPage,
		EntityID:    result.OperationID,
		Bulk:        true,
		Affected:    affected,
		Meta:        req.Meta,
		PerformedBy: req.ActorID,
	}
	if err := c.audit.Record(ctx, input); err != nil {
		requestctx.Logger(ctx).Error("bulk audit entry write failed",
			zap.String("operation_id", result.OperationID),
			zap.String("operation", string(req.Operation)),
			zap.Int("affected", len(affected)),
			zap.Error(err),
		)
	}
}

func (c *bulkCoordinator) limitForRole(role string) int {
	if limit, ok := c.roleLimits[strings.ToLower(strings.TrimSpace(role))]; ok && limit > 0 {
		return limit
	}
	return c.defaultLimit
}

func auditActionFor(op BulkOperation) domain.AuditAction {
	switch op {
	case BulkDelete:
		return domain.AuditActionBulkDelete
	case BulkReset:
		return domain.AuditActionBulkReset
	default:
		return domain.AuditActionBulkUpdate
	}
}
