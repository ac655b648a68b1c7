package services

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sitewise/api/internal/domain"
	"github.com/sitewise/api/internal/platform/cache"
	"github.com/sitewise/api/internal/platform/requestctx"
	"github.com/sitewise/api/internal/repositories"
)

const (
	defaultAuditPageSize = 20
	defaultStatsWindow   = 30
	maxTopUsers          = 5
	purgeBatchSize       = 200

	cacheOpAuditStats = "audit.stats"
)

type auditLogService struct {
	logs        repositories.AuditLogRepository
	retention   time.Duration
	maxPageSize int
	siteID      string
	memo        *cache.Memo
	memoTTL     time.Duration
	clock       func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// AuditLogServiceDeps bundles constructor inputs for the audit trail service.
type AuditLogServiceDeps struct {
	Logs          repositories.AuditLogRepository
	Retention     time.Duration
	MaxPageSize   int
	DefaultSiteID string
	Cache         *cache.Memo
	StatsTTL      time.Duration
	Clock         func() time.Time
}

// NewAuditLogService creates the audit trail service.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Logs == nil {
		return nil, errors.New("audit log service: log repository is required")
	}
	if deps.Retention <= 0 {
		return nil, errors.New("audit log service: retention must be positive")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxPageSize := deps.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	siteID := strings.TrimSpace(deps.DefaultSiteID)
	if siteID == "" {
		siteID = domain.DefaultSiteID
	}

	utcClock := func() time.Time { return clock().UTC() }
	return &auditLogService{
		logs:        deps.Logs,
		retention:   deps.Retention,
		maxPageSize: maxPageSize,
		siteID:      siteID,
		memo:        deps.Cache,
		memoTTL:     deps.StatsTTL,
		clock:       utcClock,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(utcClock().UnixNano())), 0),
	}, nil
}

func (s *auditLogService) Record(ctx context.Context, input RecordAuditInput) error {
	if !domain.KnownAuditAction(input.Action) {
		return NewValidationError("action", "unknown audit action")
	}
	if strings.TrimSpace(input.PerformedBy) == "" {
		return NewValidationError("performedBy", "actor is required")
	}

	siteID := strings.TrimSpace(input.SiteID)
	if siteID == "" {
		siteID = s.siteID
	}
	entityType := input.EntityType
	if entityType == "" {
		entityType = domain.AuditEntitySEOPage
	}

	now := s.clock()
	entry := domain.AuditLogEntry{
		ID:         s.nextID(now),
		SiteID:     siteID,
		Action:     input.Action,
		EntityType: entityType,
		EntityID:   input.EntityID,
		Path:       input.Path,
		Changes:    input.Changes,
		Metadata: domain.AuditMetadata{
			UserAgent:     input.Meta.UserAgent,
			IPAddress:     input.Meta.IPAddress,
			BulkOperation: input.Bulk,
			AffectedPaths: input.Affected,
		},
		PerformedBy: input.PerformedBy,
		PerformedAt: now,
		ExpiresAt:   now.Add(s.retention),
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		return err
	}
	if s.memo != nil {
		s.memo.DeletePrefix(cache.Key(cacheOpAuditStats, siteID))
	}
	return nil
}

func (s *auditLogService) Query(ctx context.Context, query AuditQuery) (domain.Page[domain.AuditLogEntry], error) {
	siteID := strings.TrimSpace(query.SiteID)
	if siteID == "" {
		siteID = s.siteID
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	filter := repositories.AuditLogFilter{
		SiteID:       siteID,
		Action:       query.Action,
		EntityType:   query.EntityType,
		PathContains: strings.TrimSpace(query.PathContains),
		From:         query.DateFrom,
		To:           query.DateTo,
	}
	return s.logs.Query(ctx, filter, domain.PageRequest{Page: page, Limit: limit})
}

func (s *auditLogService) Stats(ctx context.Context, siteID string, windowDays int) (domain.AuditStats, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		siteID = s.siteID
	}
	if windowDays <= 0 {
		windowDays = defaultStatsWindow
	}

	key := cache.Key(cacheOpAuditStats, siteID, windowDays)
	if s.memo != nil && s.memoTTL > 0 {
		if cached, ok := s.memo.Get(key); ok {
			if stats, ok := cached.(domain.AuditStats); ok {
				return stats, nil
			}
		}
	}

	since := s.clock().AddDate(0, 0, -windowDays)
	entries, err := s.logs.ListSince(ctx, siteID, since)
	if err != nil {
		return domain.AuditStats{}, err
	}

	stats := domain.AuditStats{
		TotalChanges:    int64(len(entries)),
		ActionBreakdown: make(map[domain.AuditAction]int64),
		WindowDays:      windowDays,
	}

	paths := make(map[string]struct{})
	users := make(map[string]int64)
	for _, entry := range entries {
		stats.ActionBreakdown[entry.Action]++
		if entry.PerformedBy != "" {
			users[entry.PerformedBy]++
		}
		if entry.Metadata.BulkOperation {
			for _, path := range entry.Metadata.AffectedPaths {
				paths[path] = struct{}{}
			}
			continue
		}
		if entry.Path != "" {
			paths[entry.Path] = struct{}{}
		}
	}
	stats.UniquePagesModified = len(paths)

	activity := make([]domain.AuditUserActivity, 0, len(users))
	for user, count := range users {
		activity = append(activity, domain.AuditUserActivity{User: user, Count: count})
	}
	sort.Slice(activity, func(i, j int) bool {
		if activity[i].Count != activity[j].Count {
			return activity[i].Count > activity[j].Count
		}
		return activity[i].User < activity[j].User
	})
	if len(activity) > maxTopUsers {
		activity = activity[:maxTopUsers]
	}
	stats.TopUsers = activity

	if s.memo != nil && s.memoTTL > 0 {
		s.memo.Set(key, stats, s.memoTTL)
	}
	return stats, nil
}

func (s *auditLogService) PurgeExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		removed, err := s.logs.PurgeExpired(ctx, s.clock(), purgeBatchSize)
		total += removed
		if err != nil {
			requestctx.Logger(ctx).Warn("audit purge pass failed",
				zap.Int("removed_so_far", total),
				zap.Error(err),
			)
			return total, err
		}
		if removed < purgeBatchSize {
			return total, nil
		}
	}
}

// nextID yields strictly increasing identifiers so entries written within the
// same millisecond still sort by insertion order.
func (s *auditLogService) nextID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		// Monotonic overflow within one millisecond. Fresh entropy keeps IDs
		// unique at the cost of one out-of-order entry.
		s.entropy = ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
		id = ulid.MustNew(ulid.Timestamp(now), s.entropy)
	}
	return id.String()
}
