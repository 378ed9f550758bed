package agenda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 100
	DefaultRecentLimit   = 20
	MaxRecentLimit       = 50
	StatsWindowDays      = 30
)

// AuditEntry is the input of Record. Callers capture both snapshots; the
// recorder never diffs.
type AuditEntry struct {
	Action     AuditAction
	EntityType EntityType
	EntityID   *uint
	OldValue   Snapshot
	NewValue   Snapshot
	Actor      *Principal
}

// Record appends one audit row.
func (s *Service) Record(ctx context.Context, entry AuditEntry) (*AuditLog, error) {
	if !entry.Action.Valid() || !entry.EntityType.Valid() {
		return nil, fmt.Errorf("%w: audit action %q on %q", ErrInvalidInput, entry.Action, entry.EntityType)
	}

	log := &AuditLog{
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		OldValue:   entry.OldValue.jsonMap(),
		NewValue:   entry.NewValue.jsonMap(),
		CreatedAt:  s.clock.Now(),
	}
	if p := entry.Actor; p != nil {
		log.IPAddress = p.IPAddress
		log.UserAgent = p.UserAgent
		if p.Authenticated() {
			log.ActorID = uintPtr(p.User.ID)
		}
		if p.IsAdmin() {
			log.AdminID = uintPtr(p.Admin.ID)
		}
	}

	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return nil, fmt.Errorf("failed to record audit log: %w", err)
	}
	return log, nil
}

// recordBestEffort records an audit row after a successful mutation. A
// failure is logged and never becomes the mutation's failure.
func (s *Service) recordBestEffort(ctx context.Context, entry AuditEntry) {
	if _, err := s.Record(ctx, entry); err != nil {
		s.log.Warnw("audit log write failed",
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}

// AuditFilter narrows ListAuditLogs. Zero values mean "any".
type AuditFilter struct {
	Action     AuditAction
	EntityType EntityType
	AdminID    *uint
	EntityID   *uint
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

type AuditPage struct {
	Items []AuditLog `json:"items"`
	Total int64      `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// GetAuditLog retrieves an audit log by ID.
func (s *Service) GetAuditLog(ctx context.Context, p *Principal, id uint) (*AuditLog, error) {
	if err := requireCapability(p, CapViewAuditLogs); err != nil {
		return nil, err
	}
	return s.loadAuditLog(ctx, id)
}

func (s *Service) loadAuditLog(ctx context.Context, id uint) (*AuditLog, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}

	var log AuditLog
	if err := s.db.WithContext(ctx).First(&log, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: audit log %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	return &log, nil
}

// ListAuditLogs retrieves audit logs newest first, filtered and paginated.
func (s *Service) ListAuditLogs(ctx context.Context, p *Principal, filter AuditFilter) (*AuditPage, error) {
	if err := requireCapability(p, CapViewAuditLogs); err != nil {
		return nil, err
	}
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, filter.Action)
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, filter.EntityType)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: date range ends before it starts", ErrInvalidInput)
	}
	page, limit := normalizePage(filter.Page, filter.Limit, DefaultAuditPageSize, MaxAuditPageSize)

	query := s.db.WithContext(ctx).Model(&AuditLog{})
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.AdminID != nil {
		query = query.Where("admin_id = ?", *filter.AdminID)
	}
	if filter.EntityID != nil {
		query = query.Where("entity_id = ?", *filter.EntityID)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", filter.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	var items []AuditLog
	if err := query.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * limit).Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	return &AuditPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// RecentAuditLogs returns the newest entries.
func (s *Service) RecentAuditLogs(ctx context.Context, p *Principal, limit int) ([]AuditLog, error) {
	if err := requireCapability(p, CapViewAuditLogs); err != nil {
		return nil, err
	}
	_, limit = normalizePage(1, limit, DefaultRecentLimit, MaxRecentLimit)

	var items []AuditLog
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}
	return items, nil
}

type DayCount struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

type AuditStats struct {
	Total        int64                 `json:"total"`
	ByAction     map[AuditAction]int64 `json:"byAction"`
	ByEntityType map[EntityType]int64  `json:"byEntityType"`
	ByDay        []DayCount            `json:"byDay"`
}

type groupCount struct {
	Name  string
	Total int64
}

// AuditStats aggregates counts by action, by entity type, and per day over the
// trailing window. Days without entries are reported as zero.
func (s *Service) AuditStats(ctx context.Context, p *Principal) (*AuditStats, error) {
	if err := requireCapability(p, CapViewAuditLogs); err != nil {
		return nil, err
	}

	stats := &AuditStats{
		ByAction:     make(map[AuditAction]int64),
		ByEntityType: make(map[EntityType]int64),
	}
	db := s.db.WithContext(ctx)

	if err := db.Model(&AuditLog{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	var rows []groupCount
	if err := db.Model(&AuditLog{}).Select("action AS name, COUNT(*) AS total").
		Group("action").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to group audit logs by action: %w", err)
	}
	for _, r := range rows {
		stats.ByAction[AuditAction(r.Name)] = r.Total
	}

	rows = nil
	if err := db.Model(&AuditLog{}).Select("entity_type AS name, COUNT(*) AS total").
		Group("entity_type").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to group audit logs by entity type: %w", err)
	}
	for _, r := range rows {
		stats.ByEntityType[EntityType(r.Name)] = r.Total
	}

	today := startOfDay(s.clock.Now())
	since := today.AddDate(0, 0, -(StatsWindowDays - 1))
	var stamps []time.Time
	if err := db.Model(&AuditLog{}).Where("created_at >= ?", since).
		Pluck("created_at", &stamps).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch audit timestamps: %w", err)
	}
	perDay := make(map[string]int64, StatsWindowDays)
	for _, ts := range stamps {
		perDay[ts.UTC().Format(time.DateOnly)]++
	}
	stats.ByDay = make([]DayCount, 0, StatsWindowDays)
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		day := d.Format(time.DateOnly)
		stats.ByDay = append(stats.ByDay, DayCount{Day: day, Count: perDay[day]})
	}

	return stats, nil
}

// DeleteAuditLogsOlderThan hard-deletes entries created strictly before
// cutoff. A nil principal is the system retention job; callers through the
// admin console must be super administrators.
func (s *Service) DeleteAuditLogsOlderThan(ctx context.Context, p *Principal, cutoff time.Time) (int64, error) {
	if p != nil {
		if err := requireAuthenticated(p); err != nil {
			return 0, err
		}
		if !p.IsSuperAdmin() {
			return 0, fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
		}
	}
	if cutoff.IsZero() {
		return 0, fmt.Errorf("%w: cutoff is required", ErrInvalidInput)
	}

	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&AuditLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", res.Error)
	}
	s.log.Infow("audit logs purged", "cutoff", cutoff.UTC(), "deleted", res.RowsAffected)
	return res.RowsAffected, nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
