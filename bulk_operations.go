package agenda

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
)

const bulkWorkers = 10

type accessJob struct {
	index int
	level AccessLevel
	err   error
}

// ResolveAccessBulk resolves p's level on each calendar concurrently. The
// result is indexed like cals.
func (s *Service) ResolveAccessBulk(ctx context.Context, p *Principal, cals []Calendar) ([]AccessLevel, error) {
	levels := make([]AccessLevel, len(cals))
	if len(cals) == 0 {
		return levels, nil
	}

	// Use worker pool for concurrent processing
	workerCount := bulkWorkers
	if len(cals) < workerCount {
		workerCount = len(cals)
	}

	jobs := make(chan int, len(cals))
	results := make(chan accessJob, len(cals))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				level, err := s.ResolveAccess(ctx, &cals[idx], p)
				results <- accessJob{index: idx, level: level, err: err}
			}
		}()
	}

	for i := range cals {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		levels[res.index] = res.level
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return levels, nil
}

// BulkGrant inserts grants for many users on one calendar in a single
// transaction. The first duplicate aborts the whole batch with ErrConflict.
func (s *Service) BulkGrant(ctx context.Context, p *Principal, calendarID uint, grants map[uint]GrantLevel) ([]CalendarPermission, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, fmt.Errorf("%w: no grants given", ErrInvalidInput)
	}

	userIDs := make([]uint, 0, len(grants))
	for userID, level := range grants {
		if userID == 0 || !level.Valid() {
			return nil, fmt.Errorf("%w: invalid grant %q for user %d", ErrInvalidInput, level, userID)
		}
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	created := make([]CalendarPermission, 0, len(grants))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cal, err := s.loadCalendar(ctx, tx, calendarID)
		if err != nil {
			return err
		}
		if err := s.requireCalendarAccess(ctx, tx, p, cal, AccessAdmin); err != nil {
			return err
		}
		for _, userID := range userIDs {
			grant := CalendarPermission{CalendarID: calendarID, UserID: userID, Permission: grants[userID]}
			if err := insertGrantTx(tx, cal, &grant); err != nil {
				return err
			}
			created = append(created, grant)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.primeAccessCache(ctx, calendarID, created)
	for i := range created {
		s.recordBestEffort(ctx, AuditEntry{
			Action:     ActionCreate,
			EntityType: EntityPermission,
			EntityID:   uintPtr(created[i].ID),
			NewValue:   grantSnapshot(&created[i]),
			Actor:      p,
		})
	}
	return created, nil
}

// primeAccessCache writes the levels granted in one batch through a single
// pipeline. Public calendars never lower a grant, so the granted level is the
// resolved one.
func (s *Service) primeAccessCache(ctx context.Context, calendarID uint, grants []CalendarPermission) {
	if s.redisClient == nil || len(grants) == 0 {
		return
	}

	pipe := s.redisClient.Pipeline()
	for _, g := range grants {
		pipe.Set(ctx, s.accessCacheKey(calendarID, g.UserID), int(g.Permission.Access()), s.cacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warnw("access cache priming failed", "calendar_id", calendarID, "count", len(grants), "error", err)
	}
}
