package agenda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// accessCacheKey generates a Redis cache key for a resolved access level.
func (s *Service) accessCacheKey(calendarID, userID uint) string {
	return fmt.Sprintf("%saccess:%d:%d", s.cachePrefix, calendarID, userID)
}

// checkCache returns a cached access level, if any.
func (s *Service) checkCache(ctx context.Context, calendarID, userID uint) (AccessLevel, bool) {
	if s.redisClient == nil {
		return AccessNone, false
	}

	val, err := s.redisClient.Get(ctx, s.accessCacheKey(calendarID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return AccessNone, false
	}
	if err != nil {
		s.log.Warnw("access cache read failed", "calendar_id", calendarID, "user_id", userID, "error", err)
		return AccessNone, false
	}
	level, err := strconv.Atoi(val)
	if err != nil || level < int(AccessNone) || level > int(AccessAdmin) {
		return AccessNone, false
	}
	return AccessLevel(level), true
}

// setCache caches a resolved access level.
func (s *Service) setCache(ctx context.Context, calendarID, userID uint, level AccessLevel) {
	if s.redisClient == nil {
		return
	}

	if err := s.redisClient.Set(ctx, s.accessCacheKey(calendarID, userID), int(level), s.cacheTTL).Err(); err != nil {
		s.log.Warnw("access cache write failed", "calendar_id", calendarID, "user_id", userID, "error", err)
	}
}

// invalidateAccess drops the cached level of one (calendar, user) pair.
func (s *Service) invalidateAccess(ctx context.Context, calendarID, userID uint) {
	if s.redisClient == nil {
		return
	}

	if err := s.redisClient.Del(ctx, s.accessCacheKey(calendarID, userID)).Err(); err != nil {
		s.log.Warnw("access cache invalidation failed", "calendar_id", calendarID, "user_id", userID, "error", err)
	}
}

// invalidateCalendarAccess drops every cached level for a calendar.
func (s *Service) invalidateCalendarAccess(ctx context.Context, calendarID uint) {
	s.deletePattern(ctx, fmt.Sprintf("%saccess:%d:*", s.cachePrefix, calendarID))
}

// invalidateUserAccess drops every cached level held by a user.
func (s *Service) invalidateUserAccess(ctx context.Context, userID uint) {
	s.deletePattern(ctx, fmt.Sprintf("%saccess:*:%d", s.cachePrefix, userID))
}

func (s *Service) deletePattern(ctx context.Context, pattern string) {
	if s.redisClient == nil {
		return
	}

	var keys []string
	iter := s.redisClient.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.log.Warnw("cache scan failed", "pattern", pattern, "error", err)
		return
	}
	if len(keys) > 0 {
		if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
			s.log.Warnw("cache invalidation failed", "pattern", pattern, "error", err)
		}
	}
}

// ClearAllCache drops every cached access level. The token denylist is kept.
func (s *Service) ClearAllCache(ctx context.Context) error {
	if s.redisClient == nil {
		return nil
	}

	var keys []string
	iter := s.redisClient.Scan(ctx, 0, s.cachePrefix+"access:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.redisClient.Del(ctx, keys...).Err()
	}
	return nil
}

func (s *Service) tokenDenyKey(tokenID string) string {
	return s.cachePrefix + "revoked:" + tokenID
}

// RevokeToken puts a token id on the denylist until it would have expired.
// Without Redis, revocation is a no-op and tokens live until expiry.
func (s *Service) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if s.redisClient == nil || tokenID == "" {
		return nil
	}

	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return s.redisClient.Set(ctx, s.tokenDenyKey(tokenID), "1", ttl).Err()
}

// IsTokenRevoked reports whether a token id is on the denylist.
func (s *Service) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s.redisClient == nil || tokenID == "" {
		return false, nil
	}

	n, err := s.redisClient.Exists(ctx, s.tokenDenyKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
