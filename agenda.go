package agenda

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config holds the configuration for the agenda service
type Config struct {
	DB          *gorm.DB
	RedisClient *redis.Client
	CacheTTL    time.Duration
	CachePrefix string
	AutoMigrate bool
	Logger      *zap.SugaredLogger
	Clock       Clock
	Hasher      PasswordHasher
}

// Service is the core of the application: access resolution, the audit
// recorder, the undo engine and the domain services that feed them.
type Service struct {
	db          *gorm.DB
	redisClient *redis.Client
	cacheTTL    time.Duration
	cachePrefix string
	log         *zap.SugaredLogger
	clock       Clock
	hasher      PasswordHasher
}

// PasswordHasher is the opaque password primitive used for users.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) bool
}

// Models lists every table owned by the service, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&User{},
		&Administrator{},
		&Calendar{},
		&CalendarPermission{},
		&Event{},
		&AuditLog{},
		&IncidentCategory{},
		&Incident{},
		&IncidentComment{},
	}
}

// NewService initializes a new agenda service
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("password hasher is required")
	}

	if cfg.CachePrefix == "" {
		cfg.CachePrefix = "agenda:"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	if cfg.AutoMigrate {
		if err := cfg.DB.AutoMigrate(Models()...); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate: %w", err)
		}
	}

	return &Service{
		db:          cfg.DB,
		redisClient: cfg.RedisClient,
		cacheTTL:    cfg.CacheTTL,
		cachePrefix: cfg.CachePrefix,
		log:         cfg.Logger,
		clock:       cfg.Clock,
		hasher:      cfg.Hasher,
	}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// isDuplicate reports whether err is a unique-constraint violation. Drivers
// opened with TranslateError return gorm.ErrDuplicatedKey; the string checks
// cover handles opened without it.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func uintPtr(v uint) *uint {
	return &v
}

func normalizePage(page, limit, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return page, limit
}
