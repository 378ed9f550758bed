package agenda_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bohemiyan/agenda"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// stubClock is a settable clock.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// plainHasher keeps tests fast; bcrypt is covered in internal/auth.
type plainHasher struct{}

func (plainHasher) Hash(plain string) (string, error) { return "plain:" + plain, nil }
func (plainHasher) Verify(hash, plain string) bool   { return hash == "plain:"+plain }

type fixture struct {
	svc   *agenda.Service
	db    *gorm.DB
	clock *stubClock
	redis *miniredis.Miniredis
	ctx   context.Context
}

type fixtureOption func(*agenda.Config, *testing.T) *miniredis.Miniredis

func withRedis() fixtureOption {
	return func(cfg *agenda.Config, t *testing.T) *miniredis.Miniredis {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		cfg.RedisClient = rdb
		return mr
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clock := &stubClock{now: baseTime}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	cfg := agenda.Config{
		DB:          db,
		AutoMigrate: true,
		Clock:       clock,
		Hasher:      plainHasher{},
	}
	var mr *miniredis.Miniredis
	for _, opt := range opts {
		mr = opt(&cfg, t)
	}

	svc, err := agenda.NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return &fixture{svc: svc, db: db, clock: clock, redis: mr, ctx: context.Background()}
}

// user registers an account and returns its principal.
func (f *fixture) user(t *testing.T, email string, role agenda.Role) *agenda.Principal {
	t.Helper()

	name := strings.Split(email, "@")[0]
	u, err := f.svc.Register(f.ctx, agenda.Anonymous("10.0.0.1", "test"), agenda.UserInput{
		Email:     email,
		Password:  "password123",
		FirstName: name,
		LastName:  "Test",
		Role:      role,
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", email, err)
	}
	return f.principal(t, u.ID)
}

func (f *fixture) principal(t *testing.T, userID uint) *agenda.Principal {
	t.Helper()

	p, err := f.svc.LoadPrincipal(f.ctx, userID, "10.0.0.1", "test")
	if err != nil {
		t.Fatalf("LoadPrincipal(%d) error = %v", userID, err)
	}
	return p
}

// superAdmin returns a bootstrapped super administrator.
func (f *fixture) superAdmin(t *testing.T, email string) *agenda.Principal {
	t.Helper()

	u := f.user(t, email, agenda.RoleStaff)
	if _, err := f.svc.BootstrapSuperAdmin(f.ctx, email); err != nil {
		t.Fatalf("BootstrapSuperAdmin() error = %v", err)
	}
	return f.principal(t, u.UserID())
}

// admin promotes a fresh user with the given grant.
func (f *fixture) admin(t *testing.T, by *agenda.Principal, email string, grant agenda.AdminGrant) *agenda.Principal {
	t.Helper()

	u := f.user(t, email, agenda.RoleStaff)
	if _, err := f.svc.Promote(f.ctx, by, u.UserID(), grant); err != nil {
		t.Fatalf("Promote(%s) error = %v", email, err)
	}
	return f.principal(t, u.UserID())
}

// lastLog returns the newest audit entry matching action and entity type.
func (f *fixture) lastLog(t *testing.T, by *agenda.Principal, action agenda.AuditAction, entity agenda.EntityType) agenda.AuditLog {
	t.Helper()

	page, err := f.svc.ListAuditLogs(f.ctx, by, agenda.AuditFilter{Action: action, EntityType: entity, Limit: 1})
	if err != nil {
		t.Fatalf("ListAuditLogs() error = %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("no %s/%s audit entry", action, entity)
	}
	return page.Items[0]
}

func uintPtr(v uint) *uint { return &v }

func strPtr(v string) *string { return &v }
