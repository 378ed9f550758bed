package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bohemiyan/agenda/internal/config"
	_ "github.com/lib/pq"
	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresDB wraps both sql.DB and gorm.DB. The plain handle drives schema
// migrations; gorm serves the application.
type PostgresDB struct {
	DB     *sql.DB
	GormDB *gorm.DB
}

// GormConfig is the gorm configuration shared by every database the service
// opens: translated driver errors and UTC timestamps.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Error),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

func NewPostgresDB(cfg *config.Config) (*PostgresDB, error) {
	dsn := cfg.PostgresDSN()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	gormDB, err := gorm.Open(postgres.Open(dsn), GormConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return &PostgresDB{DB: db, GormDB: gormDB}, nil
}

// Ping checks both handles.
func (p *PostgresDB) Ping() error {
	sqlDB, err := p.GormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from GORM: %w", err)
	}
	return multierr.Combine(p.DB.Ping(), sqlDB.Ping())
}

// Close closes both handles and reports every failure.
func (p *PostgresDB) Close() error {
	err := p.DB.Close()
	if err != nil {
		err = fmt.Errorf("failed to close sql.DB: %w", err)
	}

	sqlDB, gerr := p.GormDB.DB()
	if gerr != nil {
		return multierr.Append(err, fmt.Errorf("failed to get sql.DB from GORM: %w", gerr))
	}
	if cerr := sqlDB.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close GORM sql.DB: %w", cerr))
	}
	return err
}
