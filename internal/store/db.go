package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"campus/internal/model"
)

// DB wraps a gorm handle over Postgres (pgx) or sqlite.
type DB struct {
	Gorm *gorm.DB
}

// NewDB opens the database for the given driver ("postgres" or "sqlite") with sane pool defaults.
func NewDB(driver, dsn string) (*DB, error) {
	var (
		dialector gorm.Dialector
		maxOpen   = 10
	)
	switch driver {
	case "postgres", "pgx", "":
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		dialector = postgres.New(postgres.Config{Conn: conn})
	case "sqlite":
		dialector = sqlite.Open(dsn)
		// sqlite allows a single writer; one connection also keeps in-memory databases alive.
		maxOpen = 1
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return &DB{Gorm: gdb}, sqlDB.PingContext(ctx)
}

// Migrate creates or updates the tables backing every model.
func (d *DB) Migrate() error {
	return d.Gorm.AutoMigrate(model.All()...)
}

// Healthy pings the underlying connection pool.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Gorm == nil {
		return false
	}
	sqlDB, err := d.Gorm.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Gorm == nil {
		return nil
	}
	sqlDB, err := d.Gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
