package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/entitlements/internal/config"
	"github.com/MarkoPoloResearchLab/entitlements/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlements/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres    = "postgres"
	driverSQLite      = "sqlite"
	defaultSQLiteFile = "entitlements.db"
)

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// sqlite allows one writer; serialize through a single connection.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(ctx context.Context, db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// openStore returns the configured entitlement store. The gorm handle is
// always opened so sqlite schemas can be prepared; the pgx backend opens its
// own pool against the same database.
func openStore(ctx context.Context, cfg config.Config) (entitlement.Store, func(), error) {
	db, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(ctx, db, driver); err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	if cfg.Store != config.StorePgx {
		return gormstore.New(db), func() { _ = closeDB() }, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = closeDB()
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	cleanup := func() {
		pool.Close()
		_ = closeDB()
	}
	return pgstore.New(pool), cleanup, nil
}
