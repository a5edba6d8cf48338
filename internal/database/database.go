package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/billing/config"
)

// Connections bundles the write and read-only GORM handles. Rollup
// writes go through DB; repositories route reads through ReadOnlyDB.
type Connections struct {
	DB         *gorm.DB
	ReadOnlyDB *gorm.DB
}

// Connect opens the write and read-only database connections. When no
// separate read-only DSN is configured both handles share one pool.
func Connect(cfg config.DatabaseConfig) (*Connections, error) {
	db, err := open(cfg.DSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		readOnlyDB, err = open(cfg.ReadOnlyDSN, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to read-only database: %w", err)
		}
	}

	return &Connections{
		DB:         db,
		ReadOnlyDB: readOnlyDB,
	}, nil
}

func open(dsn string, cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Close closes both connections
func (c *Connections) Close() error {
	if err := closeHandle(c.DB); err != nil {
		return err
	}
	if c.ReadOnlyDB != c.DB {
		return closeHandle(c.ReadOnlyDB)
	}
	return nil
}

func closeHandle(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
