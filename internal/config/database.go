package config

import (
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// defaultPragmas tune SQLite for one writer (the scheduler) and concurrent
// readers (the admin API and the recycling loop)
var defaultPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA optimize",
}

// tuneConnectionPool sizes the pool from the database config
func tuneConnectionPool(db *sql.DB, cfg DatabaseConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(max(1, cfg.MaxOpenConns/2))
	db.SetConnMaxIdleTime(time.Minute)
}

// applyPragmas runs the default pragmas followed by the configured ones
func applyPragmas(db *sql.DB, extra []string) error {
	for _, pragma := range append(append([]string{}, defaultPragmas...), extra...) {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
		log.WithField("pragma", pragma).Debug("applied sqlite pragma")
	}
	return nil
}
