package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB represents the database connection
type DB struct {
	*sqlx.DB
	walMode bool
}

// NewDB creates a new database connection to path, running schema
// migrations before returning. path may be ":memory:".
func NewDB(path string, walMode bool) (*DB, error) {
	// Handle special case for in-memory database
	if path == ":memory:" {
		// Connect directly to in-memory database
		db, err := sqlx.Connect("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to in-memory database: %w", err)
		}

		// Create database instance
		database := &DB{
			DB:      db,
			walMode: walMode,
		}

		// Initialize schema
		if err := database.InitSchema(); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}

		return database, nil
	}

	// Ensure data directory exists for file-based database
	dataDir := filepath.Dir(path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Build connection string
	connStr := path
	if walMode {
		connStr += "?_journal_mode=WAL&_sync=NORMAL&_cache_size=1000&_foreign_keys=ON"
	} else {
		connStr += "?_foreign_keys=ON"
	}

	// Open database
	db, err := sqlx.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool with reasonable defaults
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dbWrapper := &DB{
		DB:      db,
		walMode: walMode,
	}

	// Initialize schema
	if err := dbWrapper.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return dbWrapper, nil
}

// InitSchema initializes the database schema: the target, check_result
// and incident tables plus their lookup indexes.
func (db *DB) InitSchema() error {
	schema := `
	-- Monitored targets
	CREATE TABLE IF NOT EXISTS target (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		interval_s INTEGER NOT NULL DEFAULT 60 CHECK(interval_s >= 60),
		timeout_s INTEGER NOT NULL DEFAULT 5 CHECK(timeout_s >= 1),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per probe attempt result
	CREATE TABLE IF NOT EXISTS check_result (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id INTEGER NOT NULL REFERENCES target(id) ON DELETE CASCADE,
		ts DATETIME NOT NULL,
		ok BOOLEAN NOT NULL,
		status_code INTEGER,
		latency_ms INTEGER,
		error_text TEXT NOT NULL DEFAULT '' CHECK(length(error_text) <= 512)
	);

	-- Open/closed downtime brackets, at most one open per target
	CREATE TABLE IF NOT EXISTS incident (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id TEXT NOT NULL UNIQUE,
		target_id INTEGER NOT NULL REFERENCES target(id) ON DELETE CASCADE,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		fail_count INTEGER NOT NULL DEFAULT 0,
		is_open BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_check_result_target_ts ON check_result(target_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_incident_target_open ON incident(target_id, is_open);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck() error {
	var result int
	err := db.Get(&result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// GetStats returns database statistics used by the status endpoint.
func (db *DB) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	tables := []string{"target", "check_result", "incident"}
	for _, table := range tables {
		var count int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := db.Get(&count, query); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table+"_count"] = count
	}

	var pages, pageSize int
	if err := db.Get(&pages, "PRAGMA page_count"); err == nil {
		if err := db.Get(&pageSize, "PRAGMA page_size"); err == nil {
			stats["database_size_bytes"] = pages * pageSize
		}
	}

	var journalMode string
	if err := db.Get(&journalMode, "PRAGMA journal_mode"); err == nil {
		stats["journal_mode"] = journalMode
	}

	return stats, nil
}

// TargetRepository returns a new target repository.
func (db *DB) TargetRepository() *TargetRepository {
	return NewTargetRepository(db)
}

// ResultRepository returns a new check-result repository.
func (db *DB) ResultRepository() *ResultRepository {
	return NewResultRepository(db)
}

// IncidentRepository returns a new incident repository.
func (db *DB) IncidentRepository() *IncidentRepository {
	return NewIncidentRepository(db)
}
