package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/ports"
)

// Recorder implements the ports.TransactionRecorder interface using SQLite.
// Records are append-only; there is no update or delete path.
type Recorder struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite recorder.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRecorder creates a new SQLite recorder instance.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite recorder")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/lifecycle.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite recorder initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency: workers append from multiple goroutines
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite recorder initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite recorder initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from limiting connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	rec := &Recorder{db: db, logger: cfg.Logger}
	if err := rec.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite recorder initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite recorder initialized", map[string]interface{}{"path": dbPath})
	return rec, nil
}

func (r *Recorder) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS lifecycle_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		order_ids TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_records_symbol_timestamp ON lifecycle_records (symbol, timestamp);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite recorder connection")
		return r.db.Close()
	}
	return nil
}

// Record appends one lifecycle record.
func (r *Recorder) Record(ctx context.Context, rec *domain.LifecycleRecord) error {
	const query = `
	INSERT INTO lifecycle_records (timestamp, symbol, action, strategy_id, order_ids, outcome, detail)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		rec.Timestamp, rec.Symbol, string(rec.Action), rec.StrategyID,
		joinOrderIDs(rec.OrderIDs), string(rec.Outcome), rec.Detail)
	if err != nil {
		return fmt.Errorf("%w: symbol %s: %w", ports.ErrRecordFailed, rec.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: could not get record ID: %w", ports.ErrRecordFailed, err)
	}
	rec.ID = id
	return nil
}

// FindBySymbol retrieves the most recent records for a symbol, newest first.
func (r *Recorder) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.LifecycleRecord, error) {
	const query = `
	SELECT id, timestamp, symbol, action, strategy_id, order_ids, outcome, detail
	FROM lifecycle_records WHERE symbol = ? ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindRecent retrieves the most recent records across all symbols, newest first.
func (r *Recorder) FindRecent(ctx context.Context, limit int) ([]*domain.LifecycleRecord, error) {
	const query = `
	SELECT id, timestamp, symbol, action, strategy_id, order_ids, outcome, detail
	FROM lifecycle_records ORDER BY timestamp DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*domain.LifecycleRecord, error) {
	var records []*domain.LifecycleRecord
	for rows.Next() {
		var rec domain.LifecycleRecord
		var action, outcome, orderIDs string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Symbol, &action, &rec.StrategyID, &orderIDs, &outcome, &rec.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		rec.Action = domain.SignalAction(action)
		rec.Outcome = domain.Outcome(outcome)
		rec.OrderIDs = splitOrderIDs(orderIDs)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return records, nil
}

func joinOrderIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitOrderIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
