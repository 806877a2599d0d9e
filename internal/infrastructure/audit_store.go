package infrastructure

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"fhir-mcp-server/internal/domain"
)

// AuditStore appends tool invocation records to a SQLite database.
// Rows hold identifiers and outcomes only, never clinical payloads.
type AuditStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewAuditStore opens (or creates) the audit database at dbPath.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure audit database: %w", err)
		}
	}

	store := &AuditStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return store, nil
}

func (s *AuditStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		request_id TEXT,
		tool TEXT NOT NULL,
		subject TEXT,
		outcome TEXT NOT NULL,
		error_kind TEXT,
		duration_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tool_invocations_tool ON tool_invocations(tool);
	CREATE INDEX IF NOT EXISTS idx_tool_invocations_created ON tool_invocations(created_at);
	`

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record implements domain.AuditRecorder.
func (s *AuditStore) Record(ctx context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_invocations
			(correlation_id, request_id, tool, subject, outcome, error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CorrelationID, e.RequestID, e.Tool, e.Subject, e.Outcome, e.ErrorKind,
		e.Duration.Milliseconds(), e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	return nil
}

// Recent returns the newest entries first, up to limit.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, request_id, tool, subject, outcome, error_kind, duration_ms, created_at
		FROM tool_invocations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			requestID sql.NullString
			subject   sql.NullString
			errorKind sql.NullString
			ms        int64
			createdAt string
		)
		if err := rows.Scan(&e.CorrelationID, &requestID, &e.Tool, &subject, &e.Outcome, &errorKind, &ms, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.RequestID = requestID.String
		e.Subject = subject.String
		e.ErrorKind = errorKind.String
		e.Duration = time.Duration(ms) * time.Millisecond
		e.At, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

var _ domain.AuditRecorder = (*AuditStore)(nil)
