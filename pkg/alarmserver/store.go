package alarmserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// Log types.
const (
	TypeInfo    = "INFO"
	TypeWarning = "WARNING"
	TypeDanger  = "DANGER"
)

// Log statuses.
const (
	StatusActive   = "active"
	StatusResolved = "resolved"
)

const (
	defaultDetectedName = "Unknown"
	defaultDeviceID     = "Camera-01"
)

// ErrInvalidLog is returned for a log that fails validation.
var ErrInvalidLog = errors.New("invalid security log")

// Log is one security event.
type Log struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	DetectedName string    `json:"detectedName"`
	ImageURL     string    `json:"imageUrl"`
	DeviceID     string    `json:"deviceId"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// Normalize fills defaults and validates l.
func (l *Log) Normalize() error {
	if l.Type == "" {
		l.Type = TypeInfo
	}
	switch l.Type {
	case TypeInfo, TypeWarning, TypeDanger:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidLog, l.Type)
	}
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidLog)
	}
	if strings.TrimSpace(l.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidLog)
	}
	if l.DetectedName == "" {
		l.DetectedName = defaultDetectedName
	}
	if l.DeviceID == "" {
		l.DeviceID = defaultDeviceID
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	return nil
}

// Alerting reports whether the log can sound the alarm.
func (l *Log) Alerting() bool {
	return l.Type == TypeWarning || l.Type == TypeDanger
}

// Store persists security logs.
type Store interface {
	Create(ctx context.Context, l *Log) error
	List(ctx context.Context, limit int) ([]Log, error)
	// LatestActiveAlert returns the newest active WARNING or DANGER log at
	// or after since, or nil when there is none.
	LatestActiveAlert(ctx context.Context, since time.Time) (*Log, error)
	// ResolveActive marks every active WARNING and DANGER log resolved.
	ResolveActive(ctx context.Context) (int64, error)
	Close() error
}

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	dbPath := path
	if idx := strings.Index(path, "?"); idx != -1 {
		dbPath = path[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && !strings.HasPrefix(dbPath, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// A single connection keeps in-memory databases shared across queries.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	createLogsTable := `
    CREATE TABLE IF NOT EXISTS security_logs (
        id TEXT PRIMARY KEY,
        type TEXT NOT NULL,
        title TEXT NOT NULL,
        message TEXT NOT NULL,
        detected_name TEXT NOT NULL,
        image_url TEXT NOT NULL DEFAULT '',
        device_id TEXT NOT NULL,
        status TEXT NOT NULL,
        timestamp INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_security_logs_timestamp ON security_logs(timestamp);
    CREATE INDEX IF NOT EXISTS idx_security_logs_status ON security_logs(status, type);
    `
	if _, err := db.Exec(createLogsTable); err != nil {
		return fmt.Errorf("failed to create security_logs table: %w", err)
	}
	return nil
}

// Create validates l, assigns an id and inserts it. A zero Timestamp
// becomes the current time.
func (s *SQLiteStore) Create(ctx context.Context, l *Log) error {
	if err := l.Normalize(); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO security_logs (id, type, title, message, detected_name, image_url, device_id, status, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Type, l.Title, l.Message, l.DetectedName, l.ImageURL, l.DeviceID, l.Status, l.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert security log: %w", err)
	}
	return nil
}

// List returns up to limit logs, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, type, title, message, detected_name, image_url, device_id, status, timestamp
        FROM security_logs ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security logs: %w", err)
	}
	defer rows.Close()

	logs := []Log{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// LatestActiveAlert implements Store.
func (s *SQLiteStore) LatestActiveAlert(ctx context.Context, since time.Time) (*Log, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, type, title, message, detected_name, image_url, device_id, status, timestamp
        FROM security_logs
        WHERE status = ? AND type IN (?, ?) AND timestamp >= ?
        ORDER BY timestamp DESC, rowid DESC LIMIT 1`,
		StatusActive, TypeWarning, TypeDanger, since.UnixMilli())

	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// ResolveActive implements Store.
func (s *SQLiteStore) ResolveActive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE security_logs SET status = ?
        WHERE status = ? AND type IN (?, ?)`,
		StatusResolved, StatusActive, TypeWarning, TypeDanger)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve security logs: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLog(sc scanner) (*Log, error) {
	var l Log
	var ts int64
	err := sc.Scan(&l.ID, &l.Type, &l.Title, &l.Message, &l.DetectedName, &l.ImageURL, &l.DeviceID, &l.Status, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan security log: %w", err)
	}
	l.Timestamp = time.UnixMilli(ts).UTC()
	return &l, nil
}
