package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/pkg/logger"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	code       TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	host_id    TEXT NOT NULL DEFAULT '',
	max_users  INTEGER NOT NULL DEFAULT 0,
	settings   TEXT NOT NULL,
	visibility TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS rooms_public_idx ON rooms (visibility, status, created_at);
`

// SQLiteDB keeps the registry in a single file for single-node deployments.
type SQLiteDB struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	logger.Info("Opened sqlite registry at %s", path)
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func mapSQLiteError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func (s *SQLiteDB) CreateAccount(ctx context.Context, a *models.Account) error {
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, display_name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.DisplayName, a.Email, a.PasswordHash, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteDB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	a := &models.Account{}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM accounts WHERE email = ?`, email).
		Scan(&a.ID, &a.DisplayName, &a.Email, &a.PasswordHash, &created)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (s *SQLiteDB) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	a := &models.Account{}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, email, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.DisplayName, &a.Email, &created)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	a.CreatedAt = fromMillis(created)
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*models.RoomSummary, error) {
	r := &models.RoomSummary{}
	var settings string
	var created int64
	if err := row.Scan(&r.ID, &r.Name, &r.Code, &r.Status, &r.HostID, &r.MaxUsers, &settings, &created); err != nil {
		return nil, mapSQLiteError(err)
	}
	if err := json.Unmarshal([]byte(settings), &r.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of room %s: %w", r.ID, err)
	}
	r.CreatedAt = fromMillis(created)
	return r, nil
}

func (s *SQLiteDB) CreateRoom(ctx context.Context, r *models.RoomSummary) error {
	settings, err := json.Marshal(r.Settings)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, code, status, host_id, max_users, settings, visibility, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Code, r.Status, r.HostID, r.MaxUsers, string(settings), r.Settings.Visibility, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create room: %w", mapSQLiteError(err))
	}
	return nil
}

func (s *SQLiteDB) GetRoomByID(ctx context.Context, id string) (*models.RoomSummary, error) {
	return scanSQLiteRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
}

func (s *SQLiteDB) GetRoomByCode(ctx context.Context, code string) (*models.RoomSummary, error) {
	return scanSQLiteRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = ?`, code))
}

func (s *SQLiteDB) UpdateRoom(ctx context.Context, r *models.RoomSummary) error {
	settings, err := json.Marshal(r.Settings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = ?, status = ?, host_id = ?, max_users = ?, settings = ?, visibility = ? WHERE id = ?`,
		r.Name, r.Status, r.HostID, r.MaxUsers, string(settings), r.Settings.Visibility, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update room: %w", mapSQLiteError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteDB) ListPublicRooms(ctx context.Context, limit int) ([]*models.RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE visibility = 'public' AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.RoomSummary
	for rows.Next() {
		r, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
