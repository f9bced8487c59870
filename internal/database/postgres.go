package database

import (
	"context"
	"errors"
	"fmt"

	"xr-multiplayer/internal/models"
	"xr-multiplayer/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            UUID PRIMARY KEY,
	display_name  TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL,
	code       CHAR(6) NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	host_id    TEXT NOT NULL DEFAULT '',
	max_users  INTEGER NOT NULL DEFAULT 0,
	settings   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS rooms_public_idx ON rooms ((settings->>'visibility'), status);
`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

// Migrate creates the registry tables if they are missing.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// Account Repository Implementation
func (db *PostgresDB) CreateAccount(ctx context.Context, a *models.Account) error {
	query := `
		INSERT INTO accounts (id, display_name, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query, a.ID, a.DisplayName, a.Email, a.PasswordHash).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

func (db *PostgresDB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT id, display_name, email, password_hash, created_at FROM accounts WHERE email = $1`

	a := &models.Account{}
	err := db.pool.QueryRow(ctx, query, email).Scan(&a.ID, &a.DisplayName, &a.Email, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (db *PostgresDB) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT id, display_name, email, created_at FROM accounts WHERE id = $1`

	a := &models.Account{}
	err := db.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.DisplayName, &a.Email, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// Room Repository Implementation
const roomColumns = `id, name, code, status, host_id, max_users, settings, created_at`

func scanRoom(row pgx.Row) (*models.RoomSummary, error) {
	r := &models.RoomSummary{}
	err := row.Scan(&r.ID, &r.Name, &r.Code, &r.Status, &r.HostID, &r.MaxUsers, &r.Settings, &r.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

func (db *PostgresDB) CreateRoom(ctx context.Context, r *models.RoomSummary) error {
	query := `
		INSERT INTO rooms (id, name, code, status, host_id, max_users, settings, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query, r.ID, r.Name, r.Code, r.Status, r.HostID, r.MaxUsers, r.Settings).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", mapError(err))
	}
	return nil
}

func (db *PostgresDB) GetRoomByID(ctx context.Context, id string) (*models.RoomSummary, error) {
	return scanRoom(db.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (db *PostgresDB) GetRoomByCode(ctx context.Context, code string) (*models.RoomSummary, error) {
	return scanRoom(db.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

func (db *PostgresDB) UpdateRoom(ctx context.Context, r *models.RoomSummary) error {
	query := `
		UPDATE rooms SET name = $2, status = $3, host_id = $4, max_users = $5, settings = $6
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query, r.ID, r.Name, r.Status, r.HostID, r.MaxUsers, r.Settings)
	if err != nil {
		return fmt.Errorf("failed to update room: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) ListPublicRooms(ctx context.Context, limit int) ([]*models.RoomSummary, error) {
	query := `
		SELECT ` + roomColumns + `
		FROM rooms
		WHERE settings->>'visibility' = 'public' AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.RoomSummary
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
