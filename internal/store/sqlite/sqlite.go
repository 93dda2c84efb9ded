// Package sqlite is the durable terminal store. Held carts and queued
// sales survive restarts in a single local database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// Open connects to the database at path and applies pending migrations.
// ":memory:" gives a throwaway database for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps writes serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{`PRAGMA journal_mode = WAL`, `PRAGMA busy_timeout = 5000`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateHeldCart(ctx context.Context, held domain.HeldCart) (*domain.HeldCart, error) {
	if held.ID == "" {
		held.ID = xid.New("hold")
	}
	if held.CreatedAt.IsZero() {
		held.CreatedAt = time.Now().UTC()
	}
	linesJSON, err := json.Marshal(held.Lines)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_carts (id, terminal_id, note, lines, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, held.ID, held.TerminalID, held.Note, string(linesJSON), held.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	saved := held
	saved.Lines = domain.CloneLines(held.Lines)
	return &saved, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.HeldCart, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, note, lines, created_at
		FROM held_carts
		WHERE ? = '' OR terminal_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, terminalID, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	helds := make([]domain.HeldCart, 0)
	for rows.Next() {
		held, err := scanHeldCart(rows)
		if err != nil {
			return nil, err
		}
		helds = append(helds, *held)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return helds, nil
}

func (s *Store) PopHeldCart(ctx context.Context, holdID string) (*domain.HeldCart, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, terminal_id, note, lines, created_at
		FROM held_carts
		WHERE id = ?
	`, holdID)
	held, err := scanHeldCart(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := expectOneRow(tx.ExecContext(ctx, `DELETE FROM held_carts WHERE id = ?`, holdID)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return held, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, holdID string) error {
	return expectOneRow(s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE id = ?`, holdID))
}

func (s *Store) CreateOutboxItem(ctx context.Context, item domain.OutboxItem) (*domain.OutboxItem, error) {
	if item.ID == "" {
		item.ID = xid.New("obx")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Status == "" {
		item.Status = domain.OutboxPending
	}
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_items (id, idempotency_key, payload, created_at, attempts, last_error, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Payload.IdempotencyKey, string(payloadJSON), item.CreatedAt.UnixNano(),
		item.Attempts, item.LastError, string(item.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return s.GetOutboxItem(ctx, item.ID)
}

func (s *Store) GetOutboxItem(ctx context.Context, id string) (*domain.OutboxItem, error) {
	return s.findOutboxItem(ctx, "id", id)
}

func (s *Store) FindOutboxItemByIdempotency(ctx context.Context, key string) (*domain.OutboxItem, error) {
	return s.findOutboxItem(ctx, "idempotency_key", key)
}

func (s *Store) findOutboxItem(ctx context.Context, column string, value string) (*domain.OutboxItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, created_at, attempts, last_error, status
		FROM outbox_items
		WHERE `+column+` = ?
	`, value)
	item, err := scanOutboxItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) ListOutboxItems(ctx context.Context, status domain.OutboxStatus) ([]domain.OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, created_at, attempts, last_error, status
		FROM outbox_items
		WHERE ? = '' OR status = ?
		ORDER BY created_at ASC, seq ASC
	`, string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OutboxItem, 0)
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) RecordOutboxAttempt(ctx context.Context, id string, status domain.OutboxStatus, lastError string) (*domain.OutboxItem, error) {
	err := expectOneRow(s.db.ExecContext(ctx, `
		UPDATE outbox_items
		SET attempts = attempts + 1, status = ?, last_error = ?
		WHERE id = ?
	`, string(status), lastError, id))
	if err != nil {
		return nil, err
	}
	return s.GetOutboxItem(ctx, id)
}

func (s *Store) SetOutboxStatus(ctx context.Context, id string, status domain.OutboxStatus) (*domain.OutboxItem, error) {
	err := expectOneRow(s.db.ExecContext(ctx, `UPDATE outbox_items SET status = ? WHERE id = ?`, string(status), id))
	if err != nil {
		return nil, err
	}
	return s.GetOutboxItem(ctx, id)
}

func (s *Store) DeleteOutboxItem(ctx context.Context, id string) error {
	return expectOneRow(s.db.ExecContext(ctx, `DELETE FROM outbox_items WHERE id = ?`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHeldCart(row scanner) (*domain.HeldCart, error) {
	var (
		held      domain.HeldCart
		linesRaw  string
		createdAt int64
	)
	if err := row.Scan(&held.ID, &held.TerminalID, &held.Note, &linesRaw, &createdAt); err != nil {
		return nil, err
	}
	held.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(linesRaw), &held.Lines); err != nil {
		return nil, fmt.Errorf("decode held cart %s: %w", held.ID, err)
	}
	return &held, nil
}

func scanOutboxItem(row scanner) (*domain.OutboxItem, error) {
	var (
		item       domain.OutboxItem
		payloadRaw string
		createdAt  int64
		status     string
	)
	if err := row.Scan(&item.ID, &payloadRaw, &createdAt, &item.Attempts, &item.LastError, &status); err != nil {
		return nil, err
	}
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.Status = domain.OutboxStatus(status)
	if err := json.Unmarshal([]byte(payloadRaw), &item.Payload); err != nil {
		return nil, fmt.Errorf("decode outbox item %s: %w", item.ID, err)
	}
	return &item, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
