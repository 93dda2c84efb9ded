package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/terminal/internal/domain"
)

// PostgresClient commits through the ledger database's create_pos_sale
// function, which records the sale and decrements lots in one transaction.
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient does not dial; the terminal must start while the
// ledger is unreachable.
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresClient{db: db}, nil
}

func (c *PostgresClient) Close() error {
	return c.db.Close()
}

func (c *PostgresClient) Commit(ctx context.Context, payload domain.SalePayload) (domain.Receipt, error) {
	payload, err := payload.WithIdempotencyKey()
	if err != nil {
		return domain.Receipt{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Receipt{}, err
	}

	var saleID sql.NullString
	err = c.db.QueryRowContext(ctx, `SELECT create_pos_sale($1::jsonb)::text`, string(body)).Scan(&saleID)
	if err != nil {
		return domain.Receipt{}, classifyPgError(err)
	}
	if !saleID.Valid || strings.TrimSpace(saleID.String) == "" {
		return domain.Receipt{}, fmt.Errorf("%w: ledger returned no sale id", ErrRejected)
	}
	return domain.Receipt{SaleID: saleID.String, IdempotencyKey: payload.IdempotencyKey}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// classifyPgError treats data and integrity violations and explicit
// RAISE EXCEPTION from the ledger function as rejections. Everything else,
// including serialization failures and lost connections, is retried.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "P0001",
			strings.HasPrefix(pgErr.Code, "22"),
			strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %s", ErrRejected, pgErr.Message)
		default:
			return fmt.Errorf("%w: %s (%s)", ErrTransient, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
