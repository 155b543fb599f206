package share

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stash/internal/errs"
)

// PostgresTokenStore implements TokenStore over PostgreSQL, for deployments
// where share links must survive restarts.
type PostgresTokenStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresTokenStoreOption configures the store.
type PostgresTokenStoreOption func(*PostgresTokenStore) error

// WithTokenSchema sets the Postgres schema (default "stash").
func WithTokenSchema(schema string) PostgresTokenStoreOption {
	return func(s *PostgresTokenStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("share: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresTokenStore constructs a PostgresTokenStore.
func NewPostgresTokenStore(pool *pgxpool.Pool, opts ...PostgresTokenStoreOption) (*PostgresTokenStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("share: nil pool")
	}
	s := &PostgresTokenStore{pool: pool, schema: "stash"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresTokenStore) table() string {
	return pgx.Identifier{s.schema, "share_tokens"}.Sanitize()
}

const tokenCols = "value, owner, item_id, created_at, expires_at"

func (s *PostgresTokenStore) Insert(ctx context.Context, t Token) error {
	const op = "share.Insert"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (`+tokenCols+`) VALUES ($1, $2, $3, $4, $5)`,
		t.Value, t.Owner, t.ItemID, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.New(op, errs.ErrConflict, "token value taken")
		}
		return err
	}
	return nil
}

func (s *PostgresTokenStore) Get(ctx context.Context, value string) (Token, error) {
	const op = "share.Get"

	var t Token
	err := s.pool.QueryRow(ctx,
		`SELECT `+tokenCols+` FROM `+s.table()+` WHERE value = $1`, value,
	).Scan(&t.Value, &t.Owner, &t.ItemID, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, errs.New(op, errs.ErrNotFound, "token")
		}
		return Token{}, err
	}
	return t, nil
}

func (s *PostgresTokenStore) Delete(ctx context.Context, value string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE value = $1`, value)
	return err
}

func (s *PostgresTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
