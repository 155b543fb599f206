package identity

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

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it. Schema
// identifiers are quoted through pgx.Identifier to avoid injection via
// configuration.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	params Argon2idParams
	decoy  string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the Postgres schema (default "stash").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	params := DefaultArgon2idParams()
	decoy, err := HashPassword("stash-decoy-credential", params)
	if err != nil {
		return nil, err
	}
	st := &PostgresStore{pool: pool, schema: "stash", params: params, decoy: decoy}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "identities"}.Sanitize()
}

const identityCols = "username, password_hash, is_locked, first_login, retention_days, show_in_list, created_at"

func scanIdentity(row pgx.Row) (Identity, error) {
	var id Identity
	err := row.Scan(
		&id.Username, &id.PasswordHash, &id.IsLocked,
		&id.FirstLogin, &id.RetentionDays, &id.ShowInList, &id.CreatedAt,
	)
	return id, err
}

func (s *PostgresStore) Create(ctx context.Context, username, password string) (Identity, error) {
	const op = "identity.Create"

	username = NormalizeUsername(username)
	if !ValidUsername(username) {
		return Identity{}, errs.New(op, errs.ErrInvalidRequest, "invalid username")
	}

	hash, err := HashPassword(password, s.params)
	if err != nil {
		return Identity{}, errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (`+identityCols+`)
		 VALUES ($1, $2, FALSE, TRUE, NULL, TRUE, $3)`,
		username, hash, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Identity{}, errs.New(op, errs.ErrConflict, "username taken")
		}
		return Identity{}, err
	}

	return Identity{
		Username:     username,
		PasswordHash: hash,
		FirstLogin:   true,
		ShowInList:   true,
		CreatedAt:    now,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, username string) (Identity, error) {
	const op = "identity.Get"

	id, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityCols+` FROM `+s.table()+` WHERE username = $1`,
		NormalizeUsername(username),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, errs.New(op, errs.ErrNotFound, "identity")
		}
		return Identity{}, err
	}
	return id, nil
}

func (s *PostgresStore) Verify(ctx context.Context, username, password string) (Identity, error) {
	const op = "identity.Verify"

	id, err := s.Get(ctx, username)
	if err != nil {
		if errs.IsNotFound(err) {
			// Burn the same argon2 work as a real verification.
			_, _ = VerifyPassword(password, s.decoy)
			return Identity{}, errs.New(op, errs.ErrUnauthorized, "bad credentials")
		}
		return Identity{}, err
	}

	match, verr := VerifyPassword(password, id.PasswordHash)
	if verr != nil || !match {
		return Identity{}, errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}
	return id, nil
}

func (s *PostgresStore) RotatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	const op = "identity.RotatePassword"

	hash, err := HashPassword(newPassword, s.params)
	if err != nil {
		return errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	username = NormalizeUsername(username)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the row so a concurrent rotation cannot interleave between the
	// verify and the update.
	var current string
	err = tx.QueryRow(ctx,
		`SELECT password_hash FROM `+s.table()+` WHERE username = $1 FOR UPDATE`,
		username,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_, _ = VerifyPassword(oldPassword, s.decoy)
			return errs.New(op, errs.ErrUnauthorized, "bad credentials")
		}
		return err
	}

	match, verr := VerifyPassword(oldPassword, current)
	if verr != nil || !match {
		return errs.New(op, errs.ErrUnauthorized, "bad credentials")
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+s.table()+` SET password_hash = $1, first_login = FALSE WHERE username = $2`,
		hash, username,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ResetPassword(ctx context.Context, username, newPassword string) error {
	const op = "identity.ResetPassword"

	hash, err := HashPassword(newPassword, s.params)
	if err != nil {
		return errs.New(op, errs.ErrInvalidRequest, err.Error())
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET password_hash = $1, first_login = TRUE WHERE username = $2`,
		hash, NormalizeUsername(username),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	return nil
}

func (s *PostgresStore) SetAccountLock(ctx context.Context, username string, locked bool) error {
	const op = "identity.SetAccountLock"

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET is_locked = $1 WHERE username = $2`,
		locked, NormalizeUsername(username),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, username string, in UpdateInput) error {
	const op = "identity.Update"

	if in.RetentionDays != nil && *in.RetentionDays < 0 {
		return errs.New(op, errs.ErrInvalidRequest, "negative retention")
	}

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if in.IsLocked != nil {
		add("is_locked", *in.IsLocked)
	}
	if in.FirstLogin != nil {
		add("first_login", *in.FirstLogin)
	}
	if in.ClearRetention {
		sets = append(sets, "retention_days = NULL")
	} else if in.RetentionDays != nil {
		add("retention_days", *in.RetentionDays)
	}
	if in.ShowInList != nil {
		add("show_in_list", *in.ShowInList)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, NormalizeUsername(username))
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE username = $%d`,
		s.table(), strings.Join(sets, ", "), len(args))

	ct, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	return nil
}

func (s *PostgresStore) ListPublic(ctx context.Context) ([]Identity, error) {
	return s.list(ctx, `WHERE show_in_list`)
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Identity, error) {
	return s.list(ctx, ``)
}

func (s *PostgresStore) list(ctx context.Context, where string) ([]Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityCols+` FROM `+s.table()+` `+where+` ORDER BY created_at, username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, username string) error {
	const op = "identity.Delete"

	ct, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE username = $1`, NormalizeUsername(username))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "identity")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
