package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stash/internal/errs"
)

// PostgresIndex implements Index over PostgreSQL. The pool is owned by the
// caller; this index never closes it.
type PostgresIndex struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresIndexOption configures the index.
type PostgresIndexOption func(*PostgresIndex) error

// WithIndexSchema sets the Postgres schema (default "stash").
func WithIndexSchema(schema string) PostgresIndexOption {
	return func(x *PostgresIndex) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("vault: empty schema")
		}
		x.schema = schema
		return nil
	}
}

// NewPostgresIndex constructs a PostgresIndex.
func NewPostgresIndex(pool *pgxpool.Pool, opts ...PostgresIndexOption) (*PostgresIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("vault: nil pool")
	}
	x := &PostgresIndex{pool: pool, schema: "stash"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (x *PostgresIndex) itemsTable() string {
	return pgx.Identifier{x.schema, "items"}.Sanitize()
}

func (x *PostgresIndex) foldersTable() string {
	return pgx.Identifier{x.schema, "folders"}.Sanitize()
}

const itemCols = "id, owner, kind, name, note, folder_id, size_bytes, blob_key, is_locked, created_at"

func scanItem(row pgx.Row) (Item, error) {
	var (
		it       Item
		folderID *string
	)
	err := row.Scan(
		&it.ID, &it.Owner, &it.Kind, &it.Name, &it.Note,
		&folderID, &it.SizeBytes, &it.BlobKey, &it.IsLocked, &it.CreatedAt,
	)
	if folderID != nil {
		it.FolderID = *folderID
	}
	return it, err
}

// nullableFolder maps the empty root marker to SQL NULL so the folders FK
// can stay enforced.
func nullableFolder(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (x *PostgresIndex) InsertItem(ctx context.Context, it Item) error {
	const op = "vault.InsertItem"

	_, err := x.pool.Exec(ctx,
		`INSERT INTO `+x.itemsTable()+` (`+itemCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		it.ID, it.Owner, it.Kind, it.Name, it.Note,
		nullableFolder(it.FolderID), it.SizeBytes, it.BlobKey, it.IsLocked, it.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.ErrConflict, "item id taken")
		}
		return err
	}
	return nil
}

func (x *PostgresIndex) GetItem(ctx context.Context, owner, itemID string) (Item, error) {
	const op = "vault.GetItem"

	it, err := scanItem(x.pool.QueryRow(ctx,
		`SELECT `+itemCols+` FROM `+x.itemsTable()+` WHERE owner = $1 AND id = $2`,
		owner, itemID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, errs.New(op, errs.ErrNotFound, "item")
		}
		return Item{}, err
	}
	return it, nil
}

func (x *PostgresIndex) ListItems(ctx context.Context, owner string) ([]Item, error) {
	return x.listItems(ctx, `WHERE owner = $1`, owner)
}

func (x *PostgresIndex) AllItems(ctx context.Context) ([]Item, error) {
	return x.listItems(ctx, ``)
}

func (x *PostgresIndex) listItems(ctx context.Context, where string, args ...any) ([]Item, error) {
	rows, err := x.pool.Query(ctx,
		`SELECT `+itemCols+` FROM `+x.itemsTable()+` `+where+` ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (x *PostgresIndex) UpdateItem(ctx context.Context, owner, itemID string, patch ItemPatch) error {
	const op = "vault.UpdateItem"

	sets := make([]string, 0, 3)
	args := make([]any, 0, 5)

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.FolderID != nil {
		add("folder_id", nullableFolder(*patch.FolderID))
	}
	if patch.IsLocked != nil {
		add("is_locked", *patch.IsLocked)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, owner, itemID)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE owner = $%d AND id = $%d`,
		x.itemsTable(), strings.Join(sets, ", "), len(args)-1, len(args))

	ct, err := x.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "item")
	}
	return nil
}

func (x *PostgresIndex) DeleteItem(ctx context.Context, owner, itemID string) (Item, error) {
	const op = "vault.DeleteItem"

	it, err := scanItem(x.pool.QueryRow(ctx,
		`DELETE FROM `+x.itemsTable()+` WHERE owner = $1 AND id = $2 RETURNING `+itemCols,
		owner, itemID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, errs.New(op, errs.ErrNotFound, "item")
		}
		return Item{}, err
	}
	return it, nil
}

const folderCols = "id, owner, name, parent_id, is_locked"

func scanFolder(row pgx.Row) (Folder, error) {
	var (
		f        Folder
		parentID *string
	)
	err := row.Scan(&f.ID, &f.Owner, &f.Name, &parentID, &f.IsLocked)
	if parentID != nil {
		f.ParentID = *parentID
	}
	return f, err
}

func (x *PostgresIndex) InsertFolder(ctx context.Context, f Folder) error {
	const op = "vault.InsertFolder"

	_, err := x.pool.Exec(ctx,
		`INSERT INTO `+x.foldersTable()+` (`+folderCols+`)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.Owner, f.Name, nullableFolder(f.ParentID), f.IsLocked,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(op, errs.ErrConflict, "folder id taken")
		}
		return err
	}
	return nil
}

func (x *PostgresIndex) GetFolder(ctx context.Context, owner, folderID string) (Folder, error) {
	const op = "vault.GetFolder"

	f, err := scanFolder(x.pool.QueryRow(ctx,
		`SELECT `+folderCols+` FROM `+x.foldersTable()+` WHERE owner = $1 AND id = $2`,
		owner, folderID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Folder{}, errs.New(op, errs.ErrNotFound, "folder")
		}
		return Folder{}, err
	}
	return f, nil
}

func (x *PostgresIndex) ListFolders(ctx context.Context, owner string) ([]Folder, error) {
	rows, err := x.pool.Query(ctx,
		`SELECT `+folderCols+` FROM `+x.foldersTable()+` WHERE owner = $1 ORDER BY name, id`,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (x *PostgresIndex) UpdateFolder(ctx context.Context, owner, folderID string, patch FolderPatch) error {
	const op = "vault.UpdateFolder"

	sets := make([]string, 0, 3)
	args := make([]any, 0, 5)

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.ParentID != nil {
		add("parent_id", nullableFolder(*patch.ParentID))
	}
	if patch.IsLocked != nil {
		add("is_locked", *patch.IsLocked)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, owner, folderID)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE owner = $%d AND id = $%d`,
		x.foldersTable(), strings.Join(sets, ", "), len(args)-1, len(args))

	ct, err := x.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.New(op, errs.ErrNotFound, "folder")
	}
	return nil
}

func (x *PostgresIndex) DeleteFolders(ctx context.Context, owner string, folderIDs []string) error {
	if len(folderIDs) == 0 {
		return nil
	}

	tx, err := x.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`UPDATE `+x.itemsTable()+` SET folder_id = NULL WHERE owner = $1 AND folder_id = ANY($2)`,
		owner, folderIDs)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM `+x.foldersTable()+` WHERE owner = $1 AND id = ANY($2)`,
		owner, folderIDs)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (x *PostgresIndex) PurgeOwner(ctx context.Context, owner string) ([]Item, error) {
	tx, err := x.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`DELETE FROM `+x.itemsTable()+` WHERE owner = $1 RETURNING `+itemCols, owner)
	if err != nil {
		return nil, err
	}

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+x.foldersTable()+` WHERE owner = $1`, owner); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
