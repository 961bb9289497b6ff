package masterdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements Store on a tenant database
type PostgresStore struct {
	db *sql.DB
	q  querier
	tx bool
}

// NewPostgresStore creates a store on the tenant's database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// tableName maps a category to its tenant table
func tableName(cat Category) (string, error) {
	switch cat {
	case CategoryJobPosition:
		return "job_positions", nil
	case CategoryJobLevel:
		return "job_levels", nil
	case CategoryEducation:
		return "education_levels", nil
	}
	return "", ErrUnknownCategory
}

// selectColumns yields the same column shape for every table so scanNode
// works across categories.
func selectColumns(cat Category) string {
	index := "NULL::integer"
	if cat.Ordered() {
		index = "sort_index"
	}
	parent := "NULL::bigint"
	if cat.Hierarchical() {
		parent = "id_parent"
	}
	return "id, name, " + index + ", external_id, external_name, " + parent + ", deleted_at, created_at, updated_at"
}

func scanNode(cat Category, row interface{ Scan(...interface{}) error }) (*Node, error) {
	n := &Node{Category: cat}
	var index sql.NullInt64
	var parent sql.NullInt64
	var externalID, externalName sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&n.ID, &n.Name, &index, &externalID, &externalName, &parent, &deletedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if index.Valid {
		v := int(index.Int64)
		n.Index = &v
	}
	if parent.Valid {
		v := parent.Int64
		n.ParentID = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Time
		n.DeletedAt = &v
	}
	n.ExternalID = externalID.String
	n.ExternalName = externalName.String
	return n, nil
}

func (s *PostgresStore) findOne(ctx context.Context, cat Category, column, value string) (*Node, error) {
	table, err := tableName(cat)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + selectColumns(cat) + ` FROM ` + table + ` WHERE ` + column + ` = $1
		ORDER BY (deleted_at IS NULL) DESC, id ASC
		LIMIT 1`
	if s.tx {
		query += ` FOR UPDATE`
	}

	n, err := scanNode(cat, s.q.QueryRowContext(ctx, query, value))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by %s: %w", cat, column, err)
	}
	return n, nil
}

// FindMatch prefers the external id and falls back to the exact name
func (s *PostgresStore) FindMatch(ctx context.Context, cat Category, externalID, name string) (*Node, error) {
	if externalID != "" {
		n, err := s.findOne(ctx, cat, "external_id", externalID)
		if err != nil || n != nil {
			return n, err
		}
	}
	if name != "" {
		return s.findOne(ctx, cat, "name", name)
	}
	return nil, nil
}

// Insert creates a node and fills its id and timestamps
func (s *PostgresStore) Insert(ctx context.Context, n *Node) error {
	table, err := tableName(n.Category)
	if err != nil {
		return err
	}

	var query string
	var args []interface{}
	switch {
	case n.Category.Hierarchical():
		query = `INSERT INTO ` + table + ` (name, external_id, external_name, id_parent)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at`
		args = []interface{}{n.Name, nullString(n.ExternalID), nullString(n.ExternalName), nullInt64(n.ParentID)}
	default:
		query = `INSERT INTO ` + table + ` (name, sort_index, external_id, external_name)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at`
		args = []interface{}{n.Name, nullInt(n.Index), nullString(n.ExternalID), nullString(n.ExternalName)}
	}

	err = s.q.QueryRowContext(ctx, query, args...).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", n.Category, err)
	}
	return nil
}

// Update refreshes the upstream-driven fields and restores soft-deleted rows
func (s *PostgresStore) Update(ctx context.Context, n *Node) error {
	table, err := tableName(n.Category)
	if err != nil {
		return err
	}

	var query string
	var args []interface{}
	if n.Category.Ordered() {
		query = `UPDATE ` + table + `
			SET name = $2, sort_index = $3, external_id = $4, external_name = $5,
			    deleted_at = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`
		args = []interface{}{n.ID, n.Name, nullInt(n.Index), nullString(n.ExternalID), nullString(n.ExternalName)}
	} else {
		query = `UPDATE ` + table + `
			SET name = $2, external_id = $3, external_name = $4,
			    deleted_at = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`
		args = []interface{}{n.ID, n.Name, nullString(n.ExternalID), nullString(n.ExternalName)}
	}

	var updatedAt time.Time
	err = s.q.QueryRowContext(ctx, query, args...).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return ErrNodeNotFound
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", n.Category, n.ID, err)
	}
	n.DeletedAt = nil
	n.UpdatedAt = updatedAt
	return nil
}

// SetParent links a position to another position's local id
func (s *PostgresStore) SetParent(ctx context.Context, cat Category, id int64, parentID *int64) error {
	if !cat.Hierarchical() {
		return ErrNotHierarchical
	}
	query := `UPDATE job_positions SET id_parent = $2, updated_at = NOW() WHERE id = $1`
	return s.execOne(ctx, query, id, nullInt64(parentID))
}

// SoftDelete marks a node deleted; it is used by management tooling, not by
// reconciliation passes.
func (s *PostgresStore) SoftDelete(ctx context.Context, cat Category, id int64) error {
	table, err := tableName(cat)
	if err != nil {
		return err
	}
	query := `UPDATE ` + table + ` SET deleted_at = COALESCE(deleted_at, NOW()) WHERE id = $1`
	return s.execOne(ctx, query, id)
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// Count returns the number of rows, optionally including soft-deleted ones
func (s *PostgresStore) Count(ctx context.Context, cat Category, includeDeleted bool) (int, error) {
	table, err := tableName(cat)
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + table
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	var count int
	if err := s.q.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", cat, err)
	}
	return count, nil
}

// List returns nodes ordered by id
func (s *PostgresStore) List(ctx context.Context, cat Category, includeDeleted bool) ([]*Node, error) {
	table, err := tableName(cat)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + selectColumns(cat) + ` FROM ` + table
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", cat, err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(cat, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", cat, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Atomic runs fn inside a transaction. Lookups inside it lock the matched row.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.tx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{db: s.db, q: tx, tx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
