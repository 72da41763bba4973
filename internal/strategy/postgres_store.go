package strategy

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists strategy definitions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed strategy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Strategy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, owner_id, allowed_operations, allowed_tokens, max_amount_per_trade, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Name, s.OwnerID,
		pq.Array(s.AllowedOperations), pq.Array(s.AllowedTokens),
		s.MaxAmountPerTrade, s.Enabled, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Strategy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, allowed_operations, allowed_tokens, max_amount_per_trade, enabled, created_at, updated_at
		FROM strategies WHERE id = $1`, id)
	return scanStrategy(row)
}

func (p *PostgresStore) List(ctx context.Context, ownerID string) ([]*Strategy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, owner_id, allowed_operations, allowed_tokens, max_amount_per_trade, enabled, created_at, updated_at
		FROM strategies WHERE owner_id = $1
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Strategy
	for rows.Next() {
		s := &Strategy{}
		if err := rows.Scan(&s.ID, &s.Name, &s.OwnerID,
			pq.Array(&s.AllowedOperations), pq.Array(&s.AllowedTokens),
			&s.MaxAmountPerTrade, &s.Enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, s *Strategy) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE strategies
		SET name = $1, allowed_operations = $2, allowed_tokens = $3, max_amount_per_trade = $4, enabled = $5, updated_at = $6
		WHERE id = $7`,
		s.Name, pq.Array(s.AllowedOperations), pq.Array(s.AllowedTokens),
		s.MaxAmountPerTrade, s.Enabled, s.UpdatedAt, s.ID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStrategy(row *sql.Row) (*Strategy, error) {
	s := &Strategy{}
	err := row.Scan(&s.ID, &s.Name, &s.OwnerID,
		pq.Array(&s.AllowedOperations), pq.Array(&s.AllowedTokens),
		&s.MaxAmountPerTrade, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
