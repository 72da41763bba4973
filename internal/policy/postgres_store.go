package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists user policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Policy) error {
	permsJSON, limitsJSON, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_policies (id, user_id, agent_id, permissions, limits, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.UserID, p.AgentID, permsJSON, limitsJSON, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_id, permissions, limits, enabled, created_at, updated_at
		FROM user_policies WHERE id = $1`, id)
	return scanPolicy(row)
}

func (s *PostgresStore) GetFor(ctx context.Context, userID, agentID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, agent_id, permissions, limits, enabled, created_at, updated_at
		FROM user_policies
		WHERE user_id = $1 AND agent_id IN ($2, '*') AND enabled = true
		ORDER BY (agent_id = $2) DESC
		LIMIT 1`, userID, agentID)
	return scanPolicy(row)
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, permissions, limits, enabled, created_at, updated_at
		FROM user_policies WHERE user_id = $1
		ORDER BY agent_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Policy
	for rows.Next() {
		p := &Policy{}
		var permsJSON, limitsJSON []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.AgentID, &permsJSON, &limitsJSON,
			&p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalPolicy(p, permsJSON, limitsJSON); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, p *Policy) error {
	permsJSON, limitsJSON, err := marshalPolicy(p)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_policies
		SET agent_id = $1, permissions = $2, limits = $3, enabled = $4, updated_at = $5
		WHERE id = $6 AND user_id = $7`,
		p.AgentID, permsJSON, limitsJSON, p.Enabled, p.UpdatedAt, p.ID, p.UserID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM user_policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func marshalPolicy(p *Policy) (perms, limits []byte, err error) {
	perms, err = json.Marshal(p.Permissions)
	if err != nil {
		return nil, nil, err
	}
	limits, err = json.Marshal(p.Limits)
	if err != nil {
		return nil, nil, err
	}
	return perms, limits, nil
}

func unmarshalPolicy(p *Policy, permsJSON, limitsJSON []byte) error {
	if err := json.Unmarshal(permsJSON, &p.Permissions); err != nil {
		return fmt.Errorf("corrupt permissions for policy %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(limitsJSON, &p.Limits); err != nil {
		return fmt.Errorf("corrupt limits for policy %s: %w", p.ID, err)
	}
	return nil
}

func scanPolicy(row *sql.Row) (*Policy, error) {
	p := &Policy{}
	var permsJSON, limitsJSON []byte
	err := row.Scan(&p.ID, &p.UserID, &p.AgentID, &permsJSON, &limitsJSON,
		&p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalPolicy(p, permsJSON, limitsJSON); err != nil {
		return nil, err
	}
	return p, nil
}

var _ Store = (*PostgresStore)(nil)
