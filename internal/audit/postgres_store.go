package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/events"
)

// PostgresStore persists the audit trail in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordAuthorization(ctx context.Context, rec *AuthorizationRecord) error {
	layersJSON, err := json.Marshal(rec.Layers)
	if err != nil {
		return fmt.Errorf("failed to marshal layer trail: %w", err)
	}
	actionsJSON, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal required actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_records
			(id, transaction_id, user_id, agent_id, decision, risk_tier, layers, actions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.TransactionID,
		rec.UserID,
		rec.AgentID,
		string(rec.Decision),
		string(rec.RiskTier),
		layersJSON,
		actionsJSON,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record authorization: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuthorizations(ctx context.Context, userID string, limit int) ([]*AuthorizationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, agent_id, decision, risk_tier, layers, actions, created_at
		FROM authorization_records
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*AuthorizationRecord
	for rows.Next() {
		rec, err := scanAuthRecord(rows)
		if err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetAuthorization(ctx context.Context, id string) (*AuthorizationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_id, agent_id, decision, risk_tier, layers, actions, created_at
		FROM authorization_records
		WHERE id = $1
	`, id)

	rec, err := scanAuthRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthRecord(row rowScanner) (*AuthorizationRecord, error) {
	var rec AuthorizationRecord
	var decision, tier string
	var layersJSON, actionsJSON []byte
	var createdAt time.Time

	if err := row.Scan(&rec.ID, &rec.TransactionID, &rec.UserID, &rec.AgentID,
		&decision, &tier, &layersJSON, &actionsJSON, &createdAt); err != nil {
		return nil, err
	}
	rec.Decision = authz.Decision(decision)
	rec.RiskTier = authz.RiskTier(tier)
	rec.CreatedAt = createdAt
	_ = json.Unmarshal(layersJSON, &rec.Layers)
	_ = json.Unmarshal(actionsJSON, &rec.Actions)
	return &rec, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, rec *EventRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, event_type, data, created_at)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, string(rec.Type), dataJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, eventType events.Type, limit int) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, data, created_at
		FROM security_events
		WHERE ($1 = '' OR event_type = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var typ string
		var dataJSON []byte
		var createdAt time.Time

		if err := rows.Scan(&rec.ID, &typ, &dataJSON, &createdAt); err != nil {
			continue
		}
		rec.Type = events.Type(typ)
		rec.CreatedAt = createdAt
		rec.Data = make(map[string]any)
		_ = json.Unmarshal(dataJSON, &rec.Data)
		result = append(result, &rec)
	}
	return result, rows.Err()
}
