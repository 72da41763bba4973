// Package audit persists the security trail: authorization results and the
// security events flowing over the bus. The authorization trail records
// every layer verdict so a decision can be reconstructed after the fact.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/events"
)

// AuthorizationRecord is one persisted pipeline run.
type AuthorizationRecord struct {
	ID            string               `json:"id"`
	TransactionID string               `json:"transactionId"`
	UserID        string               `json:"userId"`
	AgentID       string               `json:"agentId"`
	Decision      authz.Decision       `json:"decision"`
	RiskTier      authz.RiskTier       `json:"riskTier"`
	Layers        []authz.LayerResult  `json:"layers"`
	Actions       []authz.RequiredAction `json:"actions,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// EventRecord is one persisted security event.
type EventRecord struct {
	ID        string         `json:"id"`
	Type      events.Type    `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Store persists the audit trail.
type Store interface {
	RecordAuthorization(ctx context.Context, rec *AuthorizationRecord) error
	ListAuthorizations(ctx context.Context, userID string, limit int) ([]*AuthorizationRecord, error)
	GetAuthorization(ctx context.Context, id string) (*AuthorizationRecord, error)
	RecordEvent(ctx context.Context, rec *EventRecord) error
	ListEvents(ctx context.Context, eventType events.Type, limit int) ([]*EventRecord, error)
}

var ErrNotFound = errors.New("audit: record not found")

// NewAuthorizationRecord builds a record from an engine result.
func NewAuthorizationRecord(result *authz.Result, userID, agentID string) *AuthorizationRecord {
	return &AuthorizationRecord{
		ID:            result.ID,
		TransactionID: result.TransactionID,
		UserID:        userID,
		AgentID:       agentID,
		Decision:      result.Decision,
		RiskTier:      result.RiskTier,
		Layers:        result.CheckedLayers,
		Actions:       result.RequiredActions,
		CreatedAt:     result.CreatedAt,
	}
}
