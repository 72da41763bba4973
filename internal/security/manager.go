package security

import (
	"context"
	"log/slog"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/custody"
	"github.com/tonguard/tonguard/internal/health"
	"github.com/tonguard/tonguard/internal/keymgmt"
)

// ComponentHealth is one component's health report.
type ComponentHealth = health.Status

// ManagerHealth aggregates health across the security boundary.
type ManagerHealth struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentHealth `json:"components"`
}

// Manager is a thin aggregator over the authorization engine, the custody
// providers, and key management. It owns no policy of its own; it exists
// for health reporting and as the single wiring point.
type Manager struct {
	Engine  *authz.Engine
	Custody *custody.Factory
	Keys    keymgmt.Service
	logger  *slog.Logger
	checks  *health.Registry
}

func NewManager(engine *authz.Engine, factory *custody.Factory, keys keymgmt.Service, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{Engine: engine, Custody: factory, Keys: keys, logger: logger, checks: health.NewRegistry()}
	m.registerChecks()
	return m
}

func (m *Manager) registerChecks() {
	m.checks.Register("authorization_engine", func(context.Context) health.Status {
		return health.Status{Name: "authorization_engine", Healthy: m.Engine != nil}
	})

	if m.Keys != nil {
		m.checks.Register("key_management", func(ctx context.Context) health.Status {
			kh, err := m.Keys.Health(ctx)
			switch {
			case err != nil:
				return health.Status{Name: "key_management", Healthy: false, Detail: err.Error()}
			case !kh.Available:
				return health.Status{Name: "key_management", Healthy: false, Detail: "service unavailable"}
			default:
				return health.Status{Name: "key_management", Healthy: true}
			}
		})
	}

	if m.Custody != nil {
		for _, mode := range []custody.Mode{custody.ModeNonCustodial, custody.ModeSmartContract, custody.ModeMPC} {
			mode := mode
			name := "custody_" + string(mode)
			m.checks.Register(name, func(ctx context.Context) health.Status {
				p, err := m.Custody.Provider(mode)
				if err != nil {
					return health.Status{Name: name, Healthy: false, Detail: err.Error()}
				}
				h, err := p.GetHealth(ctx)
				if err != nil {
					return health.Status{Name: name, Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: name, Healthy: h.Healthy}
			})
		}
	}
}

// Health fans out to every component and reduces to one verdict.
func (m *Manager) Health(ctx context.Context) *ManagerHealth {
	healthy, statuses := m.checks.CheckAll(ctx)
	return &ManagerHealth{Healthy: healthy, Components: statuses}
}
