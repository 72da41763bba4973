package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tonguard/tonguard/internal/audit"
	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/custody"
	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/logging"
	"github.com/tonguard/tonguard/internal/policy"
	"github.com/tonguard/tonguard/internal/strategy"
	"github.com/tonguard/tonguard/internal/traces"
	"github.com/tonguard/tonguard/internal/txn"
	"github.com/tonguard/tonguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Authorization
// -----------------------------------------------------------------------------

// authorizeRequest carries a proposed transaction and optional caller-supplied
// authorization context. Missing context parts fall back to engine defaults.
type authorizeRequest struct {
	Request *txn.Request   `json:"request" binding:"required"`
	Context *authz.Context `json:"context,omitempty"`
}

func (s *Server) authorizeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body authorizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req := body.Request
	if req.ID == "" {
		req.ID = idgen.WithPrefix("tx_")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	partial := body.Context
	if partial == nil {
		partial = &authz.Context{}
	}
	// Score against the agent's behavioral history unless the caller
	// supplied a risk context of their own.
	if partial.Risk == nil {
		partial.Risk = s.riskEngine.Assess(ctx, req)
	}
	// Stored policies back any context parts the caller left out.
	if partial.Agent == nil || partial.Limits == nil {
		s.applyStoredPolicy(ctx, req, partial)
	}

	result := s.engine.Authorize(ctx, req, partial)

	rec := audit.NewAuthorizationRecord(result, req.UserID, req.AgentID)
	if err := s.auditStore.RecordAuthorization(ctx, rec); err != nil {
		logging.L(ctx).Warn("failed to persist authorization record", "transactionId", req.ID, "error", err)
	}

	status := http.StatusOK
	if result.Decision == authz.DecisionRejected {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}

func (s *Server) layerProbeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body authorizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req := body.Request
	if req.ID == "" {
		req.ID = idgen.WithPrefix("tx_")
	}

	var lr *authz.LayerResult
	switch authz.LayerName(c.Param("layer")) {
	case authz.LayerIntentValidation:
		lr = s.engine.ValidateIntent(ctx, req)
	case authz.LayerStrategyValidation:
		lr = s.engine.ValidateStrategy(ctx, req)
	case authz.LayerRiskEngine:
		lr = s.engine.CheckRisk(ctx, req, body.Context)
	case authz.LayerPolicyEngine:
		lr = s.engine.CheckPolicy(ctx, req, body.Context)
	case authz.LayerLimitCheck:
		lr = s.engine.CheckLimits(ctx, req, body.Context)
	case authz.LayerRateLimit:
		lr = s.engine.CheckRateLimit(ctx, req)
	case authz.LayerAnomalyDetection:
		lr = s.engine.CheckAnomaly(ctx, req, body.Context)
	case authz.LayerSimulation:
		lr = s.engine.Simulate(ctx, req)
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_layer",
			"message": "No such authorization layer",
		})
		return
	}

	c.JSON(http.StatusOK, lr)
}

// -----------------------------------------------------------------------------
// Custody wallets
// -----------------------------------------------------------------------------

func (s *Server) createWalletHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		UserID  string `json:"userId" binding:"required"`
		AgentID string `json:"agentId" binding:"required"`
		Mode    string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and agentId are required",
		})
		return
	}

	mode := custody.Mode(body.Mode)
	if body.Mode == "" {
		mode = custody.Mode(s.cfg.DefaultCustodyMode)
	}

	provider, err := s.custody.Provider(mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_mode",
			"message": "mode must be non_custodial, smart_contract or mpc",
		})
		return
	}

	w, err := provider.CreateWallet(ctx, body.UserID, body.AgentID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusCreated, w)
}

func (s *Server) listWalletsHandler(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "userId query parameter is required",
		})
		return
	}

	wallets := s.custody.Store().WalletsByUser(userID)
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

func (s *Server) getWalletHandler(c *gin.Context) {
	_, w, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// linkAddressHandler activates a pending non-custodial wallet once the user
// reports the address their own wallet software controls.
func (s *Server) linkAddressHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}
	if !validation.IsValidTONAddress(body.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid TON address",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}

	nc, ok := provider.(*custody.NonCustodialProvider)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "wrong_mode",
			"message": "address linking only applies to non-custodial wallets",
		})
		return
	}

	w, err := nc.LinkAddress(ctx, c.Param("id"), body.Address)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

func (s *Server) updatePermissionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var perms custody.WalletPermissions
	if err := c.ShouldBindJSON(&perms); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid permissions body",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}

	w, err := provider.UpdatePermissions(ctx, c.Param("id"), perms)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

func (s *Server) revokeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	provider, _, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}

	if err := provider.RevokeAgentAccess(ctx, c.Param("id")); err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// -----------------------------------------------------------------------------
// Prepare & sign
// -----------------------------------------------------------------------------

func (s *Server) prepareHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req txn.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid transaction body",
		})
		return
	}
	if req.ID == "" {
		req.ID = idgen.WithPrefix("tx_")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	provider, _, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}

	ctx, span := traces.StartSpan(ctx, "custody.PrepareTransaction", traces.WalletID(c.Param("id")), traces.TransactionID(req.ID))
	defer span.End()

	prep, err := provider.PrepareTransaction(ctx, c.Param("id"), &req)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusCreated, prep)
}

func (s *Server) getPreparedHandler(c *gin.Context) {
	prep, ok := s.custody.Store().Prepared(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Prepared transaction not found",
		})
		return
	}
	c.JSON(http.StatusOK, prep)
}

func (s *Server) signHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var approval *custody.Approval
	if c.Request.ContentLength > 0 {
		approval = &custody.Approval{}
		if err := c.ShouldBindJSON(approval); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid approval body",
			})
			return
		}
	}

	prep, ok := s.custody.Store().Prepared(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Prepared transaction not found",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(prep.WalletID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	ctx, span := traces.StartSpan(ctx, "custody.SignTransaction", traces.WalletID(prep.WalletID))
	defer span.End()

	signed, err := provider.SignTransaction(ctx, c.Param("id"), approval)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	// Feed the signed transaction into the behavioral history and the
	// rolling spend totals so future checks see it.
	if prep.Request != nil {
		s.riskEngine.RecordTransaction(prep.Request)
		s.usage.Record(prep.Request.UserID, prep.Request.ValueTon())
	}

	c.JSON(http.StatusOK, signed)
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

// stepCompleter is implemented by providers with multi-step recovery.
type stepCompleter interface {
	CompleteVerificationStep(ctx context.Context, sessionID, stepType string) (*custody.RecoverySession, error)
}

func completeStep(ctx context.Context, provider custody.Provider, sessionID, stepType string) (*custody.RecoverySession, error) {
	sc, ok := provider.(stepCompleter)
	if !ok {
		return nil, custody.ErrRecoveryUnsupported
	}
	return sc.CompleteVerificationStep(ctx, sessionID, stepType)
}

func (s *Server) initiateRecoveryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(c.Param("id"))
	if err != nil {
		s.custodyError(c, err)
		return
	}

	session, err := provider.InitiateRecovery(ctx, c.Param("id"), body.UserID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (s *Server) recoveryStepHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "step type is required",
		})
		return
	}

	session, ok := s.custody.Store().Recovery(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Recovery session not found",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(session.WalletID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	updated, err := completeStep(ctx, provider, session.ID, body.Type)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (s *Server) completeRecoveryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	session, ok := s.custody.Store().Recovery(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Recovery session not found",
		})
		return
	}

	provider, _, err := s.custody.ForWallet(session.WalletID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	w, err := provider.CompleteRecovery(ctx, session.ID)
	if err != nil {
		s.custodyError(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

// -----------------------------------------------------------------------------
// Strategies
// -----------------------------------------------------------------------------

func (s *Server) createStrategyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var st strategy.Strategy
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid strategy body",
		})
		return
	}
	if st.Name == "" || st.OwnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and ownerId are required",
		})
		return
	}

	st.ID = idgen.WithPrefix("strat_")
	st.CreatedAt = time.Now()
	st.UpdatedAt = st.CreatedAt

	if err := s.strategies.Create(ctx, &st); err != nil {
		if errors.Is(err, strategy.ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "A strategy with this name already exists for the owner",
			})
			return
		}
		logging.L(ctx).Error("failed to create strategy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create strategy",
		})
		return
	}

	c.JSON(http.StatusCreated, st)
}

func (s *Server) listStrategiesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	ownerID := c.Query("ownerId")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_owner",
			"message": "ownerId query parameter is required",
		})
		return
	}

	list, err := s.strategies.List(ctx, ownerID)
	if err != nil {
		logging.L(ctx).Error("failed to list strategies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list strategies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"strategies": list,
		"count":      len(list),
	})
}

func (s *Server) getStrategyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	st, err := s.strategies.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Strategy not found",
			})
			return
		}
		logging.L(ctx).Error("failed to get strategy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get strategy",
		})
		return
	}

	c.JSON(http.StatusOK, st)
}

func (s *Server) updateStrategyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var st strategy.Strategy
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid strategy body",
		})
		return
	}
	st.ID = c.Param("id")
	st.UpdatedAt = time.Now()

	if err := s.strategies.Update(ctx, &st); err != nil {
		switch {
		case errors.Is(err, strategy.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Strategy not found",
			})
		case errors.Is(err, strategy.ErrNameTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "name_taken",
				"message": "A strategy with this name already exists for the owner",
			})
		default:
			logging.L(ctx).Error("failed to update strategy", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to update strategy",
			})
		}
		return
	}

	c.JSON(http.StatusOK, st)
}

func (s *Server) deleteStrategyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.strategies.Delete(ctx, c.Param("id")); err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Strategy not found",
			})
			return
		}
		logging.L(ctx).Error("failed to delete strategy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete strategy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// -----------------------------------------------------------------------------
// User policies
// -----------------------------------------------------------------------------

// applyStoredPolicy fills missing context parts from the stored policy for
// the requesting (user, agent) pair. No stored policy is not an error; the
// pipeline falls back to its defaults.
func (s *Server) applyStoredPolicy(ctx context.Context, req *txn.Request, partial *authz.Context) {
	pol, err := s.policies.GetFor(ctx, req.UserID, req.AgentID)
	if err != nil {
		if !errors.Is(err, policy.ErrPolicyNotFound) {
			logging.L(ctx).Error("failed to load stored policy", "error", err, "userId", req.UserID)
		}
		return
	}

	if partial.Agent == nil {
		perms := pol.Permissions
		partial.Agent = &perms
	}
	if partial.Limits == nil {
		limits := pol.Limits
		var usage policy.UserUsage
		s.usage.Fill(req.UserID, &usage)
		limits.UsedToday = usage.Today
		limits.UsedThisWeek = usage.ThisWeek
		limits.UsedThisMonth = usage.ThisMonth
		partial.Limits = &limits
	}
}

func (s *Server) createPolicyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid policy body",
		})
		return
	}
	if p.AgentID == "" {
		p.AgentID = policy.AnyAgent
	}
	if err := policy.Validate(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}

	p.ID = idgen.WithPrefix("pol_")
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt

	if err := s.policies.Create(ctx, &p); err != nil {
		if errors.Is(err, policy.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_policy",
				"message": "A policy already exists for this user and agent",
			})
			return
		}
		logging.L(ctx).Error("failed to create policy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create policy",
		})
		return
	}

	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPoliciesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "userId query parameter is required",
		})
		return
	}

	list, err := s.policies.List(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("failed to list policies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list policies",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": list,
		"count":    len(list),
	})
}

func (s *Server) getPolicyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	p, err := s.policies.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Policy not found",
			})
			return
		}
		logging.L(ctx).Error("failed to get policy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get policy",
		})
		return
	}

	c.JSON(http.StatusOK, p)
}

func (s *Server) updatePolicyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid policy body",
		})
		return
	}
	p.ID = c.Param("id")
	if err := policy.Validate(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}
	p.UpdatedAt = time.Now()

	if err := s.policies.Update(ctx, &p); err != nil {
		switch {
		case errors.Is(err, policy.ErrPolicyNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Policy not found",
			})
		case errors.Is(err, policy.ErrDuplicate):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_policy",
				"message": "A policy already exists for this user and agent",
			})
		default:
			logging.L(ctx).Error("failed to update policy", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to update policy",
			})
		}
		return
	}

	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePolicyHandler(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.policies.Delete(ctx, c.Param("id")); err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Policy not found",
			})
			return
		}
		logging.L(ctx).Error("failed to delete policy", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete policy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// -----------------------------------------------------------------------------
// Audit trail
// -----------------------------------------------------------------------------

func (s *Server) listAuthorizationsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := queryLimit(c, 50)
	records, err := s.auditStore.ListAuthorizations(ctx, c.Query("userId"), limit)
	if err != nil {
		logging.L(ctx).Error("failed to list authorizations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list authorization records",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) getAuthorizationHandler(c *gin.Context) {
	ctx := c.Request.Context()

	rec, err := s.auditStore.GetAuthorization(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Authorization record not found",
			})
			return
		}
		logging.L(ctx).Error("failed to get authorization", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get authorization record",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) listEventsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := queryLimit(c, 50)
	records, err := s.auditStore.ListEvents(ctx, events.Type(c.Query("type")), limit)
	if err != nil {
		logging.L(ctx).Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list security events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": records,
		"count":  len(records),
	})
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// adminConfig is the wire form of the pipeline configuration. Durations are
// expressed in milliseconds and seconds so callers never deal in nanoseconds.
type adminConfig struct {
	EnabledLayers        []authz.LayerName `json:"enabledLayers"`
	MaxLatencyMs         int64             `json:"maxLatencyMs"`
	RequireMultiSigAbove float64           `json:"requireMultiSigAbove"`
	ResultTTLSeconds     int64             `json:"resultTtlSeconds"`
}

func (s *Server) getConfigHandler(c *gin.Context) {
	cfg := s.engine.Config()
	c.JSON(http.StatusOK, adminConfig{
		EnabledLayers:        cfg.EnabledLayers,
		MaxLatencyMs:         cfg.MaxLatency.Milliseconds(),
		RequireMultiSigAbove: cfg.RequireMultiSigAbove,
		ResultTTLSeconds:     int64(cfg.ResultTTL.Seconds()),
	})
}

func (s *Server) updateConfigHandler(c *gin.Context) {
	var body adminConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid configuration body",
		})
		return
	}

	cfg := s.engine.Config()
	if body.EnabledLayers != nil {
		cfg.EnabledLayers = body.EnabledLayers
	}
	if body.MaxLatencyMs > 0 {
		cfg.MaxLatency = time.Duration(body.MaxLatencyMs) * time.Millisecond
	}
	if body.RequireMultiSigAbove > 0 {
		cfg.RequireMultiSigAbove = body.RequireMultiSigAbove
	}
	if body.ResultTTLSeconds > 0 {
		cfg.ResultTTL = time.Duration(body.ResultTTLSeconds) * time.Second
	}
	s.engine.SetConfig(cfg)

	logging.L(c.Request.Context()).Info("pipeline configuration updated",
		"layers", len(cfg.EnabledLayers),
		"maxLatencyMs", cfg.MaxLatency.Milliseconds(),
	)

	s.getConfigHandler(c)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// custodyError maps typed custody errors to HTTP responses.
func (s *Server) custodyError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, custody.ErrWalletNotFound), errors.Is(err, custody.ErrPreparedNotFound),
		errors.Is(err, custody.ErrRecoveryNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, custody.ErrWalletNotOperable):
		status, code = http.StatusConflict, "wallet_not_operable"
	case errors.Is(err, custody.ErrPreparedConsumed):
		status, code = http.StatusConflict, "already_consumed"
	case errors.Is(err, custody.ErrPreparedExpired):
		status, code = http.StatusGone, "expired"
	case errors.Is(err, custody.ErrApprovalRequired), errors.Is(err, custody.ErrApprovalInvalid):
		status, code = http.StatusForbidden, "approval_required"
	case errors.Is(err, custody.ErrRecoveryUnsupported):
		status, code = http.StatusConflict, "recovery_unsupported"
	case errors.Is(err, custody.ErrRecoveryIncomplete):
		status, code = http.StatusConflict, "recovery_incomplete"
	case errors.Is(err, custody.ErrRecoveryNotActive):
		status, code = http.StatusConflict, "recovery_not_active"
	case errors.Is(err, custody.ErrUnknownStep):
		status, code = http.StatusBadRequest, "unknown_step"
	case errors.Is(err, custody.ErrSharesUnavailable):
		status, code = http.StatusServiceUnavailable, "shares_unavailable"
	case errors.Is(err, custody.ErrWrongMode):
		status, code = http.StatusConflict, "wrong_mode"
	default:
		logging.L(c.Request.Context()).Error("custody operation failed", "error", err)
		status, code = http.StatusInternalServerError, "internal_error"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
