package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GuardClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GuardClient) *Handlers {
	return &Handlers{client: client}
}

func txArgsFromRequest(req mcp.CallToolRequest) (TxArgs, error) {
	args := TxArgs{
		Type:         req.GetString("type", ""),
		SourceWallet: req.GetString("source_wallet", ""),
		Destination:  req.GetString("destination", ""),
		Token:        req.GetString("token", "TON"),
		Amount:       req.GetString("amount", ""),
		ValueTon:     req.GetFloat("value_ton", 0),
		Protocol:     req.GetString("protocol", ""),
		StrategyID:   req.GetString("strategy_id", ""),
	}
	if args.Type == "" {
		return args, fmt.Errorf("type is required")
	}
	if args.SourceWallet == "" {
		return args, fmt.Errorf("source_wallet is required")
	}
	return args, nil
}

// HandleAuthorizeTransaction runs the full authorization pipeline.
func (h *Handlers) HandleAuthorizeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := txArgsFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.Authorize(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Authorization failed: %v", err)), nil
	}

	text, err := formatAuthorization(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckLayer probes a single authorization layer.
func (h *Handlers) HandleCheckLayer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	layer := req.GetString("layer", "")
	if layer == "" {
		return mcp.NewToolResultError("layer is required"), nil
	}
	args, err := txArgsFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CheckLayer(ctx, layer, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Layer check failed: %v", err)), nil
	}

	var lr struct {
		Layer    string `json:"layer"`
		Passed   bool   `json:"passed"`
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &lr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Layer: %s\n", lr.Layer)
	fmt.Fprintf(&sb, "Passed: %v\n", lr.Passed)
	fmt.Fprintf(&sb, "Decision: %s\n", lr.Decision)
	if lr.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", lr.Reason)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateWallet provisions a custody wallet.
func (h *Handlers) HandleCreateWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := req.GetString("mode", "")
	if mode == "" {
		return mcp.NewToolResultError("mode is required"), nil
	}

	raw, err := h.client.CreateWallet(ctx, mode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetWallet fetches one wallet.
func (h *Handlers) HandleGetWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}

	raw, err := h.client.GetWallet(ctx, walletID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListWallets lists the user's wallets.
func (h *Handlers) HandleListWallets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListWallets(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list wallets: %v", err)), nil
	}

	var resp struct {
		Wallets []walletView `json:"wallets"`
		Count   int          `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallets: %v", err)), nil
	}
	if resp.Count == 0 {
		return mcp.NewToolResultText("No wallets found. Use create_wallet to provision one."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d wallet(s):\n\n", resp.Count)
	for _, w := range resp.Wallets {
		fmt.Fprintf(&sb, "- %s [%s] status=%s address=%s\n", w.ID, w.Mode, w.Status, w.Address)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePrepareTransaction builds an unsigned transaction under custody rules.
func (h *Handlers) HandlePrepareTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	walletID := req.GetString("wallet_id", "")
	if walletID == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}
	args, err := txArgsFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.PrepareTransaction(ctx, walletID, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to prepare transaction: %v", err)), nil
	}

	var prep struct {
		ID               string    `json:"id"`
		EstimatedFee     float64   `json:"estimatedFee"`
		RequiresApproval bool      `json:"requiresApproval"`
		ApprovalType     string    `json:"approvalType"`
		SimulationNote   string    `json:"simulationNote"`
		ExpiresAt        time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(raw, &prep); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse prepared transaction: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Prepared transaction: %s\n", prep.ID)
	fmt.Fprintf(&sb, "Estimated fee: %.3f TON\n", prep.EstimatedFee)
	fmt.Fprintf(&sb, "Expires at: %s\n", prep.ExpiresAt.Format(time.RFC3339))
	if prep.RequiresApproval {
		fmt.Fprintf(&sb, "Approval required: %s\n", prep.ApprovalType)
		sb.WriteString("Obtain the user's approval, then call sign_transaction with the signature.\n")
	} else {
		sb.WriteString("No approval required. Call sign_transaction to sign it.\n")
	}
	if prep.SimulationNote != "" {
		fmt.Fprintf(&sb, "Note: %s\n", prep.SimulationNote)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSignTransaction signs a prepared transaction.
func (h *Handlers) HandleSignTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	preparedID := req.GetString("prepared_id", "")
	if preparedID == "" {
		return mcp.NewToolResultError("prepared_id is required"), nil
	}

	var approval map[string]any
	if sig := req.GetString("signature", ""); sig != "" {
		approval = map[string]any{
			"kind":       "user_signature",
			"signature":  sig,
			"approvedAt": time.Now().Format(time.RFC3339),
		}
	}
	if raw := req.GetArguments()["signatures"]; raw != nil {
		if list, ok := raw.([]any); ok && len(list) > 0 {
			sigs := make([]string, 0, len(list))
			for _, s := range list {
				if str, ok := s.(string); ok {
					sigs = append(sigs, str)
				}
			}
			approval = map[string]any{
				"kind":       "multi_sig",
				"signatures": sigs,
				"approvedAt": time.Now().Format(time.RFC3339),
			}
		}
	}

	raw, err := h.client.SignTransaction(ctx, preparedID, approval)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to sign transaction: %v", err)), nil
	}

	var signed struct {
		ID               string `json:"id"`
		WalletID         string `json:"walletId"`
		PayloadHash      string `json:"payloadHash"`
		ReadyToBroadcast bool   `json:"readyToBroadcast"`
	}
	if err := json.Unmarshal(raw, &signed); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse signed transaction: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Signed transaction: %s\n", signed.ID)
	fmt.Fprintf(&sb, "Wallet: %s\n", signed.WalletID)
	fmt.Fprintf(&sb, "Payload hash: %s\n", signed.PayloadHash)
	if signed.ReadyToBroadcast {
		sb.WriteString("Ready to broadcast.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListStrategies lists the user's registered strategies.
func (h *Handlers) HandleListStrategies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListStrategies(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list strategies: %v", err)), nil
	}

	var resp struct {
		Strategies []struct {
			ID                string   `json:"id"`
			Name              string   `json:"name"`
			AllowedOperations []string `json:"allowedOperations"`
			AllowedTokens     []string `json:"allowedTokens"`
			MaxAmountPerTrade float64  `json:"maxAmountPerTrade"`
			Enabled           bool     `json:"enabled"`
		} `json:"strategies"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse strategies: %v", err)), nil
	}
	if resp.Count == 0 {
		return mcp.NewToolResultText("No strategies registered for this user."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d strateg(ies):\n\n", resp.Count)
	for _, st := range resp.Strategies {
		state := "enabled"
		if !st.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "- %s (%s) [%s]\n", st.Name, st.ID, state)
		fmt.Fprintf(&sb, "  operations: %s | tokens: %s | max per trade: %.1f TON\n",
			strings.Join(st.AllowedOperations, ", "),
			strings.Join(st.AllowedTokens, ", "),
			st.MaxAmountPerTrade)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecentAuthorizations shows recent audit records.
func (h *Handlers) HandleRecentAuthorizations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)

	raw, err := h.client.ListAuthorizations(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list authorizations: %v", err)), nil
	}

	var resp struct {
		Records []struct {
			ID            string    `json:"id"`
			TransactionID string    `json:"transactionId"`
			Decision      string    `json:"decision"`
			RiskTier      string    `json:"riskTier"`
			CreatedAt     time.Time `json:"createdAt"`
		} `json:"records"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse records: %v", err)), nil
	}
	if resp.Count == 0 {
		return mcp.NewToolResultText("No authorization records yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d authorization(s):\n\n", resp.Count)
	for _, r := range resp.Records {
		fmt.Fprintf(&sb, "- %s tx=%s decision=%s risk=%s at %s\n",
			r.ID, r.TransactionID, r.Decision, r.RiskTier, r.CreatedAt.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSecurityHealth reports component health across the boundary.
func (h *Handlers) HandleSecurityHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check health: %v", err)), nil
	}

	var resp struct {
		Status     string `json:"status"`
		Components []struct {
			Name    string `json:"name"`
			Healthy bool   `json:"healthy"`
			Detail  string `json:"detail"`
		} `json:"components"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health report: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Security boundary status: %s\n\n", resp.Status)
	for _, c := range resp.Components {
		state := "ok"
		if !c.Healthy {
			state = "UNHEALTHY"
			if c.Detail != "" {
				state += " (" + c.Detail + ")"
			}
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, state)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// -----------------------------------------------------------------------------
// Formatters
// -----------------------------------------------------------------------------

type walletView struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	Address     string `json:"address"`
	Permissions struct {
		MaxTransactionAmount float64  `json:"maxTransactionAmount"`
		AllowedOperations    []string `json:"allowedOperations"`
	} `json:"permissions"`
}

func formatWallet(raw json.RawMessage) (string, error) {
	var w walletView
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet: %s\n", w.ID)
	fmt.Fprintf(&sb, "Mode: %s\n", w.Mode)
	fmt.Fprintf(&sb, "Status: %s\n", w.Status)
	if w.Address != "" {
		fmt.Fprintf(&sb, "Address: %s\n", w.Address)
	} else {
		sb.WriteString("Address: pending (user must link their wallet address)\n")
	}
	if w.Permissions.MaxTransactionAmount > 0 {
		fmt.Fprintf(&sb, "Max transaction: %.1f TON\n", w.Permissions.MaxTransactionAmount)
	}
	if len(w.Permissions.AllowedOperations) > 0 {
		fmt.Fprintf(&sb, "Allowed operations: %s\n", strings.Join(w.Permissions.AllowedOperations, ", "))
	}
	return sb.String(), nil
}

func formatAuthorization(raw json.RawMessage) (string, error) {
	var result struct {
		ID            string `json:"id"`
		TransactionID string `json:"transactionId"`
		Decision      string `json:"decision"`
		RiskTier      string `json:"riskTier"`
		CheckedLayers []struct {
			Layer    string `json:"layer"`
			Passed   bool   `json:"passed"`
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		} `json:"checkedLayers"`
		RequiredActions []struct {
			Kind        string `json:"kind"`
			Description string `json:"description"`
		} `json:"requiredActions"`
		ValidUntil time.Time `json:"validUntil"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\n", result.Decision)
	fmt.Fprintf(&sb, "Risk tier: %s\n", result.RiskTier)
	fmt.Fprintf(&sb, "Authorization: %s (tx %s)\n", result.ID, result.TransactionID)

	if len(result.CheckedLayers) > 0 {
		sb.WriteString("\nLayers:\n")
		for _, l := range result.CheckedLayers {
			mark := "pass"
			if !l.Passed {
				mark = "FAIL"
			}
			fmt.Fprintf(&sb, "- %s: %s", l.Layer, mark)
			if l.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", l.Reason)
			}
			sb.WriteString("\n")
		}
	}

	if len(result.RequiredActions) > 0 {
		sb.WriteString("\nRequired actions before this transaction can proceed:\n")
		for _, a := range result.RequiredActions {
			fmt.Fprintf(&sb, "- %s: %s\n", a.Kind, a.Description)
		}
	}

	if result.Decision != "rejected" && !result.ValidUntil.IsZero() {
		fmt.Fprintf(&sb, "\nValid until: %s\n", result.ValidUntil.Format(time.RFC3339))
	}

	return sb.String(), nil
}
