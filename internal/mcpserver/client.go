package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the TONGuard API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	UserID  string // User the agent acts on behalf of
	AgentID string // The agent's identifier
}

// GuardClient is a pure HTTP client for the TONGuard API.
type GuardClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGuardClient creates a new client for the TONGuard API.
func NewGuardClient(cfg Config) *GuardClient {
	return &GuardClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// 4xx responses carrying a decision payload (rejected authorizations) are
// returned as bodies, not errors, so the LLM sees the rejection reason.
func (c *GuardClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, allowStatus ...int) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		for _, allowed := range allowStatus {
			if resp.StatusCode == allowed {
				return json.RawMessage(respBody), nil
			}
		}
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// txPayload builds the transaction request body shared by authorize and prepare.
func (c *GuardClient) txPayload(args TxArgs) map[string]any {
	req := map[string]any{
		"type":         args.Type,
		"sourceWallet": args.SourceWallet,
		"userId":       c.cfg.UserID,
		"agentId":      c.cfg.AgentID,
	}
	if args.Destination != "" {
		req["destination"] = map[string]any{"address": args.Destination}
	}
	if args.Amount != "" || args.ValueTon > 0 {
		req["amount"] = map[string]any{
			"symbol":   args.Token,
			"amount":   args.Amount,
			"valueTon": args.ValueTon,
		}
	}
	if args.Protocol != "" || args.StrategyID != "" {
		req["metadata"] = map[string]any{
			"protocol":   args.Protocol,
			"strategyId": args.StrategyID,
		}
	}
	return req
}

// TxArgs carries the transaction fields the tools accept.
type TxArgs struct {
	Type         string
	SourceWallet string
	Destination  string
	Token        string
	Amount       string
	ValueTon     float64
	Protocol     string
	StrategyID   string
}

// Authorize submits a proposed transaction to the authorization pipeline.
func (c *GuardClient) Authorize(ctx context.Context, args TxArgs) (json.RawMessage, error) {
	body := map[string]any{"request": c.txPayload(args)}
	// 403 carries the rejected decision payload
	return c.doRequest(ctx, http.MethodPost, "/v1/authorize", nil, body, http.StatusForbidden)
}

// CheckLayer probes a single authorization layer without running the pipeline.
func (c *GuardClient) CheckLayer(ctx context.Context, layer string, args TxArgs) (json.RawMessage, error) {
	body := map[string]any{"request": c.txPayload(args)}
	return c.doRequest(ctx, http.MethodPost, "/v1/authorize/layers/"+layer, nil, body)
}

// CreateWallet provisions a custody wallet for this user/agent pair.
func (c *GuardClient) CreateWallet(ctx context.Context, mode string) (json.RawMessage, error) {
	body := map[string]any{
		"userId":  c.cfg.UserID,
		"agentId": c.cfg.AgentID,
		"mode":    mode,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallets", nil, body)
}

// GetWallet fetches one wallet by id.
func (c *GuardClient) GetWallet(ctx context.Context, walletID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+walletID, nil, nil)
}

// ListWallets lists the user's wallets.
func (c *GuardClient) ListWallets(ctx context.Context) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("userId", c.cfg.UserID)
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets", q, nil)
}

// PrepareTransaction builds an unsigned transaction under custody rules.
func (c *GuardClient) PrepareTransaction(ctx context.Context, walletID string, args TxArgs) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/wallets/"+walletID+"/prepare", nil, c.txPayload(args))
}

// SignTransaction signs a prepared transaction, optionally with an approval.
func (c *GuardClient) SignTransaction(ctx context.Context, preparedID string, approval map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+preparedID+"/sign", nil, approval)
}

// ListStrategies lists the user's registered trading strategies.
func (c *GuardClient) ListStrategies(ctx context.Context) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("ownerId", c.cfg.UserID)
	return c.doRequest(ctx, http.MethodGet, "/v1/strategies", q, nil)
}

// ListAuthorizations fetches recent authorization records for the user.
func (c *GuardClient) ListAuthorizations(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("userId", c.cfg.UserID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audit/authorizations", q, nil)
}

// Health fetches the component health report. A degraded boundary replies
// 503 with the same body, which still makes a useful tool result.
func (c *GuardClient) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, http.StatusServiceUnavailable)
}
