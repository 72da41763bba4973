package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the TONGuard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var txToolOptions = []mcp.ToolOption{
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Transaction type"),
		mcp.Enum("transfer", "swap", "stake", "unstake", "provide_liquidity", "remove_liquidity", "contract_call")),
	mcp.WithString("source_wallet",
		mcp.Required(),
		mcp.Description("TON address of the wallet funds move from")),
	mcp.WithString("destination",
		mcp.Description("Destination TON address (required for transfers)")),
	mcp.WithString("token",
		mcp.Description("Token symbol, e.g. 'TON' or 'USDT'")),
	mcp.WithString("amount",
		mcp.Description("Exact token amount as a decimal string, e.g. '12.5'")),
	mcp.WithNumber("value_ton",
		mcp.Description("TON-equivalent value of the transaction, used for limit checks")),
	mcp.WithString("protocol",
		mcp.Description("DeFi protocol for swaps and liquidity operations, e.g. 'dedust', 'stonfi'")),
	mcp.WithString("strategy_id",
		mcp.Description("Registered strategy this transaction executes under")),
}

func withTxArgs(base ...mcp.ToolOption) []mcp.ToolOption {
	return append(base, txToolOptions...)
}

var ToolAuthorizeTransaction = mcp.NewTool("authorize_transaction",
	withTxArgs(
		mcp.WithDescription(
			"Submit a proposed transaction to the TONGuard authorization pipeline. "+
				"Runs intent validation, strategy checks, risk scoring, policy and limit checks, "+
				"rate limiting, anomaly detection and simulation. "+
				"Returns approved, approved_with_confirmation, pending_review or rejected, "+
				"plus any required follow-up actions. Always authorize before preparing a transaction."),
	)...,
)

var ToolCheckLayer = mcp.NewTool("check_layer",
	withTxArgs(
		mcp.WithDescription(
			"Probe a single authorization layer without running the full pipeline. "+
				"Useful to understand why a transaction would be rejected, or to pre-check "+
				"limits before building one. Probes never consume a rate-limit slot except 'rate_limit' itself."),
		mcp.WithString("layer",
			mcp.Required(),
			mcp.Description("Which layer to probe"),
			mcp.Enum("intent_validation", "strategy_validation", "risk_engine", "policy_engine",
				"limit_check", "rate_limit", "anomaly_detection", "simulation")),
	)...,
)

var ToolCreateWallet = mcp.NewTool("create_wallet",
	mcp.WithDescription(
		"Create a custody wallet for this agent. Modes: 'non_custodial' (user keeps keys, "+
			"every transaction needs the user's signature), 'smart_contract' (scoped agent key with "+
			"on-chain limits), 'mpc' (2-of-3 threshold key, escalating approvals for large amounts)."),
	mcp.WithString("mode",
		mcp.Required(),
		mcp.Description("Custody model for the wallet"),
		mcp.Enum("non_custodial", "smart_contract", "mpc")),
)

var ToolGetWallet = mcp.NewTool("get_wallet",
	mcp.WithDescription("Fetch a custody wallet's status, address and permissions."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet id, e.g. 'cw_...'")),
)

var ToolListWallets = mcp.NewTool("list_wallets",
	mcp.WithDescription("List the user's custody wallets across all custody modes."),
)

var ToolPrepareTransaction = mcp.NewTool("prepare_transaction",
	withTxArgs(
		mcp.WithDescription(
			"Build an unsigned transaction in a custody wallet. Returns the prepared transaction "+
				"with its estimated fee, expiry, and whether user approval is required before signing. "+
				"Prepared transactions can be signed exactly once and expire if not signed in time."),
		mcp.WithString("wallet_id",
			mcp.Required(),
			mcp.Description("The custody wallet to prepare in")),
	)...,
)

var ToolSignTransaction = mcp.NewTool("sign_transaction",
	mcp.WithDescription(
		"Sign a prepared transaction. If the prepared transaction requires approval, "+
			"pass the user's signature (non-custodial / over-limit) or the collected "+
			"multi-sig signatures (large MPC transactions)."),
	mcp.WithString("prepared_id",
		mcp.Required(),
		mcp.Description("The prepared transaction id, e.g. 'ptx_...'")),
	mcp.WithString("signature",
		mcp.Description("User signature when the prepared transaction requires user approval")),
	mcp.WithArray("signatures",
		mcp.Description("Multi-sig signatures for large MPC transactions (quorum of 2)")),
)

var ToolListStrategies = mcp.NewTool("list_strategies",
	mcp.WithDescription(
		"List the trading strategies registered for this user. "+
			"Transactions referencing a strategy_id are validated against its allow-lists and per-trade cap."),
)

var ToolSecurityHealth = mcp.NewTool("security_health",
	mcp.WithDescription(
		"Check the health of the TONGuard security boundary: the authorization "+
			"engine, key management and each custody provider. Use this before "+
			"submitting transactions if earlier calls failed unexpectedly."),
)

var ToolRecentAuthorizations = mcp.NewTool("recent_authorizations",
	mcp.WithDescription(
		"Show the user's recent authorization decisions from the audit trail, "+
			"including which layers ran and why transactions were escalated or rejected."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of records to return (default 10)")),
)
