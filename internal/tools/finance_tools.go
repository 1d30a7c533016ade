package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finchat-dev/finchat/internal/contextcache"
	"github.com/finchat-dev/finchat/internal/finance"
)

// RegisterFinanceTools registers the built-in tools over the data providers
// and the context cache. The cache may be nil; refresh_context then reports
// itself unavailable instead of failing registration.
func RegisterFinanceTools(r *Registry, store finance.Store, cache *contextcache.Cache) error {
	ft := &financeTools{store: store, cache: cache, now: time.Now}

	toolset := []Tool{
		{
			Name:        "list_accounts",
			Description: "List the customer's accounts with names, types, and balances. Supports pagination.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"page": {"type": "integer", "minimum": 1, "description": "1-based page number"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100, "description": "Rows per page, at most 100"}
				}
			}`),
			Handler: ft.listAccounts,
		},
		{
			Name:        "list_transactions",
			Description: "List transactions for the customer, optionally scoped to one account and a date range. Returns a count-only summary when the full listing is unavailable.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"account_id": {"type": "string", "description": "Restrict to one account"},
					"from": {"type": "string", "description": "Earliest date, inclusive (YYYY-MM-DD)"},
					"to": {"type": "string", "description": "Latest date, exclusive (YYYY-MM-DD)"},
					"page": {"type": "integer", "minimum": 1, "description": "1-based page number"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100, "description": "Rows per page, at most 100"}
				}
			}`),
			Handler: ft.listTransactions,
		},
		{
			Name:        "get_forecast",
			Description: "Get the most recent balance forecast for the customer, optionally scoped to one account.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"account_id": {"type": "string", "description": "Restrict to one account"}
				}
			}`),
			Handler: ft.getForecast,
		},
		{
			Name:        "refresh_context",
			Description: "Invalidate and rebuild the cached account context after the customer reports a change.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"account_id": {"type": "string", "description": "Restrict the refresh to one account"}
				}
			}`),
			Handler: ft.refreshContext,
		},
	}

	for _, t := range toolset {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

type financeTools struct {
	store finance.Store
	cache *contextcache.Cache
	now   func() time.Time
}

type pageArgs struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type transactionArgs struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
}

type accountArgs struct {
	AccountID string `json:"account_id"`
}

// decodeArgs tolerates the empty argument payloads models send for
// no-argument calls.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func requireUser(call CallContext) error {
	if call.UserID == "" {
		return errors.New("missing user id in call context")
	}
	return nil
}

// parseDay accepts the date formats the schema advertises.
func parseDay(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", value)
	}
	return t, nil
}

func (ft *financeTools) listAccounts(ctx context.Context, call CallContext, raw json.RawMessage) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	var args pageArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	q := finance.Query{UserID: call.UserID}
	outcome, err := finance.ListOrDegrade(ctx, ft.store.Accounts(), q, finance.PageRequest{Page: args.Page, Limit: args.Limit})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if outcome.Degraded() {
		return outcome.CountOnly, nil
	}
	return outcome.Page, nil
}

func (ft *financeTools) listTransactions(ctx context.Context, call CallContext, raw json.RawMessage) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	var args transactionArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	from, err := parseDay(args.From)
	if err != nil {
		return nil, err
	}
	to, err := parseDay(args.To)
	if err != nil {
		return nil, err
	}

	accountID := args.AccountID
	if accountID == "" {
		accountID = call.AccountID
	}

	q := finance.Query{UserID: call.UserID, AccountID: accountID, From: from, To: to}
	outcome, err := finance.ListOrDegrade(ctx, ft.store.Transactions(), q, finance.PageRequest{Page: args.Page, Limit: args.Limit})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if outcome.Degraded() {
		return outcome.CountOnly, nil
	}
	return outcome.Page, nil
}

func (ft *financeTools) getForecast(ctx context.Context, call CallContext, raw json.RawMessage) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	var args accountArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	accountID := args.AccountID
	if accountID == "" {
		accountID = call.AccountID
	}

	q := finance.Query{UserID: call.UserID, AccountID: accountID}
	page, err := ft.store.Forecasts().List(ctx, q, finance.PageRequest{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("get forecast: %w", err)
	}
	if len(page.Items) == 0 {
		return nil, errors.New("no forecast available")
	}
	return page.Items[0], nil
}

func (ft *financeTools) refreshContext(ctx context.Context, call CallContext, raw json.RawMessage) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	if ft.cache == nil {
		return nil, errors.New("context cache not configured")
	}
	var args accountArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	accountID := args.AccountID
	if accountID == "" {
		accountID = call.AccountID
	}

	var accounts []string
	if accountID != "" {
		accounts = append(accounts, accountID)
	}
	if err := ft.cache.Invalidate(ctx, call.UserID, accounts...); err != nil {
		return nil, fmt.Errorf("invalidate context: %w", err)
	}
	if err := ft.cache.WarmUp(ctx, call.UserID, accountID, call.AuthToken); err != nil {
		return nil, fmt.Errorf("rebuild context: %w", err)
	}

	return map[string]any{"refreshed": true, "accountId": accountID}, nil
}
