package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchat-dev/finchat/internal/contextcache"
	"github.com/finchat-dev/finchat/internal/finance"
	"github.com/finchat-dev/finchat/pkg/chat"
	"github.com/finchat-dev/finchat/pkg/config"
)

func seededRegistry(t *testing.T, rowCeiling int) (*Registry, *finance.MemoryStore) {
	t.Helper()

	store := finance.NewMemoryStore(rowCeiling)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	store.SeedAccounts(
		finance.Account{ID: "a1", UserID: "u1", Name: "Checking", Type: "checking", Currency: "USD", Balance: 500},
		finance.Account{ID: "a2", UserID: "u1", Name: "Savings", Type: "savings", Currency: "USD", Balance: 9000},
	)
	for i := 0; i < 8; i++ {
		store.SeedTransactions(finance.Transaction{
			ID:        fmt.Sprintf("t%d", i),
			AccountID: "a1",
			UserID:    "u1",
			Date:      base.AddDate(0, 0, -i),
			Amount:    -5,
			Currency:  "USD",
			Category:  "misc",
		})
	}

	r := NewRegistry(16 * 1024)
	require.NoError(t, RegisterFinanceTools(r, store, nil))
	return r, store
}

func toolCall(name, args string) chat.ToolCallRequest {
	return chat.ToolCallRequest{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}
}

func TestListAccountsTool(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("list_accounts", `{}`), CallContext{UserID: "u1"})
	require.True(t, res.Success, res.ErrorMessage)

	var page finance.PageResult[finance.Account]
	require.NoError(t, json.Unmarshal(res.Payload, &page))
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Checking", page.Items[0].Name)
}

func TestListAccountsTool_MissingUser(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("list_accounts", `{}`), CallContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "missing user id")
}

func TestListTransactionsTool_DateRange(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("list_transactions",
		`{"account_id":"a1","from":"2026-05-29","to":"2026-06-02"}`), CallContext{UserID: "u1"})
	require.True(t, res.Success, res.ErrorMessage)

	var page finance.PageResult[finance.Transaction]
	require.NoError(t, json.Unmarshal(res.Payload, &page))
	// 2026-05-29 through 2026-06-01
	assert.Equal(t, int64(4), page.Total)
}

func TestListTransactionsTool_BadDate(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("list_transactions", `{"from":"yesterday"}`), CallContext{UserID: "u1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "invalid date")
}

func TestListTransactionsTool_DegradesToCount(t *testing.T) {
	r, _ := seededRegistry(t, 5)

	res := r.Execute(context.Background(), toolCall("list_transactions", `{}`), CallContext{UserID: "u1"})
	require.True(t, res.Success, res.ErrorMessage)

	var fallback finance.CountFallback
	require.NoError(t, json.Unmarshal(res.Payload, &fallback))
	assert.Equal(t, int64(8), fallback.Total)
	assert.NotEmpty(t, fallback.Message)
}

func TestListTransactionsTool_InvalidArguments(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("list_transactions", `{"page":"one"}`), CallContext{UserID: "u1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "invalid arguments")
}

func TestGetForecastTool_NoneAvailable(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("get_forecast", `{}`), CallContext{UserID: "u1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "no forecast available")
}

func TestGetForecastTool(t *testing.T) {
	r, store := seededRegistry(t, 0)
	store.SeedForecasts(finance.Forecast{
		AccountID:        "a1",
		UserID:           "u1",
		HorizonDays:      30,
		ProjectedBalance: 750,
		GeneratedAt:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	})

	res := r.Execute(context.Background(), toolCall("get_forecast", `{"account_id":"a1"}`), CallContext{UserID: "u1"})
	require.True(t, res.Success, res.ErrorMessage)

	var forecast finance.Forecast
	require.NoError(t, json.Unmarshal(res.Payload, &forecast))
	assert.Equal(t, 30, forecast.HorizonDays)
	assert.Equal(t, 750.0, forecast.ProjectedBalance)
}

func TestRefreshContextTool_NoCache(t *testing.T) {
	r, _ := seededRegistry(t, 0)

	res := r.Execute(context.Background(), toolCall("refresh_context", `{}`), CallContext{UserID: "u1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "not configured")
}

func TestRefreshContextTool(t *testing.T) {
	store := finance.NewDemoStore(0)
	cacheCfg := config.CacheConfig{
		KeyPrefix:            "test:ctx:",
		ProfileTTL:           time.Hour,
		BalancesTTL:          time.Hour,
		TransactionsTTL:      time.Hour,
		ProfileFreshFor:      30 * time.Minute,
		BalancesFreshFor:     30 * time.Minute,
		TransactionsFreshFor: 30 * time.Minute,
	}
	cache := contextcache.NewCache(contextcache.NewMemoryKV(), contextcache.NewProviderBuilder(store), cacheCfg)

	r := NewRegistry(16 * 1024)
	require.NoError(t, RegisterFinanceTools(r, store, cache))

	res := r.Execute(context.Background(), toolCall("refresh_context", `{"account_id":"acc-checking"}`), CallContext{UserID: "demo"})
	require.True(t, res.Success, res.ErrorMessage)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &out))
	assert.Equal(t, true, out["refreshed"])
	assert.Equal(t, "acc-checking", out["accountId"])

	// The rebuilt entry serves fresh.
	entry, err := cache.Get(context.Background(), "demo", "acc-checking", contextcache.TierBalances, "")
	require.NoError(t, err)
	assert.True(t, entry.Fresh)
}
