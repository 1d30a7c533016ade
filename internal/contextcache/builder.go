package contextcache

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/finchat-dev/finchat/internal/finance"
)

// transactionWindow bounds how far back the transactions tier reaches.
const transactionWindow = 30 * 24 * time.Hour

// ProviderBuilder renders tier payloads from the finance providers as
// plain text blocks ready for prompt injection.
type ProviderBuilder struct {
	store finance.Store
	now   func() time.Time
}

// NewProviderBuilder creates a builder over the given data providers.
func NewProviderBuilder(store finance.Store) *ProviderBuilder {
	return &ProviderBuilder{store: store, now: time.Now}
}

func (b *ProviderBuilder) Build(ctx context.Context, userID, accountID string, tier Tier, token string) (string, error) {
	q := finance.Query{UserID: userID, AccountID: accountID}

	switch tier {
	case TierProfile:
		return b.buildProfile(ctx, q)
	case TierBalances:
		return b.buildBalances(ctx, q)
	case TierTransactions:
		return b.buildTransactions(ctx, q)
	default:
		return "", fmt.Errorf("unknown cache tier %q", tier)
	}
}

func (b *ProviderBuilder) buildProfile(ctx context.Context, q finance.Query) (string, error) {
	page, err := b.store.Accounts().List(ctx, q, finance.PageRequest{Limit: finance.MaxPageLimit})
	if err != nil {
		return "", fmt.Errorf("load accounts: %w", err)
	}
	if len(page.Items) == 0 {
		return "No accounts on file.", nil
	}

	var sb strings.Builder
	sb.WriteString("Customer accounts:\n")
	for _, a := range page.Items {
		fmt.Fprintf(&sb, "- %s (%s, %s), id %s\n", a.Name, a.Type, a.Currency, a.ID)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *ProviderBuilder) buildBalances(ctx context.Context, q finance.Query) (string, error) {
	page, err := b.store.Accounts().List(ctx, q, finance.PageRequest{Limit: finance.MaxPageLimit})
	if err != nil {
		return "", fmt.Errorf("load balances: %w", err)
	}
	if len(page.Items) == 0 {
		return "No accounts on file.", nil
	}

	var sb strings.Builder
	sb.WriteString("Current balances:\n")
	for _, a := range page.Items {
		fmt.Fprintf(&sb, "- %s: %.2f %s\n", a.Name, a.Balance, a.Currency)
	}

	// The latest forecast rides along with balances. A missing forecast
	// is not an error.
	forecasts, err := b.store.Forecasts().List(ctx, q, finance.PageRequest{Limit: 1})
	if err != nil {
		log.Printf("[Cache] forecast lookup for %s: %v", q.UserID, err)
	} else if len(forecasts.Items) > 0 {
		f := forecasts.Items[0]
		fmt.Fprintf(&sb, "Forecast (%d days): projected balance %.2f, income %.2f, expenses %.2f\n",
			f.HorizonDays, f.ProjectedBalance, f.ProjectedIncome, f.ProjectedExpenses)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *ProviderBuilder) buildTransactions(ctx context.Context, q finance.Query) (string, error) {
	q.From = b.now().Add(-transactionWindow)

	outcome, err := finance.ListOrDegrade(ctx, b.store.Transactions(), q, finance.PageRequest{Limit: finance.DefaultPageLimit})
	if err != nil {
		return "", fmt.Errorf("load transactions: %w", err)
	}
	if outcome.Degraded() {
		return outcome.CountOnly.Message, nil
	}

	page := outcome.Page
	if len(page.Items) == 0 {
		return "No transactions in the last 30 days.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recent transactions (%d of %d in the last 30 days):\n", len(page.Items), page.Total)
	for _, t := range page.Items {
		fmt.Fprintf(&sb, "- %s %.2f %s %s", t.Date.Format("2006-01-02"), t.Amount, t.Currency, t.Category)
		if t.Description != "" {
			fmt.Fprintf(&sb, " (%s)", t.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
