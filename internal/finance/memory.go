package finance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory provider backend for tests and the local
// REPL. A row ceiling simulates the enumeration quota of the production
// store: listing more matches than the ceiling returns
// ErrResourceExhausted while counting stays available.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     []Account
	transactions []Transaction
	forecasts    []Forecast
	rowCeiling   int
}

// NewMemoryStore creates an empty store. rowCeiling <= 0 disables the
// enumeration limit.
func NewMemoryStore(rowCeiling int) *MemoryStore {
	return &MemoryStore{rowCeiling: rowCeiling}
}

// SeedAccounts adds accounts to the store.
func (s *MemoryStore) SeedAccounts(accounts ...Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, accounts...)
}

// SeedTransactions adds transactions to the store.
func (s *MemoryStore) SeedTransactions(txns ...Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, txns...)
}

// SeedForecasts adds forecasts to the store.
func (s *MemoryStore) SeedForecasts(forecasts ...Forecast) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forecasts = append(s.forecasts, forecasts...)
}

// Accounts returns the account provider.
func (s *MemoryStore) Accounts() AccountProvider {
	return &memoryProvider[Account]{
		store: s,
		match: func(q Query, a Account) bool {
			if a.UserID != q.UserID {
				return false
			}
			return q.AccountID == "" || a.ID == q.AccountID
		},
		less: func(a, b Account) bool { return a.Name < b.Name },
		rows: func() []Account { return s.accounts },
	}
}

// Transactions returns the transaction provider.
func (s *MemoryStore) Transactions() TransactionProvider {
	return &memoryProvider[Transaction]{
		store: s,
		match: func(q Query, t Transaction) bool {
			if t.UserID != q.UserID {
				return false
			}
			if q.AccountID != "" && t.AccountID != q.AccountID {
				return false
			}
			if !q.From.IsZero() && t.Date.Before(q.From) {
				return false
			}
			if !q.To.IsZero() && !t.Date.Before(q.To) {
				return false
			}
			return true
		},
		// Newest first
		less: func(a, b Transaction) bool { return a.Date.After(b.Date) },
		rows: func() []Transaction { return s.transactions },
	}
}

// Forecasts returns the forecast provider.
func (s *MemoryStore) Forecasts() ForecastProvider {
	return &memoryProvider[Forecast]{
		store: s,
		match: func(q Query, f Forecast) bool {
			if f.UserID != q.UserID {
				return false
			}
			return q.AccountID == "" || f.AccountID == q.AccountID
		},
		less: func(a, b Forecast) bool { return a.GeneratedAt.After(b.GeneratedAt) },
		rows: func() []Forecast { return s.forecasts },
	}
}

// Ping never fails for the in-memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryProvider[T any] struct {
	store *MemoryStore
	match func(Query, T) bool
	less  func(T, T) bool
	rows  func() []T
}

func (p *memoryProvider[T]) filtered(q Query) []T {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	var matches []T
	for _, row := range p.rows() {
		if p.match(q, row) {
			matches = append(matches, row)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return p.less(matches[i], matches[j]) })
	return matches
}

func (p *memoryProvider[T]) List(ctx context.Context, q Query, page PageRequest) (PageResult[T], error) {
	if err := ctx.Err(); err != nil {
		return PageResult[T]{}, err
	}
	page = page.Normalize()

	matches := p.filtered(q)
	if ceiling := p.store.rowCeiling; ceiling > 0 && len(matches) > ceiling {
		return PageResult[T]{}, fmt.Errorf("%w: %d rows exceed ceiling %d", ErrResourceExhausted, len(matches), ceiling)
	}

	start := (page.Page - 1) * page.Limit
	end := start + page.Limit
	if start > len(matches) {
		start = len(matches)
	}
	if end > len(matches) {
		end = len(matches)
	}

	return NewPageResult(matches[start:end], int64(len(matches)), page), nil
}

func (p *memoryProvider[T]) Count(ctx context.Context, q Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(p.filtered(q))), nil
}

// NewDemoStore seeds a small plausible dataset for the local REPL, scoped
// to user "demo".
func NewDemoStore(rowCeiling int) *MemoryStore {
	s := NewMemoryStore(rowCeiling)
	now := time.Now().UTC()

	s.SeedAccounts(
		Account{ID: "acc-checking", UserID: "demo", Name: "Everyday Checking", Type: "checking", Currency: "USD", Balance: 2843.17, UpdatedAt: now},
		Account{ID: "acc-savings", UserID: "demo", Name: "Rainy Day Savings", Type: "savings", Currency: "USD", Balance: 12050.00, UpdatedAt: now},
		Account{ID: "acc-credit", UserID: "demo", Name: "Travel Credit Card", Type: "credit", Currency: "USD", Balance: -431.52, UpdatedAt: now},
	)

	categories := []struct {
		category    string
		description string
		amount      float64
	}{
		{"groceries", "Corner Market", -62.35},
		{"salary", "Payroll deposit", 2400.00},
		{"dining", "Noodle House", -28.40},
		{"transport", "Metro card reload", -40.00},
		{"utilities", "Electric bill", -89.12},
		{"subscriptions", "Streaming service", -12.99},
	}
	for i := 0; i < 18; i++ {
		c := categories[i%len(categories)]
		s.SeedTransactions(Transaction{
			ID:          fmt.Sprintf("txn-%03d", i+1),
			AccountID:   "acc-checking",
			UserID:      "demo",
			Date:        now.AddDate(0, 0, -i*2),
			Amount:      c.amount,
			Currency:    "USD",
			Category:    c.category,
			Description: c.description,
		})
	}

	s.SeedForecasts(
		Forecast{
			AccountID:         "acc-checking",
			UserID:            "demo",
			HorizonDays:       30,
			ProjectedBalance:  3120.40,
			ProjectedIncome:   4800.00,
			ProjectedExpenses: 4522.77,
			GeneratedAt:       now,
		},
	)

	return s
}
