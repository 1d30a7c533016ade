// Package finance provides the account, transaction, and forecast data the
// assistant's tools read. Providers return paginated results and degrade to
// count-only summaries when the backing store refuses to enumerate rows.
package finance

import "time"

// Page limits applied by PageRequest.Normalize.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Account is a user bank or investment account.
type Account struct {
	ID        string    `json:"id" firestore:"id"`
	UserID    string    `json:"userId" firestore:"user_id"`
	Name      string    `json:"name" firestore:"name"`
	Type      string    `json:"type" firestore:"type"` // checking, savings, credit, investment
	Currency  string    `json:"currency" firestore:"currency"`
	Balance   float64   `json:"balance" firestore:"balance"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updated_at"`
}

// Transaction is a single ledger entry. Amount is negative for debits.
type Transaction struct {
	ID          string    `json:"id" firestore:"id"`
	AccountID   string    `json:"accountId" firestore:"account_id"`
	UserID      string    `json:"userId" firestore:"user_id"`
	Date        time.Time `json:"date" firestore:"date"`
	Amount      float64   `json:"amount" firestore:"amount"`
	Currency    string    `json:"currency" firestore:"currency"`
	Category    string    `json:"category" firestore:"category"`
	Description string    `json:"description" firestore:"description"`
}

// Forecast is a precomputed cashflow projection for one account.
type Forecast struct {
	AccountID         string    `json:"accountId" firestore:"account_id"`
	UserID            string    `json:"userId" firestore:"user_id"`
	HorizonDays       int       `json:"horizonDays" firestore:"horizon_days"`
	ProjectedBalance  float64   `json:"projectedBalance" firestore:"projected_balance"`
	ProjectedIncome   float64   `json:"projectedIncome" firestore:"projected_income"`
	ProjectedExpenses float64   `json:"projectedExpenses" firestore:"projected_expenses"`
	GeneratedAt       time.Time `json:"generatedAt" firestore:"generated_at"`
}

// Query scopes a provider read. UserID is required; AccountID and the time
// bounds are optional narrowing filters.
type Query struct {
	UserID    string
	AccountID string
	From      time.Time
	To        time.Time
}

// PageRequest selects one page of results. Page is 1-based.
type PageRequest struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize clamps the request to valid bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// PageResult is one page of rows plus navigation metadata.
type PageResult[T any] struct {
	Items   []T   `json:"items"`
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	HasNext bool  `json:"hasNext"`
	HasPrev bool  `json:"hasPrev"`
}

// NewPageResult computes navigation flags from the normalized request and
// the total match count.
func NewPageResult[T any](items []T, total int64, req PageRequest) PageResult[T] {
	return PageResult[T]{
		Items:   items,
		Total:   total,
		Page:    req.Page,
		Limit:   req.Limit,
		HasNext: int64(req.Page)*int64(req.Limit) < total,
		HasPrev: req.Page > 1,
	}
}

// CountFallback is the count-only payload returned when row data could not
// be enumerated.
type CountFallback struct {
	Total   int64  `json:"total"`
	Message string `json:"message"`
}

// ListOutcome is either a full page or a count-only fallback. Exactly one
// field is set.
type ListOutcome[T any] struct {
	Page      *PageResult[T] `json:"page,omitempty"`
	CountOnly *CountFallback `json:"countOnly,omitempty"`
}

// Degraded reports whether the outcome fell back to a count.
func (o ListOutcome[T]) Degraded() bool {
	return o.CountOnly != nil
}
