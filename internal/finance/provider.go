package finance

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
)

// ErrResourceExhausted signals the backing store refused to enumerate rows
// (quota, scan budget). Callers degrade to a count-only result instead of
// failing the request.
var ErrResourceExhausted = errors.New("resource exhausted")

// Provider is the read surface shared by all row kinds.
type Provider[T any] interface {
	// List returns one page of rows matching q. Returns an error wrapping
	// ErrResourceExhausted when the store refuses enumeration.
	List(ctx context.Context, q Query, page PageRequest) (PageResult[T], error)

	// Count returns the total number of rows matching q. Counting stays
	// available when enumeration is exhausted.
	Count(ctx context.Context, q Query) (int64, error)
}

// Typed provider surfaces used by the tool layer.
type (
	AccountProvider     = Provider[Account]
	TransactionProvider = Provider[Transaction]
	ForecastProvider    = Provider[Forecast]
)

// Store bundles the providers behind one backend.
type Store interface {
	Accounts() AccountProvider
	Transactions() TransactionProvider
	Forecasts() ForecastProvider
	Ping(ctx context.Context) error
	Close() error
}

// NewStore builds the configured provider backend.
func NewStore(ctx context.Context, cfg config.ProvidersConfig) (Store, error) {
	switch cfg.Backend {
	case "firestore":
		return NewFirestoreStore(ctx, cfg)
	case "memory", "":
		return NewDemoStore(cfg.MemoryRowCeiling), nil
	default:
		return nil, fmt.Errorf("unknown providers backend %q", cfg.Backend)
	}
}

// ListOrDegrade runs List and converts resource exhaustion into a
// count-only outcome via the provider's Count. Other errors propagate.
func ListOrDegrade[T any](ctx context.Context, p Provider[T], q Query, page PageRequest) (ListOutcome[T], error) {
	res, err := p.List(ctx, q, page)
	if err == nil {
		return ListOutcome[T]{Page: &res}, nil
	}
	if !errors.Is(err, ErrResourceExhausted) {
		return ListOutcome[T]{}, err
	}

	total, countErr := p.Count(ctx, q)
	if countErr != nil {
		return ListOutcome[T]{}, fmt.Errorf("count fallback after exhaustion: %w", countErr)
	}

	observability.RecordProviderDegradation(kindOf[T]())
	log.Printf("[Finance] list degraded to count-only (%d rows): %v", total, err)
	return ListOutcome[T]{CountOnly: &CountFallback{
		Total:   total,
		Message: fmt.Sprintf("Detailed rows are temporarily unavailable; %d matching records exist.", total),
	}}, nil
}

// kindOf names the row kind behind a provider instantiation, for metric
// labels. Matches the Firestore collection names.
func kindOf[T any]() string {
	var zero T
	switch any(zero).(type) {
	case Account:
		return "accounts"
	case Transaction:
		return "transactions"
	case Forecast:
		return "forecasts"
	default:
		return "unknown"
	}
}
