package finance

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/finchat-dev/finchat/pkg/config"
)

// Firestore collection names.
const (
	accountsCollection     = "accounts"
	transactionsCollection = "transactions"
	forecastsCollection    = "forecasts"
)

// FirestoreStore serves providers from Google Cloud Firestore. Pagination
// uses ordered offset/limit queries; totals come from aggregation counts so
// a page never requires a full scan.
type FirestoreStore struct {
	client       *firestore.Client
	queryTimeout time.Duration
}

// NewFirestoreStore creates a Firestore-backed provider store. With no
// credentials file configured it uses Application Default Credentials.
func NewFirestoreStore(ctx context.Context, cfg config.ProvidersConfig) (*FirestoreStore, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("firestore providers require a GCP project")
	}

	var clientOpts []option.ClientOption
	if cfg.GCPCredentials != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.GCPCredentials))
	}

	client, err := firestore.NewClient(ctx, cfg.GCPProject, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{
		client:       client,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

// Accounts returns the account provider.
func (s *FirestoreStore) Accounts() AccountProvider {
	return &firestoreAccounts{store: s, coll: s.client.Collection(accountsCollection)}
}

// Transactions returns the transaction provider.
func (s *FirestoreStore) Transactions() TransactionProvider {
	return &firestoreTransactions{store: s, coll: s.client.Collection(transactionsCollection)}
}

// Forecasts returns the forecast provider.
func (s *FirestoreStore) Forecasts() ForecastProvider {
	return &firestoreForecasts{store: s, coll: s.client.Collection(forecastsCollection)}
}

// Ping verifies the store answers queries.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	iter := s.client.Collection(accountsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return context.WithCancel(ctx)
}

type firestoreAccounts struct {
	store *FirestoreStore
	coll  *firestore.CollectionRef
}

func (p *firestoreAccounts) query(q Query) firestore.Query {
	fq := p.coll.Query.Where("user_id", "==", q.UserID)
	if q.AccountID != "" {
		fq = fq.Where("id", "==", q.AccountID)
	}
	return fq
}

func (p *firestoreAccounts) List(ctx context.Context, q Query, page PageRequest) (PageResult[Account], error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	page = page.Normalize()

	total, err := countDocuments(ctx, p.query(q))
	if err != nil {
		return PageResult[Account]{}, err
	}

	fq := p.query(q).
		OrderBy("name", firestore.Asc).
		Offset((page.Page - 1) * page.Limit).
		Limit(page.Limit)

	items, err := collectDocuments[Account](ctx, fq, "accounts")
	if err != nil {
		return PageResult[Account]{}, err
	}
	return NewPageResult(items, total, page), nil
}

func (p *firestoreAccounts) Count(ctx context.Context, q Query) (int64, error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	return countDocuments(ctx, p.query(q))
}

type firestoreTransactions struct {
	store *FirestoreStore
	coll  *firestore.CollectionRef
}

func (p *firestoreTransactions) query(q Query) firestore.Query {
	fq := p.coll.Query.Where("user_id", "==", q.UserID)
	if q.AccountID != "" {
		fq = fq.Where("account_id", "==", q.AccountID)
	}
	if !q.From.IsZero() {
		fq = fq.Where("date", ">=", q.From)
	}
	if !q.To.IsZero() {
		fq = fq.Where("date", "<", q.To)
	}
	return fq
}

func (p *firestoreTransactions) List(ctx context.Context, q Query, page PageRequest) (PageResult[Transaction], error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	page = page.Normalize()

	total, err := countDocuments(ctx, p.query(q))
	if err != nil {
		return PageResult[Transaction]{}, err
	}

	// Range filters on date require the first ordering to be on date.
	fq := p.query(q).
		OrderBy("date", firestore.Desc).
		Offset((page.Page - 1) * page.Limit).
		Limit(page.Limit)

	items, err := collectDocuments[Transaction](ctx, fq, "transactions")
	if err != nil {
		return PageResult[Transaction]{}, err
	}
	return NewPageResult(items, total, page), nil
}

func (p *firestoreTransactions) Count(ctx context.Context, q Query) (int64, error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	return countDocuments(ctx, p.query(q))
}

type firestoreForecasts struct {
	store *FirestoreStore
	coll  *firestore.CollectionRef
}

func (p *firestoreForecasts) query(q Query) firestore.Query {
	fq := p.coll.Query.Where("user_id", "==", q.UserID)
	if q.AccountID != "" {
		fq = fq.Where("account_id", "==", q.AccountID)
	}
	return fq
}

func (p *firestoreForecasts) List(ctx context.Context, q Query, page PageRequest) (PageResult[Forecast], error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	page = page.Normalize()

	total, err := countDocuments(ctx, p.query(q))
	if err != nil {
		return PageResult[Forecast]{}, err
	}

	fq := p.query(q).
		OrderBy("generated_at", firestore.Desc).
		Offset((page.Page - 1) * page.Limit).
		Limit(page.Limit)

	items, err := collectDocuments[Forecast](ctx, fq, "forecasts")
	if err != nil {
		return PageResult[Forecast]{}, err
	}
	return NewPageResult(items, total, page), nil
}

func (p *firestoreForecasts) Count(ctx context.Context, q Query) (int64, error) {
	ctx, cancel := p.store.opContext(ctx)
	defer cancel()
	return countDocuments(ctx, p.query(q))
}

// collectDocuments drains a query iterator into typed rows.
func collectDocuments[T any](ctx context.Context, fq firestore.Query, kind string) ([]T, error) {
	iter := fq.Documents(ctx)
	defer iter.Stop()

	var items []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classifyFirestoreError("list "+kind, err)
		}

		var row T
		if err := doc.DataTo(&row); err != nil {
			return nil, fmt.Errorf("decode %s document %s: %w", kind, doc.Ref.ID, err)
		}
		items = append(items, row)
	}
	return items, nil
}

// countDocuments runs an aggregation count so totals never require reading
// row documents.
func countDocuments(ctx context.Context, fq firestore.Query) (int64, error) {
	aggQuery := fq.NewAggregationQuery().WithCount("count")
	results, err := aggQuery.Get(ctx)
	if err != nil {
		return 0, classifyFirestoreError("count", err)
	}

	count, ok := results["count"]
	if !ok {
		return 0, nil
	}
	countValue, ok := count.(*firestorepb.Value)
	if !ok {
		return 0, nil
	}
	return countValue.GetIntegerValue(), nil
}

// classifyFirestoreError maps quota refusals onto ErrResourceExhausted so
// callers can degrade; everything else wraps as-is.
func classifyFirestoreError(op string, err error) error {
	if status.Code(err) == codes.ResourceExhausted {
		return fmt.Errorf("%s: %w: %v", op, ErrResourceExhausted, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
