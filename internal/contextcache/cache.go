// Package contextcache holds pre-built per-user account context so a chat
// turn does not pay the full provider round-trip on every request. Entries
// are tiered: profile data changes rarely and lives long, balances and
// transactions change often and live short. Staleness is evaluated against
// a sibling lastUpdated marker rather than the store's TTL, so an entry can
// be rebuilt well before it would expire.
package contextcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finchat-dev/finchat/pkg/config"
	"github.com/finchat-dev/finchat/pkg/observability"
)

// ErrCacheUnavailable is returned when an entry cannot be served from the
// cache and cannot be rebuilt. Callers fall back to direct provider calls.
var ErrCacheUnavailable = errors.New("context cache unavailable")

// Tier identifies one class of cached context.
type Tier string

const (
	TierProfile      Tier = "profile"
	TierBalances     Tier = "balances"
	TierTransactions Tier = "transactions"
)

// AllTiers returns every tier in rebuild order.
func AllTiers() []Tier {
	return []Tier{TierProfile, TierBalances, TierTransactions}
}

// TierPolicy holds the expiry and freshness rules for one tier.
type TierPolicy struct {
	// TTL is the store-level expiry for the payload and its marker.
	TTL time.Duration
	// FreshFor is the age below which an entry is served without rebuild.
	// Always shorter than TTL, so staleness triggers before expiry.
	FreshFor time.Duration
}

// CachedContext is one cache entry. Fresh is computed at read time and
// never persisted.
type CachedContext struct {
	Key       string    `json:"key"`
	UserID    string    `json:"userId"`
	AccountID string    `json:"accountId,omitempty"`
	Tier      Tier      `json:"tier"`
	Payload   string    `json:"payload"`
	BuiltAt   time.Time `json:"builtAt"`
	Fresh     bool      `json:"-"`
}

// Builder produces the payload for one tier from the data providers.
// The token is the caller's auth token, passed through for builders that
// front authenticated upstreams.
type Builder interface {
	Build(ctx context.Context, userID, accountID string, tier Tier, token string) (string, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, userID, accountID string, tier Tier, token string) (string, error)

func (f BuilderFunc) Build(ctx context.Context, userID, accountID string, tier Tier, token string) (string, error) {
	return f(ctx, userID, accountID, tier, token)
}

// Cache is the tiered context cache.
type Cache struct {
	kv       KV
	builder  Builder
	prefix   string
	policies map[Tier]TierPolicy
	group    singleflight.Group
	now      func() time.Time
}

// NewCache creates a cache over the given KV store and builder, with tier
// policies taken from configuration.
func NewCache(kv KV, builder Builder, cfg config.CacheConfig) *Cache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "finchat:ctx:"
	}
	return &Cache{
		kv:      kv,
		builder: builder,
		prefix:  prefix,
		policies: map[Tier]TierPolicy{
			TierProfile:      {TTL: cfg.ProfileTTL, FreshFor: cfg.ProfileFreshFor},
			TierBalances:     {TTL: cfg.BalancesTTL, FreshFor: cfg.BalancesFreshFor},
			TierTransactions: {TTL: cfg.TransactionsTTL, FreshFor: cfg.TransactionsFreshFor},
		},
		now: time.Now,
	}
}

func (c *Cache) payloadKey(tier Tier, userID, accountID string) string {
	return c.prefix + string(tier) + ":" + userID + ":" + accountID
}

func (c *Cache) markerKey(tier Tier, userID, accountID string) string {
	return c.prefix + "meta:" + string(tier) + ":" + userID + ":" + accountID
}

// Get returns the cached context for one tier, rebuilding when the entry
// is missing or its marker says it is older than the tier's freshness
// threshold. A stale entry whose rebuild fails is still served, flagged
// not fresh; a miss whose rebuild fails yields ErrCacheUnavailable.
func (c *Cache) Get(ctx context.Context, userID, accountID string, tier Tier, token string) (*CachedContext, error) {
	policy, ok := c.policies[tier]
	if !ok {
		return nil, fmt.Errorf("unknown cache tier %q", tier)
	}

	pKey := c.payloadKey(tier, userID, accountID)
	cached := c.read(ctx, pKey)

	if cached != nil && c.fresh(ctx, tier, userID, accountID, policy) {
		cached.Fresh = true
		observability.RecordCacheRequest(string(tier), observability.CacheHitFresh)
		return cached, nil
	}

	rebuilt, err := c.rebuild(ctx, userID, accountID, tier, token, policy)
	if err != nil {
		if cached != nil {
			log.Printf("[Cache] rebuild failed, serving stale %s: %v", pKey, err)
			cached.Fresh = false
			observability.RecordCacheRequest(string(tier), observability.CacheHitStale)
			return cached, nil
		}
		observability.RecordCacheRequest(string(tier), observability.CacheRebuildFailed)
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	observability.RecordCacheRequest(string(tier), observability.CacheMiss)
	return rebuilt, nil
}

// Invalidate deletes every tier's payload and marker for a user, or for
// specific accounts of that user when account ids are given. Tiers are
// always dropped together: account-scoped changes touch all of them.
func (c *Cache) Invalidate(ctx context.Context, userID string, accountIDs ...string) error {
	var patterns []string
	if len(accountIDs) == 0 {
		patterns = append(patterns, c.prefix+"*:"+userID+":*")
	}
	for _, accountID := range accountIDs {
		patterns = append(patterns, c.prefix+"*:"+userID+":"+accountID)
	}

	var stale []string
	for _, pattern := range patterns {
		keys, err := c.kv.Keys(ctx, pattern)
		if err != nil {
			return fmt.Errorf("invalidate lookup: %w", err)
		}
		stale = append(stale, keys...)
	}
	if len(stale) == 0 {
		return nil
	}

	if err := c.kv.Del(ctx, stale...); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	log.Printf("[Cache] invalidated %d keys for user %s", len(stale), userID)
	return nil
}

// WarmUp rebuilds every tier for a user/account pair without serving a
// caller. Tiers that fail are logged and skipped; the first failure is
// reported after all tiers have been attempted.
func (c *Cache) WarmUp(ctx context.Context, userID, accountID, token string) error {
	var firstErr error
	for _, tier := range AllTiers() {
		if _, err := c.rebuild(ctx, userID, accountID, tier, token, c.policies[tier]); err != nil {
			log.Printf("[Cache] warm %s tier for %s: %v", tier, userID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Ping reports whether the underlying store is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.kv.Ping(ctx)
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.kv.Close()
}

// read loads and decodes a payload entry; any failure reads as a miss.
func (c *Cache) read(ctx context.Context, key string) *CachedContext {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			log.Printf("[Cache] read %s: %v", key, err)
		}
		return nil
	}

	var entry CachedContext
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Printf("[Cache] corrupt entry %s: %v", key, err)
		return nil
	}
	return &entry
}

// fresh reports whether the lastUpdated marker is younger than the tier's
// freshness threshold. A missing or unreadable marker reads as stale.
func (c *Cache) fresh(ctx context.Context, tier Tier, userID, accountID string, policy TierPolicy) bool {
	data, err := c.kv.Get(ctx, c.markerKey(tier, userID, accountID))
	if err != nil {
		return false
	}
	lastUpdated, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return false
	}
	return c.now().Sub(lastUpdated) < policy.FreshFor
}

// rebuild produces a new entry and writes payload plus marker under the
// tier TTL. Concurrent rebuilds of the same key collapse to one build.
func (c *Cache) rebuild(ctx context.Context, userID, accountID string, tier Tier, token string, policy TierPolicy) (*CachedContext, error) {
	pKey := c.payloadKey(tier, userID, accountID)

	v, err, _ := c.group.Do(pKey, func() (any, error) {
		payload, err := c.builder.Build(ctx, userID, accountID, tier, token)
		if err != nil {
			return nil, fmt.Errorf("build %s context: %w", tier, err)
		}

		entry := &CachedContext{
			Key:       pKey,
			UserID:    userID,
			AccountID: accountID,
			Tier:      tier,
			Payload:   payload,
			BuiltAt:   c.now().UTC(),
			Fresh:     true,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal entry: %w", err)
		}

		// A failed write is not a failed rebuild; the next caller pays
		// the build again.
		if err := c.kv.Set(ctx, pKey, data, policy.TTL); err != nil {
			log.Printf("[Cache] write %s: %v", pKey, err)
		} else {
			marker := []byte(entry.BuiltAt.Format(time.RFC3339Nano))
			if err := c.kv.Set(ctx, c.markerKey(tier, userID, accountID), marker, policy.TTL); err != nil {
				log.Printf("[Cache] write marker for %s: %v", pKey, err)
			}
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	// Copy so sharing callers never mutate each other's view.
	entry := *(v.(*CachedContext))
	return &entry, nil
}
