package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "entitlements:summary:"
	invalidatorName  = "summary_cache"
	defaultTTL       = 5 * time.Minute
	openWindowMarker = "-"
)

// NewClient builds a redis client for the summary cache.
func NewClient(addr string, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          0,
		MaxRetries:  3,
		DialTimeout: 5 * time.Second,
	})
}

// SummaryCache stores per-user usage summaries in one redis hash per user,
// keyed by window, so one DEL drops every cached window for that user.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSummaryCache returns a cache with the given TTL (five minutes when zero).
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SummaryCache{client: client, ttl: ttl}
}

// Get returns a cached summary. The boolean is false on a miss.
func (summaryCache *SummaryCache) Get(ctx context.Context, userID entitlement.UserID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, bool, error) {
	raw, err := summaryCache.client.HGet(ctx, userKey(userID), windowField(window)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read summary cache: %w", err)
	}
	var encoded map[string]int64
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, false, fmt.Errorf("decode summary cache: %w", err)
	}
	totals := make(map[entitlement.ActionType]entitlement.Credits, len(encoded))
	for action, credits := range encoded {
		parsed, err := entitlement.ParseActionType(action)
		if err != nil {
			return nil, false, fmt.Errorf("decode summary cache: %w", err)
		}
		totals[parsed] = entitlement.Credits(credits)
	}
	return totals, true, nil
}

// Set stores a summary and refreshes the per-user TTL.
func (summaryCache *SummaryCache) Set(ctx context.Context, userID entitlement.UserID, window entitlement.Window, totals map[entitlement.ActionType]entitlement.Credits) error {
	encoded := make(map[string]int64, len(totals))
	for action, credits := range totals {
		encoded[action.String()] = credits.Int64()
	}
	body, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encode summary cache: %w", err)
	}
	key := userKey(userID)
	pipe := summaryCache.client.TxPipeline()
	pipe.HSet(ctx, key, windowField(window), body)
	pipe.Expire(ctx, key, summaryCache.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write summary cache: %w", err)
	}
	return nil
}

// Invalidate drops every cached window for the user.
func (summaryCache *SummaryCache) Invalidate(ctx context.Context, userID string) error {
	if err := summaryCache.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("invalidate summary cache: %w", err)
	}
	return nil
}

func userKey(userID entitlement.UserID) string {
	return keyPrefix + userID.String()
}

func windowField(window entitlement.Window) string {
	return fmt.Sprintf("%s|%s", boundField(window.From), boundField(window.To))
}

func boundField(bound time.Time) string {
	if bound.IsZero() {
		return openWindowMarker
	}
	return bound.UTC().Format(time.RFC3339Nano)
}

// SummaryLoader is the uncached source of usage summaries.
type SummaryLoader interface {
	AggregateByAction(ctx context.Context, userID entitlement.UserID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error)
}

// CachedSummaries serves usage summaries through the cache. Cache failures
// fall through to the loader; the result is always the loader's answer on a miss.
type CachedSummaries struct {
	loader SummaryLoader
	cache  *SummaryCache
	logger *zap.Logger
}

// NewCachedSummaries wraps loader with cache.
func NewCachedSummaries(loader SummaryLoader, summaryCache *SummaryCache, logger *zap.Logger) *CachedSummaries {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedSummaries{loader: loader, cache: summaryCache, logger: logger}
}

func (summaries *CachedSummaries) AggregateByAction(ctx context.Context, userID entitlement.UserID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error) {
	cached, hit, err := summaries.cache.Get(ctx, userID, window)
	if err != nil {
		summaries.logger.Warn("summary cache read failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
	if hit {
		return cached, nil
	}
	totals, err := summaries.loader.AggregateByAction(ctx, userID, window)
	if err != nil {
		return nil, err
	}
	if err := summaries.cache.Set(ctx, userID, window, totals); err != nil {
		summaries.logger.Warn("summary cache write failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
	return totals, nil
}

// Invalidator drops a user's cached summaries whenever a side effect reports
// a balance-affecting change. It plugs into the side-effect dispatcher.
type Invalidator struct {
	cache *SummaryCache
}

// NewInvalidator returns a dispatcher notifier backed by summaryCache.
func NewInvalidator(summaryCache *SummaryCache) *Invalidator {
	return &Invalidator{cache: summaryCache}
}

func (invalidator *Invalidator) Name() string { return invalidatorName }

func (invalidator *Invalidator) Notify(ctx context.Context, effect entitlement.SideEffect) error {
	switch effect.Kind {
	case entitlement.SideEffectUsageRecorded, entitlement.SideEffectUsageRefunded:
		return invalidator.cache.Invalidate(ctx, effect.UserID)
	default:
		return nil
	}
}
