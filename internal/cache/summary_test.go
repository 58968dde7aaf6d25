package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(test *testing.T, ttl time.Duration) (*SummaryCache, *miniredis.Miniredis) {
	test.Helper()
	server := miniredis.RunT(test)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = client.Close() })
	return NewSummaryCache(client, ttl), server
}

func mustUserID(test *testing.T, raw string) entitlement.UserID {
	test.Helper()
	userID, err := entitlement.NewUserID(raw)
	require.NoError(test, err)
	return userID
}

func mustWindow(test *testing.T, from time.Time, to time.Time) entitlement.Window {
	test.Helper()
	window, err := entitlement.NewWindow(from, to, 0)
	require.NoError(test, err)
	return window
}

type countingLoader struct {
	calls  int
	totals map[entitlement.ActionType]entitlement.Credits
	err    error
}

func (loader *countingLoader) AggregateByAction(context.Context, entitlement.UserID, entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error) {
	loader.calls++
	if loader.err != nil {
		return nil, loader.err
	}
	return loader.totals, nil
}

func TestSummaryCacheRoundTripAndExpiry(test *testing.T) {
	test.Parallel()
	summaryCache, server := newTestCache(test, time.Minute)
	ctx := context.Background()
	userID := mustUserID(test, "cache-user")
	window := mustWindow(test, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Time{})

	_, hit, err := summaryCache.Get(ctx, userID, window)
	require.NoError(test, err)
	require.False(test, hit)

	totals := map[entitlement.ActionType]entitlement.Credits{
		entitlement.ActionImageGeneration: 25,
		entitlement.ActionSocialPost:      3,
	}
	require.NoError(test, summaryCache.Set(ctx, userID, window, totals))
	cached, hit, err := summaryCache.Get(ctx, userID, window)
	require.NoError(test, err)
	require.True(test, hit)
	require.Equal(test, totals, cached)

	otherWindow := mustWindow(test, time.Time{}, time.Time{})
	_, hit, err = summaryCache.Get(ctx, userID, otherWindow)
	require.NoError(test, err)
	require.False(test, hit)

	server.FastForward(2 * time.Minute)
	_, hit, err = summaryCache.Get(ctx, userID, window)
	require.NoError(test, err)
	require.False(test, hit)
}

func TestCachedSummariesLoadsOnceUntilInvalidated(test *testing.T) {
	test.Parallel()
	summaryCache, _ := newTestCache(test, 0)
	loader := &countingLoader{totals: map[entitlement.ActionType]entitlement.Credits{entitlement.ActionContentGeneration: 12}}
	summaries := NewCachedSummaries(loader, summaryCache, zap.NewNop())
	invalidator := NewInvalidator(summaryCache)
	ctx := context.Background()
	userID := mustUserID(test, "summary-user")
	window := mustWindow(test, time.Time{}, time.Time{})

	for attempt := 0; attempt < 3; attempt++ {
		totals, err := summaries.AggregateByAction(ctx, userID, window)
		require.NoError(test, err)
		require.Equal(test, entitlement.Credits(12), totals[entitlement.ActionContentGeneration])
	}
	require.Equal(test, 1, loader.calls)

	require.NoError(test, invalidator.Notify(ctx, entitlement.SideEffect{Kind: entitlement.SideEffectFirstActivation, UserID: userID.String()}))
	_, err := summaries.AggregateByAction(ctx, userID, window)
	require.NoError(test, err)
	require.Equal(test, 1, loader.calls)

	require.NoError(test, invalidator.Notify(ctx, entitlement.SideEffect{Kind: entitlement.SideEffectUsageRecorded, UserID: userID.String()}))
	_, err = summaries.AggregateByAction(ctx, userID, window)
	require.NoError(test, err)
	require.Equal(test, 2, loader.calls)
	require.Equal(test, invalidatorName, invalidator.Name())
}

func TestCachedSummariesFallsThroughWhenRedisIsDown(test *testing.T) {
	test.Parallel()
	summaryCache, server := newTestCache(test, 0)
	server.Close()
	loader := &countingLoader{totals: map[entitlement.ActionType]entitlement.Credits{entitlement.ActionTrendResearch: 4}}
	summaries := NewCachedSummaries(loader, summaryCache, nil)

	totals, err := summaries.AggregateByAction(context.Background(), mustUserID(test, "offline"), mustWindow(test, time.Time{}, time.Time{}))
	require.NoError(test, err)
	require.Equal(test, entitlement.Credits(4), totals[entitlement.ActionTrendResearch])
	require.Equal(test, 1, loader.calls)
}

func TestCachedSummariesPropagatesLoaderErrors(test *testing.T) {
	test.Parallel()
	summaryCache, _ := newTestCache(test, 0)
	loaderFailure := errors.New("store down")
	summaries := NewCachedSummaries(&countingLoader{err: loaderFailure}, summaryCache, nil)

	_, err := summaries.AggregateByAction(context.Background(), mustUserID(test, "user"), mustWindow(test, time.Time{}, time.Time{}))
	require.ErrorIs(test, err, loaderFailure)
}
