package entitlement

import (
	"context"
	"testing"
	"time"
)

func TestAddMonthsClampsToMonthEnd(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{name: "plain", start: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), months: 1, want: time.Date(2024, 2, 15, 8, 0, 0, 0, time.UTC)},
		{name: "leap february", start: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), months: 1, want: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{name: "non-leap february", start: time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC), months: 1, want: time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC)},
		{name: "from original anchor", start: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), months: 2, want: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)},
		{name: "year rollover", start: time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC), months: 1, want: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)},
		{name: "backwards", start: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), months: -1, want: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			got := addMonths(testCase.start, testCase.months)
			if !got.Equal(testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestNextResetAnchor(test *testing.T) {
	test.Parallel()
	anchor := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name        string
		now         time.Time
		wantAnchor  time.Time
		wantPeriods int
	}{
		{name: "before anchor", now: anchor.Add(-time.Second), wantAnchor: anchor, wantPeriods: 0},
		{name: "exactly at anchor", now: anchor, wantAnchor: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), wantPeriods: 1},
		{name: "within the first period", now: anchor.AddDate(0, 0, 20), wantAnchor: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), wantPeriods: 1},
		{name: "forty days late", now: anchor.AddDate(0, 0, 40), wantAnchor: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), wantPeriods: 1},
		{name: "one day short of two periods", now: time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), wantAnchor: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), wantPeriods: 1},
		{name: "idle for a year", now: time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC), wantAnchor: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), wantPeriods: 12},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			gotAnchor, gotPeriods := nextResetAnchor(anchor, testCase.now)
			if !gotAnchor.Equal(testCase.wantAnchor) || gotPeriods != testCase.wantPeriods {
				test.Fatalf("expected (%v, %d), got (%v, %d)", testCase.wantAnchor, testCase.wantPeriods, gotAnchor, gotPeriods)
			}
		})
	}
}

func TestLazyResetAfterFortyDays(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	originalAnchor := now.AddDate(0, 0, -40)
	store := newStubStore(test)
	userID := mustUserID(test, "idle-user")
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 2
		account.MonthlyAllotment = 300
		account.Balance = 12
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(originalAnchor)
	})
	sink := &recorderSink{}
	service := mustNewService(test, store, newClock(now).Now, WithSideEffectSink(sink))

	account, err := service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	if account.Balance != 300 {
		test.Fatalf("expected balance 300 after reset, got %d", account.Balance)
	}
	expectedAnchor := addMonths(originalAnchor, 1)
	if !account.ResetAnchor.Equal(expectedAnchor) {
		test.Fatalf("expected anchor %v one month from the original anchor, got %v", expectedAnchor, account.ResetAnchor)
	}
	if account.LastResetAt == nil || !account.LastResetAt.Equal(now) {
		test.Fatalf("expected last reset at %v, got %v", now, account.LastResetAt)
	}
	if len(store.resets) != 1 || store.resets[0].Adjustment() != 288 || store.resets[0].Periods != 1 {
		test.Fatalf("expected one reset event of +288, got %+v", store.resets)
	}
	if len(sink.effects) != 1 || sink.effects[0].Kind != SideEffectPeriodReset {
		test.Fatalf("expected reset side effect, got %+v", sink.effects)
	}

	again, err := service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("second stats failed: %v", err)
	}
	if again.Balance != 300 || len(store.resets) != 1 {
		test.Fatalf("expected catch-up to be idempotent, got balance %d and %d resets", again.Balance, len(store.resets))
	}
}

func TestLateResetSchedulesFollowingBoundary(test *testing.T) {
	test.Parallel()
	originalAnchor := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	clock := newClock(time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC))
	store := newStubStore(test)
	userID := mustUserID(test, "late-user")
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 2
		account.MonthlyAllotment = 300
		account.Balance = 12
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(originalAnchor)
	})
	service := mustNewService(test, store, clock.Now)

	account, err := service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	if !account.ResetAnchor.Equal(time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("expected anchor one month from the original, got %v", account.ResetAnchor)
	}
	if next := account.NextResetAt(); next == nil || !next.Equal(time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("expected next reset on 2024-07-11, got %v", next)
	}
	if _, err := service.Debit(context.Background(), userID, ActionSocialPost, 50, MetadataJSON{}); err != nil {
		test.Fatalf("debit failed: %v", err)
	}

	clock.Set(time.Date(2024, 7, 10, 23, 0, 0, 0, time.UTC))
	account, err = service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	if account.Balance != 250 || len(store.resets) != 1 {
		test.Fatalf("expected no reset before the next boundary, got balance %d and %d resets", account.Balance, len(store.resets))
	}

	clock.Set(time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC))
	account, err = service.Stats(context.Background(), userID)
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	if account.Balance != 300 || len(store.resets) != 2 {
		test.Fatalf("expected a second reset at the boundary, got balance %d and %d resets", account.Balance, len(store.resets))
	}
	if !account.ResetAnchor.Equal(time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC)) || store.resets[1].Periods != 1 {
		test.Fatalf("unexpected anchor %v after %+v", account.ResetAnchor, store.resets[1])
	}
}

func TestResetDoesNotRestoreSpentCreditsWithinPeriod(test *testing.T) {
	test.Parallel()
	now := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	store := newStubStore(test)
	userID := mustUserID(test, "active-user")
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 1
		account.MonthlyAllotment = 100
		account.Balance = 100
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(now.AddDate(0, 0, -1))
	})
	service := mustNewService(test, store, newClock(now).Now)

	if _, err := service.Debit(context.Background(), userID, ActionSocialPost, 30, MetadataJSON{}); err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	if err := service.CatchUp(context.Background(), userID); err != nil {
		test.Fatalf("catch up failed: %v", err)
	}
	if balance := store.account(test, userID).Balance; balance != 70 {
		test.Fatalf("expected balance 70 after debit in new period, got %d", balance)
	}
}

func TestRolloverPolicyCarriesCappedBalanceOnce(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		months      int
		balance     Credits
		wantBalance Credits
	}{
		{name: "discard by default", months: 0, balance: 80, wantBalance: 100},
		{name: "carry unused", months: 1, balance: 80, wantBalance: 180},
		{name: "carry capped", months: 1, balance: 250, wantBalance: 200},
		{name: "carry two months", months: 2, balance: 250, wantBalance: 300},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			now := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
			store := newStubStore(test)
			userID := mustUserID(test, "rollover-user")
			store.putAccount(test, userID, func(account *Account) {
				account.Tier = 1
				account.MonthlyAllotment = 100
				account.Balance = testCase.balance
				account.StackedCodes = 1
				account.ResetAnchor = timePointer(now.AddDate(0, 0, -3))
			})
			service := mustNewService(test, store, newClock(now).Now, WithRolloverPolicy(RolloverPolicy{MaxRolloverMonths: testCase.months}))

			account, err := service.Stats(context.Background(), userID)
			if err != nil {
				test.Fatalf("stats failed: %v", err)
			}
			if account.Balance != testCase.wantBalance {
				test.Fatalf("expected balance %d, got %d", testCase.wantBalance, account.Balance)
			}
		})
	}
}

func TestStatsWithoutRedemptionCreatesEmptyAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newClock(debitNow).Now)

	account, err := service.Stats(context.Background(), mustUserID(test, "fresh-user"))
	if err != nil {
		test.Fatalf("stats failed: %v", err)
	}
	if account.Tier != 0 || account.Balance != 0 || account.ResetAnchor != nil {
		test.Fatalf("expected zero-tier account, got %+v", account)
	}
}
