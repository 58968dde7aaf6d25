package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	redeemUserValue      = "user-1"
	redeemOtherUserValue = "user-2"
	tierOneCodeValue     = "ALPHA-0001"
	tierThreeCodeValue   = "GAMMA-0003"
)

var redeemNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestRedeemFirstActivation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 5})
	sink := &recorderSink{}
	service := mustNewService(test, store, newClock(redeemNow).Now, WithSideEffectSink(sink))
	userID := mustUserID(test, redeemUserValue)

	result, err := service.Redeem(context.Background(), userID, "  alpha-0001 ")
	if err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	if !result.IsFirstRedemption {
		test.Fatalf("expected first redemption")
	}
	if result.Tier != 1 || result.MonthlyCredits != 100 || result.CurrentCredits != 100 || result.StackedCodes != 1 {
		test.Fatalf("unexpected result: %+v", result)
	}
	expectedAnchor := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	if !result.ResetAnchor.Equal(expectedAnchor) {
		test.Fatalf("expected reset anchor %v, got %v", expectedAnchor, result.ResetAnchor)
	}
	if store.codes[tierOneCodeValue].CurrentRedemptions != 1 {
		test.Fatalf("expected one redemption recorded on the code")
	}
	if len(sink.effects) != 1 || sink.effects[0].Kind != SideEffectFirstActivation {
		test.Fatalf("expected first activation side effect, got %+v", sink.effects)
	}
	if len(result.PendingEffects) != 1 {
		test.Fatalf("expected pending effects on result, got %d", len(result.PendingEffects))
	}
}

func TestRedeemStacksLowerTierWithoutMovingAnchor(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierThreeCodeValue, Tier: 3, MaxRedemptions: 1})
	userID := mustUserID(test, redeemUserValue)
	anchor := time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC)
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 1
		account.MonthlyAllotment = 100
		account.Balance = 10
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(anchor)
	})
	sink := &recorderSink{}
	service := mustNewService(test, store, newClock(redeemNow).Now, WithSideEffectSink(sink))

	result, err := service.Redeem(context.Background(), userID, tierThreeCodeValue)
	if err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	if result.IsFirstRedemption {
		test.Fatalf("expected stacked redemption")
	}
	if result.Tier != 3 || result.MonthlyCredits != 850 || result.CurrentCredits != 760 || result.StackedCodes != 2 {
		test.Fatalf("unexpected stacked result: %+v", result)
	}
	if result.PreviousTier != 1 || result.GrantedCredits != 750 {
		test.Fatalf("unexpected grant bookkeeping: %+v", result)
	}
	account := store.account(test, userID)
	if !account.ResetAnchor.Equal(anchor) {
		test.Fatalf("expected anchor unchanged at %v, got %v", anchor, account.ResetAnchor)
	}
	if len(sink.effects) != 1 || sink.effects[0].Kind != SideEffectStacked {
		test.Fatalf("expected stacked side effect, got %+v", sink.effects)
	}
}

func TestRedeemGrantsCodeTierAllotmentOnHigherTierAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 1})
	userID := mustUserID(test, redeemUserValue)
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 4
		account.MonthlyAllotment = 2000
		account.Balance = 1500
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(redeemNow.AddDate(0, 0, 5))
	})
	service := mustNewService(test, store, newClock(redeemNow).Now)

	result, err := service.Redeem(context.Background(), userID, tierOneCodeValue)
	if err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	if result.Tier != 4 || result.GrantedCredits != 100 || result.MonthlyCredits != 2100 || result.CurrentCredits != 1600 {
		test.Fatalf("unexpected result: %+v", result)
	}
}

func TestRedeemValidationErrors(test *testing.T) {
	test.Parallel()
	expired := redeemNow.Add(-time.Minute)
	testCases := []struct {
		name    string
		input   string
		code    *Code
		wantErr error
	}{
		{name: "unknown code", input: "MISSING", wantErr: ErrInvalidCode},
		{name: "empty code", input: "   ", wantErr: ErrInvalidCode},
		{
			name:    "inactive code",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 1, MaxRedemptions: 1, Active: false},
			wantErr: ErrCodeInactive,
		},
		{
			name:    "expired code",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 1, MaxRedemptions: 1, Active: true, ExpiresAt: &expired},
			wantErr: ErrCodeExpired,
		},
		{
			name:    "expiry equal to now",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 1, MaxRedemptions: 1, Active: true, ExpiresAt: timePointer(redeemNow)},
			wantErr: ErrCodeExpired,
		},
		{
			name:    "exhausted code",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 1, MaxRedemptions: 2, CurrentRedemptions: 2, Active: true},
			wantErr: ErrCodeExhausted,
		},
		{
			name:    "inactive wins over exhausted",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 1, MaxRedemptions: 1, CurrentRedemptions: 1, Active: false, ExpiresAt: &expired},
			wantErr: ErrCodeInactive,
		},
		{
			name:    "unknown tier",
			input:   tierOneCodeValue,
			code:    &Code{Tier: 9, MaxRedemptions: 1, Active: true},
			wantErr: ErrUnknownTier,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			if testCase.code != nil {
				code := *testCase.code
				code.ID = CodeID{value: "code-fixed"}
				code.Value = CodeValue{value: tierOneCodeValue}
				store.setCode(code)
			}
			service := mustNewService(test, store, newClock(redeemNow).Now)
			userID := mustUserID(test, redeemUserValue)

			_, err := service.Redeem(context.Background(), userID, testCase.input)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if len(store.redemptions) != 0 {
				test.Fatalf("expected no redemption rows, got %d", len(store.redemptions))
			}
		})
	}
}

func TestRedeemTwiceReturnsAlreadyRedeemed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 10})
	service := mustNewService(test, store, newClock(redeemNow).Now)
	userID := mustUserID(test, redeemUserValue)

	if _, err := service.Redeem(context.Background(), userID, tierOneCodeValue); err != nil {
		test.Fatalf("first redeem failed: %v", err)
	}
	_, err := service.Redeem(context.Background(), userID, tierOneCodeValue)
	if !errors.Is(err, ErrAlreadyRedeemed) {
		test.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
	account := store.account(test, userID)
	if account.Balance != 100 || account.MonthlyAllotment != 100 || account.StackedCodes != 1 {
		test.Fatalf("expected balance changed exactly once, got %+v", account)
	}
	if store.codes[tierOneCodeValue].CurrentRedemptions != 1 {
		test.Fatalf("expected capacity consumed once")
	}
}

func TestRedeemLastSlotRaceHasOneWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 1})
	service := mustNewService(test, store, newClock(redeemNow).Now)

	users := []UserID{mustUserID(test, redeemUserValue), mustUserID(test, redeemOtherUserValue)}
	errs := make([]error, len(users))
	var waitGroup sync.WaitGroup
	for index, userID := range users {
		waitGroup.Add(1)
		go func(index int, userID UserID) {
			defer waitGroup.Done()
			_, errs[index] = service.Redeem(context.Background(), userID, tierOneCodeValue)
		}(index, userID)
	}
	waitGroup.Wait()

	successes := 0
	exhausted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrCodeExhausted):
			exhausted++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || exhausted != 1 {
		test.Fatalf("expected one success and one exhausted, got %d/%d", successes, exhausted)
	}
	if store.codes[tierOneCodeValue].CurrentRedemptions != 1 {
		test.Fatalf("expected current redemptions 1, got %d", store.codes[tierOneCodeValue].CurrentRedemptions)
	}
}

func TestRedeemRollsBackWhenAnyWriteFails(test *testing.T) {
	test.Parallel()
	storeFailure := errors.New("store failure")
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{name: "increment fails", configure: func(store *stubStore) { store.incrementError = storeFailure }},
		{name: "account update fails", configure: func(store *stubStore) { store.updateAccountError = storeFailure }},
		{name: "redemption insert fails", configure: func(store *stubStore) { store.insertRedemptionError = storeFailure }},
		{name: "code lock fails", configure: func(store *stubStore) { store.lockCodeError = storeFailure }},
		{name: "account lock fails", configure: func(store *stubStore) { store.lockAccountError = storeFailure }},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 1})
			testCase.configure(store)
			sink := &recorderSink{}
			service := mustNewService(test, store, newClock(redeemNow).Now, WithSideEffectSink(sink))
			userID := mustUserID(test, redeemUserValue)

			_, err := service.Redeem(context.Background(), userID, tierOneCodeValue)
			if !errors.Is(err, storeFailure) {
				test.Fatalf("expected store failure, got %v", err)
			}
			if store.codes[tierOneCodeValue].CurrentRedemptions != 0 {
				test.Fatalf("expected code capacity untouched")
			}
			if len(store.redemptions) != 0 {
				test.Fatalf("expected no redemption rows")
			}
			if len(sink.effects) != 0 {
				test.Fatalf("expected no side effects for a failed redemption")
			}
		})
	}
}

func TestRedeemSwallowsSideEffectFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 1})
	sink := &recorderSink{err: errors.New("mail relay down")}
	logger := &recorderLogger{}
	service := mustNewService(test, store, newClock(redeemNow).Now, WithSideEffectSink(sink), WithOperationLogger(logger))
	userID := mustUserID(test, redeemUserValue)

	result, err := service.Redeem(context.Background(), userID, tierOneCodeValue)
	if err != nil {
		test.Fatalf("expected redemption to succeed despite sink failure, got %v", err)
	}
	if result.CurrentCredits != 100 {
		test.Fatalf("expected committed grant, got %+v", result)
	}
	var dispatchFailure bool
	for _, entry := range logger.entries {
		if entry.Operation == "dispatch."+SideEffectFirstActivation.String() && entry.Status == operationStatusError {
			dispatchFailure = true
		}
	}
	if !dispatchFailure {
		test.Fatalf("expected dispatch failure to be logged, got %+v", logger.entries)
	}
}

func TestRedeemAppliesPendingResetBeforeGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedCode(test, CodeSpec{Value: tierOneCodeValue, Tier: 1, MaxRedemptions: 1})
	userID := mustUserID(test, redeemUserValue)
	store.putAccount(test, userID, func(account *Account) {
		account.Tier = 2
		account.MonthlyAllotment = 300
		account.Balance = 3
		account.StackedCodes = 1
		account.ResetAnchor = timePointer(redeemNow.AddDate(0, 0, -2))
	})
	service := mustNewService(test, store, newClock(redeemNow).Now)

	result, err := service.Redeem(context.Background(), userID, tierOneCodeValue)
	if err != nil {
		test.Fatalf("redeem failed: %v", err)
	}
	if result.CurrentCredits != 400 || result.MonthlyCredits != 400 {
		test.Fatalf("expected reset to 300 then grant of 100, got %+v", result)
	}
	if len(store.resets) != 1 {
		test.Fatalf("expected one reset event, got %d", len(store.resets))
	}
}
