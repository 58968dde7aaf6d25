package entitlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	stubAccountPrefix = "account-"
	stubCodePrefix    = "code-"
	stubEntryPrefix   = "entry-"
)

// stubStore is an in-memory Store. WithTx serializes callers and rolls the
// state back when fn fails.
type stubStore struct {
	txMutex sync.Mutex

	sequence     int
	accounts     map[string]Account
	userAccounts map[string]string
	codes        map[string]Code
	redemptions  []Redemption
	usage        []UsageEntry
	refunds      []Refund
	resets       []ResetEvent

	lockCodeError         error
	lockAccountError      error
	updateAccountError    error
	incrementError        error
	insertRedemptionError error
	debitError            error
	insertUsageError      error
	insertResetError      error
	insertCodesError      error
	ledgerTotalsError     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     map[string]Account{},
		userAccounts: map[string]string{},
		codes:        map[string]Code{},
	}
}

type stubSnapshot struct {
	sequence     int
	accounts     map[string]Account
	userAccounts map[string]string
	codes        map[string]Code
	redemptions  []Redemption
	usage        []UsageEntry
	refunds      []Refund
	resets       []ResetEvent
}

func (store *stubStore) snapshot() stubSnapshot {
	accounts := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		accounts[key] = value
	}
	userAccounts := make(map[string]string, len(store.userAccounts))
	for key, value := range store.userAccounts {
		userAccounts[key] = value
	}
	codes := make(map[string]Code, len(store.codes))
	for key, value := range store.codes {
		codes[key] = value
	}
	return stubSnapshot{
		sequence:     store.sequence,
		accounts:     accounts,
		userAccounts: userAccounts,
		codes:        codes,
		redemptions:  append([]Redemption(nil), store.redemptions...),
		usage:        append([]UsageEntry(nil), store.usage...),
		refunds:      append([]Refund(nil), store.refunds...),
		resets:       append([]ResetEvent(nil), store.resets...),
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.sequence = snapshot.sequence
	store.accounts = snapshot.accounts
	store.userAccounts = snapshot.userAccounts
	store.codes = snapshot.codes
	store.redemptions = snapshot.redemptions
	store.usage = snapshot.usage
	store.refunds = snapshot.refunds
	store.resets = snapshot.resets
}

func (store *stubStore) nextID(prefix string) string {
	store.sequence++
	return fmt.Sprintf("%s%d", prefix, store.sequence)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMutex.Lock()
	defer store.txMutex.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, userID UserID, at time.Time) (Account, error) {
	if accountID, ok := store.userAccounts[userID.String()]; ok {
		return store.accounts[accountID], nil
	}
	accountID := AccountID{value: store.nextID(stubAccountPrefix)}
	account := Account{ID: accountID, UserID: userID, CreatedAt: at, UpdatedAt: at}
	store.accounts[accountID.String()] = account
	store.userAccounts[userID.String()] = accountID.String()
	return account, nil
}

func (store *stubStore) FindAccount(_ context.Context, userID UserID) (Account, error) {
	accountID, ok := store.userAccounts[userID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return store.accounts[accountID], nil
}

func (store *stubStore) LockAccount(_ context.Context, accountID AccountID) (Account, error) {
	if store.lockAccountError != nil {
		return Account{}, store.lockAccountError
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrInvalidAccountID
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(_ context.Context, account Account) error {
	if store.updateAccountError != nil {
		return store.updateAccountError
	}
	store.accounts[account.ID.String()] = account
	return nil
}

func (store *stubStore) DebitBalance(_ context.Context, accountID AccountID, cost Credits, at time.Time) (Credits, error) {
	if store.debitError != nil {
		return 0, store.debitError
	}
	account := store.accounts[accountID.String()]
	if account.Balance < cost {
		return 0, ErrInsufficientBalance
	}
	account.Balance -= cost
	account.UpdatedAt = at
	store.accounts[accountID.String()] = account
	return account.Balance, nil
}

func (store *stubStore) CreditBalance(_ context.Context, accountID AccountID, amount Credits, at time.Time) (Credits, error) {
	account := store.accounts[accountID.String()]
	account.Balance += amount
	account.UpdatedAt = at
	store.accounts[accountID.String()] = account
	return account.Balance, nil
}

func (store *stubStore) FindCode(_ context.Context, value CodeValue) (Code, error) {
	code, ok := store.codes[value.String()]
	if !ok {
		return Code{}, ErrInvalidCode
	}
	return code, nil
}

func (store *stubStore) LockCode(ctx context.Context, value CodeValue) (Code, error) {
	if store.lockCodeError != nil {
		return Code{}, store.lockCodeError
	}
	return store.FindCode(ctx, value)
}

func (store *stubStore) IncrementCodeRedemptions(_ context.Context, codeID CodeID, _ time.Time) error {
	if store.incrementError != nil {
		return store.incrementError
	}
	for key, code := range store.codes {
		if code.ID != codeID {
			continue
		}
		if code.CurrentRedemptions >= code.MaxRedemptions {
			return ErrCodeExhausted
		}
		code.CurrentRedemptions++
		store.codes[key] = code
		return nil
	}
	return ErrInvalidCode
}

func (store *stubStore) InsertCodes(_ context.Context, codes []Code) error {
	if store.insertCodesError != nil {
		return store.insertCodesError
	}
	for _, code := range codes {
		if _, exists := store.codes[code.Value.String()]; exists {
			return ErrDuplicateCode
		}
		code.ID = CodeID{value: store.nextID(stubCodePrefix)}
		store.codes[code.Value.String()] = code
	}
	return nil
}

func (store *stubStore) HasRedemption(_ context.Context, accountID AccountID, codeID CodeID) (bool, error) {
	for _, redemption := range store.redemptions {
		if redemption.AccountID == accountID && redemption.CodeID == codeID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) InsertRedemption(ctx context.Context, redemption Redemption) (Redemption, error) {
	if store.insertRedemptionError != nil {
		return Redemption{}, store.insertRedemptionError
	}
	exists, _ := store.HasRedemption(ctx, redemption.AccountID, redemption.CodeID)
	if exists {
		return Redemption{}, ErrAlreadyRedeemed
	}
	redemption.ID = store.nextID("redemption-")
	store.redemptions = append(store.redemptions, redemption)
	return redemption, nil
}

func (store *stubStore) InsertUsageEntry(_ context.Context, entry UsageEntry) (UsageEntry, error) {
	if store.insertUsageError != nil {
		return UsageEntry{}, store.insertUsageError
	}
	entry.ID = EntryID{value: store.nextID(stubEntryPrefix)}
	store.usage = append(store.usage, entry)
	return entry, nil
}

func (store *stubStore) GetUsageEntry(_ context.Context, accountID AccountID, entryID EntryID) (UsageEntry, error) {
	for _, entry := range store.usage {
		if entry.AccountID == accountID && entry.ID == entryID {
			return entry, nil
		}
	}
	return UsageEntry{}, ErrUnknownUsageEntry
}

func (store *stubStore) ListUsageEntries(_ context.Context, accountID AccountID, window Window) ([]UsageEntry, error) {
	entries := make([]UsageEntry, 0)
	for _, entry := range store.usage {
		if entry.AccountID != accountID || !inWindow(entry.CreatedAt, window) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(left, right int) bool { return entries[left].CreatedAt.Before(entries[right].CreatedAt) })
	if window.Limit > 0 && len(entries) > window.Limit {
		entries = entries[:window.Limit]
	}
	return entries, nil
}

func (store *stubStore) SumUsageByAction(_ context.Context, accountID AccountID, window Window) (map[ActionType]Credits, error) {
	totals := map[ActionType]Credits{}
	for _, entry := range store.usage {
		if entry.AccountID == accountID && inWindow(entry.CreatedAt, window) {
			totals[entry.Action] += entry.Credits
		}
	}
	return totals, nil
}

func (store *stubStore) InsertRefund(_ context.Context, refund Refund) (Refund, error) {
	for _, existing := range store.refunds {
		if existing.UsageEntryID == refund.UsageEntryID {
			return Refund{}, ErrAlreadyRefunded
		}
	}
	refund.ID = store.nextID("refund-")
	store.refunds = append(store.refunds, refund)
	return refund, nil
}

func (store *stubStore) InsertResetEvent(_ context.Context, event ResetEvent) error {
	if store.insertResetError != nil {
		return store.insertResetError
	}
	store.resets = append(store.resets, event)
	return nil
}

func (store *stubStore) LedgerTotals(_ context.Context, accountID AccountID) (LedgerTotals, error) {
	if store.ledgerTotalsError != nil {
		return LedgerTotals{}, store.ledgerTotalsError
	}
	var totals LedgerTotals
	for _, redemption := range store.redemptions {
		if redemption.AccountID == accountID {
			totals.Granted += redemption.GrantedCredits.Int64()
		}
	}
	for _, entry := range store.usage {
		if entry.AccountID == accountID {
			totals.Debited += entry.Credits.Int64()
		}
	}
	for _, refund := range store.refunds {
		if refund.AccountID == accountID {
			totals.Refunded += refund.Credits.Int64()
		}
	}
	for _, event := range store.resets {
		if event.AccountID == accountID {
			totals.ResetAdjustments += event.Adjustment()
		}
	}
	return totals, nil
}

func inWindow(at time.Time, window Window) bool {
	if !window.From.IsZero() && at.Before(window.From) {
		return false
	}
	if !window.To.IsZero() && !at.Before(window.To) {
		return false
	}
	return true
}

func (store *stubStore) seedCode(test *testing.T, spec CodeSpec) Code {
	test.Helper()
	code, err := NewCode(spec, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		test.Fatalf("seed code: %v", err)
	}
	if err := store.InsertCodes(context.Background(), []Code{code}); err != nil {
		test.Fatalf("seed code insert: %v", err)
	}
	return store.codes[code.Value.String()]
}

func (store *stubStore) setCode(code Code) {
	store.codes[code.Value.String()] = code
}

func (store *stubStore) account(test *testing.T, userID UserID) Account {
	test.Helper()
	accountID, ok := store.userAccounts[userID.String()]
	if !ok {
		test.Fatalf("no account for %s", userID)
	}
	return store.accounts[accountID]
}

func (store *stubStore) putAccount(test *testing.T, userID UserID, mutate func(*Account)) Account {
	test.Helper()
	account, err := store.GetOrCreateAccount(context.Background(), userID, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		test.Fatalf("put account: %v", err)
	}
	mutate(&account)
	store.accounts[account.ID.String()] = account
	return account
}

// failingStore fails every transaction with the configured error.
type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) GetOrCreateAccount(context.Context, UserID, time.Time) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) FindAccount(context.Context, UserID) (Account, error) {
	return Account{}, store.err
}

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func newClock(now time.Time) *clock {
	return &clock{now: now}
}

func (fixed *clock) Now() time.Time {
	fixed.mutex.Lock()
	defer fixed.mutex.Unlock()
	return fixed.now
}

func (fixed *clock) Set(now time.Time) {
	fixed.mutex.Lock()
	defer fixed.mutex.Unlock()
	fixed.now = now
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

type recorderSink struct {
	mutex   sync.Mutex
	effects []SideEffect
	err     error
}

func (sink *recorderSink) Enqueue(_ context.Context, effect SideEffect) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	if sink.err != nil {
		return sink.err
	}
	sink.effects = append(sink.effects, effect)
	return nil
}

func mustNewService(test *testing.T, store Store, now func() time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	credits, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return credits
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func timePointer(value time.Time) *time.Time {
	return &value
}
