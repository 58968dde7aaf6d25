package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationCode     = "40001"
	pgDeadlockCode          = "40P01"
	pgLockNotAvailableCode  = "55P03"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectCode        = "code"
	errorSubjectRedemption  = "redemption"
	errorSubjectEntry       = "entry"
	errorSubjectRefund      = "refund"
	errorSubjectReset       = "reset"
	errorSubjectTotals      = "totals"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeBuild          = "build"
	errorCodeCommit         = "commit"
	errorCodeConflict       = "conflict"
	errorCodeCredit         = "credit"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"

	tableCodes       = "codes"
	tableUsage       = "usage_entries"
	columnAccountID  = "account_id"
	columnCreatedAt  = "created_at"
	sqlAccountFields = `account_id::text, user_id, tier, monthly_allotment, balance, stacked_codes, reset_anchor, last_reset_at, created_at, updated_at`
	sqlCodeFields    = `code_id::text, code_value, tier, max_redemptions, current_redemptions, active, expires_at, batch_id, notes, created_at`

	sqlInsertAccount = `
		insert into accounts(account_id, user_id, tier, monthly_allotment, balance, stacked_codes, created_at, updated_at)
		values($1, $2, 0, 0, 0, 0, $3, $3)
		on conflict (user_id) do nothing
	`

	sqlSelectAccountByUser = `select ` + sqlAccountFields + ` from accounts where user_id = $1`

	sqlLockAccount = `select ` + sqlAccountFields + ` from accounts where account_id = $1 for update`

	sqlUpdateAccount = `
		update accounts
		set tier = $2, monthly_allotment = $3, balance = $4, stacked_codes = $5, reset_anchor = $6, last_reset_at = $7, updated_at = $8
		where account_id = $1
	`

	sqlDebitBalance = `
		update accounts
		set balance = balance - $2, updated_at = $3
		where account_id = $1 and balance >= $2
		returning balance
	`

	sqlCreditBalance = `
		update accounts
		set balance = balance + $2, updated_at = $3
		where account_id = $1
		returning balance
	`

	sqlSelectCode = `select ` + sqlCodeFields + ` from codes where code_value = $1`

	sqlLockCode = sqlSelectCode + ` for update`

	sqlIncrementCode = `
		update codes
		set current_redemptions = current_redemptions + 1, updated_at = $2
		where code_id = $1 and active and current_redemptions < max_redemptions
	`

	sqlHasRedemption = `select exists(select 1 from redemptions where account_id = $1 and code_id = $2)`

	sqlInsertRedemption = `
		insert into redemptions(redemption_id, account_id, code_id, tier, previous_tier, granted_credits, created_at)
		values($1, $2, $3, $4, $5, $6, $7)
	`

	sqlInsertUsageEntry = `
		insert into usage_entries(entry_id, account_id, action_type, credits, metadata, created_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlSelectUsageEntry = `
		select entry_id::text, account_id::text, action_type, credits, coalesce(metadata::text,'{}'), created_at
		from usage_entries
		where account_id = $1 and entry_id = $2
	`

	sqlInsertRefund = `
		insert into refunds(refund_id, account_id, usage_entry_id, credits, reason, created_at)
		values($1, $2, $3, $4, $5, $6)
	`

	sqlInsertResetEvent = `
		insert into reset_events(reset_id, account_id, previous_anchor, new_anchor, periods, balance_before, balance_after, created_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlLedgerTotals = `
		select
			(select coalesce(sum(granted_credits),0) from redemptions where account_id = $1),
			(select coalesce(sum(credits),0) from usage_entries where account_id = $1),
			(select coalesce(sum(credits),0) from refunds where account_id = $1),
			(select coalesce(sum(balance_after - balance_before),0) from reset_events where account_id = $1)
	`
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries holds every statement; Store and TxStore differ only in WithTx.
type queries struct {
	db querier
}

// Store implements entitlement.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements entitlement.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return classifyConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyConflict(wrapStoreError(errorSubjectTransaction, errorCodeCommit, err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetOrCreateAccount(ctx context.Context, userID entitlement.UserID, at time.Time) (entitlement.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, uuid.NewString(), userID.String(), at.UTC()); err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err := scanAccount(store.db.QueryRow(ctx, sqlSelectAccountByUser, userID.String()))
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store queries) FindAccount(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sqlSelectAccountByUser, userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.Account{}, entitlement.ErrUnknownAccount
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store queries) LockAccount(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, sqlLockAccount, accountID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, entitlement.ErrInvalidAccountID)
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return account, nil
}

func (store queries) UpdateAccount(ctx context.Context, account entitlement.Account) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccount,
		account.ID.String(),
		account.Tier.Int(),
		account.MonthlyAllotment.Int64(),
		account.Balance.Int64(),
		account.StackedCodes,
		utcPointer(account.ResetAnchor),
		utcPointer(account.LastResetAt),
		account.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, entitlement.ErrInvalidAccountID)
	}
	return nil
}

func (store queries) DebitBalance(ctx context.Context, accountID entitlement.AccountID, cost entitlement.Credits, at time.Time) (entitlement.Credits, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlDebitBalance, accountID.String(), cost.Int64(), at.UTC()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, entitlement.ErrInsufficientBalance)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	return entitlement.Credits(balance), nil
}

func (store queries) CreditBalance(ctx context.Context, accountID entitlement.AccountID, amount entitlement.Credits, at time.Time) (entitlement.Credits, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlCreditBalance, accountID.String(), amount.Int64(), at.UTC()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, entitlement.ErrInvalidAccountID)
		}
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	return entitlement.Credits(balance), nil
}

func (store queries) FindCode(ctx context.Context, value entitlement.CodeValue) (entitlement.Code, error) {
	return store.selectCode(ctx, sqlSelectCode, value, errorCodeGet)
}

func (store queries) LockCode(ctx context.Context, value entitlement.CodeValue) (entitlement.Code, error) {
	return store.selectCode(ctx, sqlLockCode, value, errorCodeLock)
}

func (store queries) selectCode(ctx context.Context, statement string, value entitlement.CodeValue, code string) (entitlement.Code, error) {
	found, err := scanCode(store.db.QueryRow(ctx, statement, value.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.Code{}, wrapStoreError(errorSubjectCode, code, entitlement.ErrInvalidCode)
		}
		return entitlement.Code{}, wrapStoreError(errorSubjectCode, code, err)
	}
	return found, nil
}

func (store queries) IncrementCodeRedemptions(ctx context.Context, codeID entitlement.CodeID, at time.Time) error {
	tag, err := store.db.Exec(ctx, sqlIncrementCode, codeID.String(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCode, errorCodeIncrement, entitlement.ErrCodeExhausted)
	}
	return nil
}

func (store queries) InsertCodes(ctx context.Context, codes []entitlement.Code) error {
	if len(codes) == 0 {
		return nil
	}
	statement, args, err := insertCodesQuery(codes).ToSql()
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeBuild, err)
	}
	_, err = store.db.Exec(ctx, statement, args...)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCode, errorCodeDuplicate, entitlement.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeInsert, err)
	}
	return nil
}

func (store queries) HasRedemption(ctx context.Context, accountID entitlement.AccountID, codeID entitlement.CodeID) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlHasRedemption, accountID.String(), codeID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectRedemption, errorCodeLookup, err)
	}
	return exists, nil
}

func (store queries) InsertRedemption(ctx context.Context, redemption entitlement.Redemption) (entitlement.Redemption, error) {
	redemptionID := uuid.NewString()
	_, err := store.db.Exec(ctx, sqlInsertRedemption,
		redemptionID,
		redemption.AccountID.String(),
		redemption.CodeID.String(),
		redemption.Tier.Int(),
		redemption.PreviousTier.Int(),
		redemption.GrantedCredits.Int64(),
		redemption.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return entitlement.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeDuplicate, entitlement.ErrAlreadyRedeemed)
	}
	if err != nil {
		return entitlement.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeInsert, err)
	}
	redemption.ID = redemptionID
	return redemption, nil
}

func (store queries) InsertUsageEntry(ctx context.Context, entry entitlement.UsageEntry) (entitlement.UsageEntry, error) {
	entryID, err := entitlement.NewEntryID(uuid.NewString())
	if err != nil {
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = store.db.Exec(ctx, sqlInsertUsageEntry,
		entryID.String(),
		entry.AccountID.String(),
		entry.Action.String(),
		entry.Credits.Int64(),
		entry.Metadata.String(),
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.ID = entryID
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (store queries) GetUsageEntry(ctx context.Context, accountID entitlement.AccountID, entryID entitlement.EntryID) (entitlement.UsageEntry, error) {
	entry, err := scanUsageEntry(store.db.QueryRow(ctx, sqlSelectUsageEntry, accountID.String(), entryID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, entitlement.ErrUnknownUsageEntry)
		}
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store queries) ListUsageEntries(ctx context.Context, accountID entitlement.AccountID, window entitlement.Window) ([]entitlement.UsageEntry, error) {
	statement, args, err := listUsageQuery(accountID, window).ToSql()
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeBuild, err)
	}
	rows, err := store.db.Query(ctx, statement, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]entitlement.UsageEntry, 0, window.Limit)
	for rows.Next() {
		entry, err := scanUsageEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store queries) SumUsageByAction(ctx context.Context, accountID entitlement.AccountID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error) {
	statement, args, err := sumUsageQuery(accountID, window).ToSql()
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeBuild, err)
	}
	rows, err := store.db.Query(ctx, statement, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	defer rows.Close()
	totals := map[entitlement.ActionType]entitlement.Credits{}
	for rows.Next() {
		var (
			actionValue string
			total       int64
		)
		if err := rows.Scan(&actionValue, &total); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
		}
		action, err := entitlement.ParseActionType(actionValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[action] = entitlement.Credits(total)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return totals, nil
}

func (store queries) InsertRefund(ctx context.Context, refund entitlement.Refund) (entitlement.Refund, error) {
	refundID := uuid.NewString()
	_, err := store.db.Exec(ctx, sqlInsertRefund,
		refundID,
		refund.AccountID.String(),
		refund.UsageEntryID.String(),
		refund.Credits.Int64(),
		refund.Reason,
		refund.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return entitlement.Refund{}, wrapStoreError(errorSubjectRefund, errorCodeDuplicate, entitlement.ErrAlreadyRefunded)
	}
	if err != nil {
		return entitlement.Refund{}, wrapStoreError(errorSubjectRefund, errorCodeInsert, err)
	}
	refund.ID = refundID
	return refund, nil
}

func (store queries) InsertResetEvent(ctx context.Context, event entitlement.ResetEvent) error {
	_, err := store.db.Exec(ctx, sqlInsertResetEvent,
		uuid.NewString(),
		event.AccountID.String(),
		event.PreviousAnchor.UTC(),
		event.NewAnchor.UTC(),
		event.Periods,
		event.BalanceBefore.Int64(),
		event.BalanceAfter.Int64(),
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReset, errorCodeInsert, err)
	}
	return nil
}

func (store queries) LedgerTotals(ctx context.Context, accountID entitlement.AccountID) (entitlement.LedgerTotals, error) {
	var totals entitlement.LedgerTotals
	err := store.db.QueryRow(ctx, sqlLedgerTotals, accountID.String()).Scan(
		&totals.Granted,
		&totals.Debited,
		&totals.Refunded,
		&totals.ResetAdjustments,
	)
	if err != nil {
		return entitlement.LedgerTotals{}, wrapStoreError(errorSubjectTotals, errorCodeSum, err)
	}
	return totals, nil
}

func insertCodesQuery(codes []entitlement.Code) sq.InsertBuilder {
	builder := psql.Insert(tableCodes).Columns(
		"code_id", "code_value", "tier", "max_redemptions", "current_redemptions",
		"active", "expires_at", "batch_id", "notes", "created_at", "updated_at",
	)
	for _, code := range codes {
		createdAt := code.CreatedAt.UTC()
		builder = builder.Values(
			uuid.NewString(),
			code.Value.String(),
			code.Tier.Int(),
			code.MaxRedemptions,
			code.CurrentRedemptions,
			code.Active,
			utcPointer(code.ExpiresAt),
			code.BatchID,
			code.Notes,
			createdAt,
			createdAt,
		)
	}
	return builder
}

func listUsageQuery(accountID entitlement.AccountID, window entitlement.Window) sq.SelectBuilder {
	builder := windowed(psql.
		Select("entry_id::text", "account_id::text", "action_type", "credits", "coalesce(metadata::text,'{}')", columnCreatedAt).
		From(tableUsage).
		Where(sq.Eq{columnAccountID: accountID.String()}), window).
		OrderBy("created_at asc", "entry_id asc")
	if window.Limit > 0 {
		builder = builder.Limit(uint64(window.Limit))
	}
	return builder
}

func sumUsageQuery(accountID entitlement.AccountID, window entitlement.Window) sq.SelectBuilder {
	return windowed(psql.
		Select("action_type", "coalesce(sum(credits),0)").
		From(tableUsage).
		Where(sq.Eq{columnAccountID: accountID.String()}), window).
		GroupBy("action_type")
}

func windowed(builder sq.SelectBuilder, window entitlement.Window) sq.SelectBuilder {
	if !window.From.IsZero() {
		builder = builder.Where(sq.GtOrEq{columnCreatedAt: window.From.UTC()})
	}
	if !window.To.IsZero() {
		builder = builder.Where(sq.Lt{columnCreatedAt: window.To.UTC()})
	}
	return builder
}

func scanAccount(row pgx.Row) (entitlement.Account, error) {
	var (
		accountValue     string
		userValue        string
		tier             int
		monthlyAllotment int64
		balance          int64
		stackedCodes     int64
		resetAnchor      *time.Time
		lastResetAt      *time.Time
		createdAt        time.Time
		updatedAt        time.Time
	)
	if err := row.Scan(&accountValue, &userValue, &tier, &monthlyAllotment, &balance, &stackedCodes, &resetAnchor, &lastResetAt, &createdAt, &updatedAt); err != nil {
		return entitlement.Account{}, err
	}
	accountID, err := entitlement.NewAccountID(accountValue)
	if err != nil {
		return entitlement.Account{}, err
	}
	userID, err := entitlement.NewUserID(userValue)
	if err != nil {
		return entitlement.Account{}, err
	}
	return entitlement.Account{
		ID:               accountID,
		UserID:           userID,
		Tier:             entitlement.Tier(tier),
		MonthlyAllotment: entitlement.Credits(monthlyAllotment),
		Balance:          entitlement.Credits(balance),
		StackedCodes:     stackedCodes,
		ResetAnchor:      utcPointer(resetAnchor),
		LastResetAt:      utcPointer(lastResetAt),
		CreatedAt:        createdAt.UTC(),
		UpdatedAt:        updatedAt.UTC(),
	}, nil
}

func scanCode(row pgx.Row) (entitlement.Code, error) {
	var (
		codeIDValue        string
		codeValue          string
		tierValue          int
		maxRedemptions     int64
		currentRedemptions int64
		active             bool
		expiresAt          *time.Time
		batchID            string
		notes              string
		createdAt          time.Time
	)
	if err := row.Scan(&codeIDValue, &codeValue, &tierValue, &maxRedemptions, &currentRedemptions, &active, &expiresAt, &batchID, &notes, &createdAt); err != nil {
		return entitlement.Code{}, err
	}
	codeID, err := entitlement.NewCodeID(codeIDValue)
	if err != nil {
		return entitlement.Code{}, err
	}
	value, err := entitlement.NewCodeValue(codeValue)
	if err != nil {
		return entitlement.Code{}, err
	}
	tier, err := entitlement.NewTier(tierValue)
	if err != nil {
		return entitlement.Code{}, err
	}
	return entitlement.Code{
		ID:                 codeID,
		Value:              value,
		Tier:               tier,
		MaxRedemptions:     maxRedemptions,
		CurrentRedemptions: currentRedemptions,
		Active:             active,
		ExpiresAt:          utcPointer(expiresAt),
		BatchID:            batchID,
		Notes:              notes,
		CreatedAt:          createdAt.UTC(),
	}, nil
}

func scanUsageEntry(row pgx.Row) (entitlement.UsageEntry, error) {
	var (
		entryValue    string
		accountValue  string
		actionValue   string
		creditsValue  int64
		metadataValue string
		createdAt     time.Time
	)
	if err := row.Scan(&entryValue, &accountValue, &actionValue, &creditsValue, &metadataValue, &createdAt); err != nil {
		return entitlement.UsageEntry{}, err
	}
	entryID, err := entitlement.NewEntryID(entryValue)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	accountID, err := entitlement.NewAccountID(accountValue)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	action, err := entitlement.ParseActionType(actionValue)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	credits, err := entitlement.NewCredits(creditsValue)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(metadataValue)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	return entitlement.UsageEntry{
		ID:        entryID,
		AccountID: accountID,
		Action:    action,
		Credits:   credits,
		Metadata:  metadata,
		CreatedAt: createdAt.UTC(),
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

// classifyConflict tags serialization, deadlock, and lock-timeout aborts as
// retryable.
func classifyConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || errors.Is(err, entitlement.ErrConcurrencyConflict) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationCode, pgDeadlockCode, pgLockNotAvailableCode:
		return wrapStoreError(errorSubjectTransaction, errorCodeConflict, errors.Join(entitlement.ErrConcurrencyConflict, err))
	}
	return err
}
