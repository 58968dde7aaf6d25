package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON       = "{}"
	insertBatchSize           = 200
	pgUniqueViolationCode     = "23505"
	pgSerializationCode       = "40001"
	pgDeadlockCode            = "40P01"
	pgLockNotAvailableCode    = "55P03"
	sqliteConstraintCode      = 19
	sqliteBusyCode            = 5
	sqliteLockedCode          = 6
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectBalance       = "balance"
	errorSubjectCode          = "code"
	errorSubjectRedemption    = "redemption"
	errorSubjectEntry         = "entry"
	errorSubjectRefund        = "refund"
	errorSubjectReset         = "reset"
	errorSubjectTotals        = "totals"
	errorCodeCredit           = "credit"
	errorCodeDebit            = "debit"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeIncrement        = "increment"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"
	errorCodeSum              = "sum"
	errorCodeUpdate           = "update"
	errorCodeConflict         = "conflict"
	columnBalance             = "balance"
	columnUpdatedAt           = "updated_at"
	columnCurrentRedemptions  = "current_redemptions"
	lockStrengthUpdate        = "UPDATE"
	whereAccountID            = "account_id = ?"
	orderCreatedAscending     = "created_at ASC, entry_id ASC"
	selectSumCreditsAsTotal   = "coalesce(sum(credits),0) as total"
	selectSumGrantedAsTotal   = "coalesce(sum(granted_credits),0) as total"
	selectSumAdjustmentsTotal = "coalesce(sum(balance_after - balance_before),0) as total"
)

// Store implements entitlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isConcurrencyConflict(err) && !errors.Is(err, entitlement.ErrConcurrencyConflict) {
		return wrapStoreError(errorSubjectAccount, errorCodeConflict, errors.Join(entitlement.ErrConcurrencyConflict, err))
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID entitlement.UserID, at time.Time) (entitlement.Account, error) {
	model := Account{UserID: userID.String(), CreatedAt: at.UTC(), UpdatedAt: at.UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	var existing Account
	err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&existing).Error
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err := mapAccount(existing)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) FindAccount(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Account{}, entitlement.ErrUnknownAccount
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) LockAccount(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: lockStrengthUpdate}).
		Where(whereAccountID, accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, entitlement.ErrInvalidAccountID)
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account entitlement.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where(whereAccountID, account.ID.String()).
		Updates(map[string]interface{}{
			"tier":              account.Tier.Int(),
			"monthly_allotment": account.MonthlyAllotment.Int64(),
			columnBalance:       account.Balance.Int64(),
			"stacked_codes":     account.StackedCodes,
			"reset_anchor":      utcPointer(account.ResetAnchor),
			"last_reset_at":     utcPointer(account.LastResetAt),
			columnUpdatedAt:     account.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, entitlement.ErrInvalidAccountID)
	}
	return nil
}

// DebitBalance subtracts cost only while the balance covers it.
func (store *Store) DebitBalance(ctx context.Context, accountID entitlement.AccountID, cost entitlement.Credits, at time.Time) (entitlement.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND balance >= ?", accountID.String(), cost.Int64()).
		Updates(map[string]interface{}{
			columnBalance:   gorm.Expr("balance - ?", cost.Int64()),
			columnUpdatedAt: at.UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeDebit, entitlement.ErrInsufficientBalance)
	}
	return store.readBalance(ctx, accountID, errorCodeDebit)
}

func (store *Store) CreditBalance(ctx context.Context, accountID entitlement.AccountID, amount entitlement.Credits, at time.Time) (entitlement.Credits, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where(whereAccountID, accountID.String()).
		Updates(map[string]interface{}{
			columnBalance:   gorm.Expr("balance + ?", amount.Int64()),
			columnUpdatedAt: at.UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeCredit, entitlement.ErrInvalidAccountID)
	}
	return store.readBalance(ctx, accountID, errorCodeCredit)
}

func (store *Store) readBalance(ctx context.Context, accountID entitlement.AccountID, code string) (entitlement.Credits, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Select(columnBalance).
		Where(whereAccountID, accountID.String()).
		Take(&model).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, code, err)
	}
	return entitlement.Credits(model.Balance), nil
}

func (store *Store) FindCode(ctx context.Context, value entitlement.CodeValue) (entitlement.Code, error) {
	return findCode(store.db.WithContext(ctx), value, errorCodeGet)
}

func (store *Store) LockCode(ctx context.Context, value entitlement.CodeValue) (entitlement.Code, error) {
	return findCode(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: lockStrengthUpdate}), value, errorCodeLock)
}

func findCode(query *gorm.DB, value entitlement.CodeValue, code string) (entitlement.Code, error) {
	var model Code
	err := query.Where("code_value = ?", value.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Code{}, wrapStoreError(errorSubjectCode, code, entitlement.ErrInvalidCode)
		}
		return entitlement.Code{}, wrapStoreError(errorSubjectCode, code, err)
	}
	mapped, err := mapCode(model)
	if err != nil {
		return entitlement.Code{}, wrapStoreError(errorSubjectCode, errorCodeInvalid, err)
	}
	return mapped, nil
}

// IncrementCodeRedemptions claims one slot only while capacity remains.
func (store *Store) IncrementCodeRedemptions(ctx context.Context, codeID entitlement.CodeID, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Code{}).
		Where("code_id = ? AND active = ? AND current_redemptions < max_redemptions", codeID.String(), true).
		Updates(map[string]interface{}{
			columnCurrentRedemptions: gorm.Expr("current_redemptions + 1"),
			columnUpdatedAt:          at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCode, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCode, errorCodeIncrement, entitlement.ErrCodeExhausted)
	}
	return nil
}

func (store *Store) InsertCodes(ctx context.Context, codes []entitlement.Code) error {
	if len(codes) == 0 {
		return nil
	}
	models := make([]Code, 0, len(codes))
	for _, code := range codes {
		models = append(models, Code{
			CodeValue:          code.Value.String(),
			Tier:               code.Tier.Int(),
			MaxRedemptions:     code.MaxRedemptions,
			CurrentRedemptions: code.CurrentRedemptions,
			Active:             code.Active,
			ExpiresAt:          utcPointer(code.ExpiresAt),
			BatchID:            code.BatchID,
			Notes:              code.Notes,
			CreatedAt:          code.CreatedAt.UTC(),
			UpdatedAt:          code.CreatedAt.UTC(),
		})
	}
	err := store.db.WithContext(ctx).CreateInBatches(&models, insertBatchSize).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCode, errorCodeDuplicate, entitlement.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) HasRedemption(ctx context.Context, accountID entitlement.AccountID, codeID entitlement.CodeID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Redemption{}).
		Where("account_id = ? AND code_id = ?", accountID.String(), codeID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectRedemption, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertRedemption(ctx context.Context, redemption entitlement.Redemption) (entitlement.Redemption, error) {
	model := Redemption{
		AccountID:      redemption.AccountID.String(),
		CodeID:         redemption.CodeID.String(),
		Tier:           redemption.Tier.Int(),
		PreviousTier:   redemption.PreviousTier.Int(),
		GrantedCredits: redemption.GrantedCredits.Int64(),
		CreatedAt:      redemption.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return entitlement.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeDuplicate, entitlement.ErrAlreadyRedeemed)
	}
	if err != nil {
		return entitlement.Redemption{}, wrapStoreError(errorSubjectRedemption, errorCodeInsert, err)
	}
	redemption.ID = model.RedemptionID
	return redemption, nil
}

func (store *Store) InsertUsageEntry(ctx context.Context, entry entitlement.UsageEntry) (entitlement.UsageEntry, error) {
	model := UsageEntry{
		AccountID:  entry.AccountID.String(),
		ActionType: entry.Action.String(),
		Credits:    entry.Credits.Int64(),
		Metadata:   datatypesJSON(entry.Metadata.String()),
		CreatedAt:  entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	inserted, err := mapUsageEntry(model)
	if err != nil {
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return inserted, nil
}

func (store *Store) GetUsageEntry(ctx context.Context, accountID entitlement.AccountID, entryID entitlement.EntryID) (entitlement.UsageEntry, error) {
	var model UsageEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND entry_id = ?", accountID.String(), entryID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, entitlement.ErrUnknownUsageEntry)
		}
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapUsageEntry(model)
	if err != nil {
		return entitlement.UsageEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListUsageEntries(ctx context.Context, accountID entitlement.AccountID, window entitlement.Window) ([]entitlement.UsageEntry, error) {
	var rows []UsageEntry
	query := windowed(store.db.WithContext(ctx).Where(whereAccountID, accountID.String()), window)
	if window.Limit > 0 {
		query = query.Limit(window.Limit)
	}
	if err := query.Order(orderCreatedAscending).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]entitlement.UsageEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapUsageEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumUsageByAction(ctx context.Context, accountID entitlement.AccountID, window entitlement.Window) (map[entitlement.ActionType]entitlement.Credits, error) {
	var rows []actionSum
	query := windowed(store.db.WithContext(ctx).Model(&UsageEntry{}).Where(whereAccountID, accountID.String()), window)
	err := query.
		Select("action_type, " + selectSumCreditsAsTotal).
		Group("action_type").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	totals := make(map[entitlement.ActionType]entitlement.Credits, len(rows))
	for _, row := range rows {
		action, err := entitlement.ParseActionType(row.ActionType)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		totals[action] = entitlement.Credits(row.Total)
	}
	return totals, nil
}

func (store *Store) InsertRefund(ctx context.Context, refund entitlement.Refund) (entitlement.Refund, error) {
	model := Refund{
		AccountID:    refund.AccountID.String(),
		UsageEntryID: refund.UsageEntryID.String(),
		Credits:      refund.Credits.Int64(),
		Reason:       refund.Reason,
		CreatedAt:    refund.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return entitlement.Refund{}, wrapStoreError(errorSubjectRefund, errorCodeDuplicate, entitlement.ErrAlreadyRefunded)
	}
	if err != nil {
		return entitlement.Refund{}, wrapStoreError(errorSubjectRefund, errorCodeInsert, err)
	}
	refund.ID = model.RefundID
	return refund, nil
}

func (store *Store) InsertResetEvent(ctx context.Context, event entitlement.ResetEvent) error {
	model := ResetEvent{
		AccountID:      event.AccountID.String(),
		PreviousAnchor: event.PreviousAnchor.UTC(),
		NewAnchor:      event.NewAnchor.UTC(),
		Periods:        event.Periods,
		BalanceBefore:  event.BalanceBefore.Int64(),
		BalanceAfter:   event.BalanceAfter.Int64(),
		CreatedAt:      event.CreatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReset, errorCodeInsert, err)
	}
	return nil
}

// LedgerTotals sums every balance-affecting row for one account.
func (store *Store) LedgerTotals(ctx context.Context, accountID entitlement.AccountID) (entitlement.LedgerTotals, error) {
	var totals entitlement.LedgerTotals
	sums := []struct {
		model  interface{}
		column string
		target *int64
	}{
		{model: &Redemption{}, column: selectSumGrantedAsTotal, target: &totals.Granted},
		{model: &UsageEntry{}, column: selectSumCreditsAsTotal, target: &totals.Debited},
		{model: &Refund{}, column: selectSumCreditsAsTotal, target: &totals.Refunded},
		{model: &ResetEvent{}, column: selectSumAdjustmentsTotal, target: &totals.ResetAdjustments},
	}
	for _, sum := range sums {
		var row sqlSum
		err := store.db.WithContext(ctx).
			Model(sum.model).
			Select(sum.column).
			Where(whereAccountID, accountID.String()).
			Scan(&row).Error
		if err != nil {
			return entitlement.LedgerTotals{}, wrapStoreError(errorSubjectTotals, errorCodeSum, err)
		}
		*sum.target = row.Total
	}
	return totals, nil
}

func windowed(query *gorm.DB, window entitlement.Window) *gorm.DB {
	if !window.From.IsZero() {
		query = query.Where("created_at >= ?", window.From.UTC())
	}
	if !window.To.IsZero() {
		query = query.Where("created_at < ?", window.To.UTC())
	}
	return query
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type actionSum struct {
	ActionType string
	Total      int64
}

func mapAccount(model Account) (entitlement.Account, error) {
	accountID, err := entitlement.NewAccountID(model.AccountID)
	if err != nil {
		return entitlement.Account{}, err
	}
	userID, err := entitlement.NewUserID(model.UserID)
	if err != nil {
		return entitlement.Account{}, err
	}
	return entitlement.Account{
		ID:               accountID,
		UserID:           userID,
		Tier:             entitlement.Tier(model.Tier),
		MonthlyAllotment: entitlement.Credits(model.MonthlyAllotment),
		Balance:          entitlement.Credits(model.Balance),
		StackedCodes:     model.StackedCodes,
		ResetAnchor:      utcPointer(model.ResetAnchor),
		LastResetAt:      utcPointer(model.LastResetAt),
		CreatedAt:        model.CreatedAt.UTC(),
		UpdatedAt:        model.UpdatedAt.UTC(),
	}, nil
}

func mapCode(model Code) (entitlement.Code, error) {
	codeID, err := entitlement.NewCodeID(model.CodeID)
	if err != nil {
		return entitlement.Code{}, err
	}
	value, err := entitlement.NewCodeValue(model.CodeValue)
	if err != nil {
		return entitlement.Code{}, err
	}
	tier, err := entitlement.NewTier(model.Tier)
	if err != nil {
		return entitlement.Code{}, err
	}
	return entitlement.Code{
		ID:                 codeID,
		Value:              value,
		Tier:               tier,
		MaxRedemptions:     model.MaxRedemptions,
		CurrentRedemptions: model.CurrentRedemptions,
		Active:             model.Active,
		ExpiresAt:          utcPointer(model.ExpiresAt),
		BatchID:            model.BatchID,
		Notes:              model.Notes,
		CreatedAt:          model.CreatedAt.UTC(),
	}, nil
}

func mapUsageEntry(model UsageEntry) (entitlement.UsageEntry, error) {
	entryID, err := entitlement.NewEntryID(model.EntryID)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	accountID, err := entitlement.NewAccountID(model.AccountID)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	action, err := entitlement.ParseActionType(model.ActionType)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	credits, err := entitlement.NewCredits(model.Credits)
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return entitlement.UsageEntry{}, err
	}
	return entitlement.UsageEntry{
		ID:        entryID,
		AccountID: accountID,
		Action:    action,
		Credits:   credits,
		Metadata:  metadata,
		CreatedAt: model.CreatedAt.UTC(),
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isConcurrencyConflict reports aborts the caller may retry unchanged.
func isConcurrencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationCode, pgDeadlockCode, pgLockNotAvailableCode:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}
