package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/HarborMintLab/opwallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintLedgerIdempotency  = "uniq_ledger_idempotency"
	constraintTransactionSession = "uniq_transactions_session"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectBalance          = "balance"
	errorSubjectEntry            = "entry"
	errorSubjectTransaction      = "transaction"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeSum                 = "sum"
	errorCodeUpdateStatus        = "update_status"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Postgres deployments run managed migrations
// instead; sqlite relies on this.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &WalletTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount takes the account row lock for the duration of the enclosing
// transaction, serializing balance-check-then-debit per user.
func (store *Store) LockAccount(ctx context.Context, userID wallet.UserID) error {
	var account Account
	err := store.db.WithContext(ctx).
		FirstOrCreate(&account, Account{UserID: userID.String()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, userID wallet.UserID) (decimal.Decimal, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return decimal.Decimal{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput wallet.EntryInput) (wallet.Entry, error) {
	createdAt := time.Unix(entryInput.CreatedUnixUTC(), 0).UTC()
	if entryInput.CreatedUnixUTC() == 0 {
		createdAt = time.Now().UTC()
	}
	entry := LedgerEntry{
		UserID:         entryInput.UserID().String(),
		Type:           entryInput.Type().String(),
		Amount:         entryInput.Amount(),
		Description:    entryInput.Description(),
		IdempotencyKey: entryInput.IdempotencyKey().String(),
		CreatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintLedgerIdempotency) {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateEntry)
	}
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	if err := store.adjustCachedBalance(ctx, entry.UserID, entry.Amount); err != nil {
		return wallet.Entry{}, err
	}
	mapped, err := mapLedgerEntry(entry)
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return mapped, nil
}

// RemoveEntry deletes a just-inserted entry. Compensation only; the ledger has
// no general correction path.
func (store *Store) RemoveEntry(ctx context.Context, entryID string) error {
	var entry LedgerEntry
	err := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectEntry, errorCodeGet, wallet.ErrEntryNotFound)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	if err := store.db.WithContext(ctx).Delete(&LedgerEntry{}, "entry_id = ?", entryID).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeDelete, err)
	}
	return store.adjustCachedBalance(ctx, entry.UserID, entry.Amount.Neg())
}

func (store *Store) ListEntries(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreateTransaction(ctx context.Context, input wallet.TransactionInput) (wallet.Transaction, error) {
	var sessionID *string
	if input.ProviderSessionID() != "" {
		value := input.ProviderSessionID()
		sessionID = &value
	}
	record := WalletTransaction{
		UserID:            input.UserID().String(),
		Type:              string(input.Type()),
		Amount:            input.Amount(),
		Currency:          input.Currency().String(),
		JPYAmount:         input.JPYAmount(),
		Status:            string(input.Status()),
		ProviderSessionID: sessionID,
		Description:       input.Description(),
		Metadata:          datatypesJSON(input.Metadata().String()),
		CreatedAt:         time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if input.CreatedUnixUTC() == 0 {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, constraintTransactionSession) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateSession)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	mapped, err := mapTransaction(record)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) GetTransactionBySession(ctx context.Context, sessionID wallet.ProviderSessionID) (wallet.Transaction, error) {
	var record WalletTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_session_id = ?", sessionID.String()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, wallet.ErrTransactionNotFound)
		}
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	mapped, err := mapTransaction(record)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) MarkTransactionCompleted(ctx context.Context, transactionID string, from, to wallet.TransactionStatus, completedUnixUTC int64) error {
	completedAt := time.Unix(completedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, string(from)).
		Updates(map[string]interface{}{
			"status":       string(to),
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, wallet.ErrTransactionConflict)
	}
	return nil
}

func (store *Store) DeleteTransaction(ctx context.Context, transactionID string) error {
	result := store.db.WithContext(ctx).
		Delete(&WalletTransaction{}, "transaction_id = ?", transactionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTransaction, errorCodeDelete, wallet.ErrTransactionNotFound)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID wallet.UserID, limit int) ([]wallet.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, transaction_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []WalletTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	records := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		record, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) adjustCachedBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	var account Account
	err := store.db.WithContext(ctx).
		FirstOrCreate(&account, Account{UserID: userID}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		UpdateColumn("balance_cached", gorm.Expr("balance_cached + ?", delta)).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdateStatus, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total decimal.Decimal
}

func mapLedgerEntry(row LedgerEntry) (wallet.Entry, error) {
	entryType, err := wallet.NewEntryType(row.Type)
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Type:           entryType,
		Amount:         row.Amount,
		Description:    row.Description,
		IdempotencyKey: row.IdempotencyKey,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row WalletTransaction) (wallet.Transaction, error) {
	transactionType, err := wallet.ParseTransactionType(row.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	status, err := wallet.ParseTransactionStatus(row.Status)
	if err != nil {
		return wallet.Transaction{}, err
	}
	sessionID := ""
	if row.ProviderSessionID != nil {
		sessionID = *row.ProviderSessionID
	}
	var completedUnixUTC int64
	if row.CompletedAt != nil {
		completedUnixUTC = row.CompletedAt.Unix()
	}
	return wallet.Transaction{
		TransactionID:     row.TransactionID,
		UserID:            row.UserID,
		Type:              transactionType,
		Amount:            row.Amount,
		Currency:          row.Currency,
		JPYAmount:         row.JPYAmount,
		Status:            status,
		ProviderSessionID: sessionID,
		Description:       row.Description,
		MetadataJSON:      string(row.Metadata),
		CreatedUnixUTC:    row.CreatedAt.Unix(),
		CompletedUnixUTC:  completedUnixUTC,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
