package gormstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/HarborMintLab/opwallet/internal/store/gormstore"
	"github.com/HarborMintLab/opwallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openTestStore(test *testing.T) *gormstore.Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/wallet.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return gormstore.New(db)
}

func mustUserID(test *testing.T, raw string) wallet.UserID {
	test.Helper()
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustEntryInput(test *testing.T, userID wallet.UserID, entryType wallet.EntryType, amount decimal.Decimal, key string) wallet.EntryInput {
	test.Helper()
	idempotencyKey, err := wallet.NewIdempotencyKey(key)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", key, err)
	}
	input, err := wallet.NewEntryInput(userID, entryType, amount, "test entry", idempotencyKey, 1700000000)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	return input
}

func mustTransactionInput(test *testing.T, userID wallet.UserID, sessionID string) wallet.TransactionInput {
	test.Helper()
	currency, err := wallet.NewCurrency("JPY")
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	metadata, err := wallet.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	jpyAmount := decimal.NewFromInt(1050)
	input, err := wallet.NewTransactionInput(userID, wallet.TransactionPurchase, decimal.NewFromInt(10), currency, &jpyAmount, wallet.StatusPending, sessionID, "test purchase", metadata, 1700000000)
	if err != nil {
		test.Fatalf("transaction input: %v", err)
	}
	return input
}

func TestInsertEntryAndSum(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	first, err := store.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryPurchase, decimal.NewFromInt(500), "purchase:sess_a"))
	if err != nil {
		test.Fatalf("insert first entry: %v", err)
	}
	if first.EntryID == "" {
		test.Fatalf("expected generated entry id")
	}
	if _, err := store.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryExchange, decimal.NewFromInt(-120), "exchange:tx_a")); err != nil {
		test.Fatalf("insert second entry: %v", err)
	}

	sum, err := store.SumEntries(ctx, userID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if !sum.Equal(decimal.NewFromInt(380)) {
		test.Fatalf("expected sum 380, got %s", sum)
	}

	otherSum, err := store.SumEntries(ctx, mustUserID(test, "user-2"))
	if err != nil {
		test.Fatalf("sum for empty user: %v", err)
	}
	if !otherSum.IsZero() {
		test.Fatalf("expected zero sum for empty user, got %s", otherSum)
	}
}

func TestInsertEntryDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	if _, err := store.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryPurchase, decimal.NewFromInt(500), "purchase:sess_1")); err != nil {
		test.Fatalf("insert entry: %v", err)
	}
	_, err := store.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryPurchase, decimal.NewFromInt(500), "purchase:sess_1"))
	if !errors.Is(err, wallet.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}

	sum, err := store.SumEntries(ctx, userID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if !sum.Equal(decimal.NewFromInt(500)) {
		test.Fatalf("expected single credit of 500, got %s", sum)
	}
}

func TestRemoveEntryReversesMovement(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	entry, err := store.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryExchange, decimal.NewFromInt(-210), "exchange:tx_1"))
	if err != nil {
		test.Fatalf("insert entry: %v", err)
	}
	if err := store.RemoveEntry(ctx, entry.EntryID); err != nil {
		test.Fatalf("remove entry: %v", err)
	}

	sum, err := store.SumEntries(ctx, userID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if !sum.IsZero() {
		test.Fatalf("expected zero sum after removal, got %s", sum)
	}

	if err := store.RemoveEntry(ctx, entry.EntryID); !errors.Is(err, wallet.ErrEntryNotFound) {
		test.Fatalf("expected ErrEntryNotFound on second removal, got %v", err)
	}
}

func TestListEntriesNewestFirstWithLimit(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	for index, key := range []string{"reward:a", "reward:b", "reward:c"} {
		idempotencyKey, err := wallet.NewIdempotencyKey(key)
		if err != nil {
			test.Fatalf("idempotency key: %v", err)
		}
		input, err := wallet.NewEntryInput(userID, wallet.EntryReward, decimal.NewFromInt(int64(index+1)), "reward", idempotencyKey, int64(1700000000+index))
		if err != nil {
			test.Fatalf("entry input: %v", err)
		}
		if _, err := store.InsertEntry(ctx, input); err != nil {
			test.Fatalf("insert entry %s: %v", key, err)
		}
	}

	entries, err := store.ListEntries(ctx, userID, 2)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(decimal.NewFromInt(3)) {
		test.Fatalf("expected newest entry first, got amount %s", entries[0].Amount)
	}
	if entries[0].Type != wallet.EntryReward {
		test.Fatalf("unexpected entry type %s", entries[0].Type)
	}
}

func TestCreateTransactionDuplicateSession(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	created, err := store.CreateTransaction(ctx, mustTransactionInput(test, userID, "sess_1"))
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	if created.TransactionID == "" {
		test.Fatalf("expected generated transaction id")
	}

	_, err = store.CreateTransaction(ctx, mustTransactionInput(test, userID, "sess_1"))
	if !errors.Is(err, wallet.ErrDuplicateSession) {
		test.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestGetTransactionBySession(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	created, err := store.CreateTransaction(ctx, mustTransactionInput(test, userID, "sess_1"))
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}

	sessionID, err := wallet.NewProviderSessionID("sess_1")
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	fetched, err := store.GetTransactionBySession(ctx, sessionID)
	if err != nil {
		test.Fatalf("get transaction: %v", err)
	}
	if fetched.TransactionID != created.TransactionID {
		test.Fatalf("expected transaction %s, got %s", created.TransactionID, fetched.TransactionID)
	}
	if fetched.Status != wallet.StatusPending {
		test.Fatalf("expected pending status, got %s", fetched.Status)
	}
	if fetched.JPYAmount == nil || !fetched.JPYAmount.Equal(decimal.NewFromInt(1050)) {
		test.Fatalf("expected JPY amount 1050, got %v", fetched.JPYAmount)
	}

	missing, err := wallet.NewProviderSessionID("sess_missing")
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	if _, err := store.GetTransactionBySession(ctx, missing); !errors.Is(err, wallet.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestMarkTransactionCompletedIsCompareAndSwap(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	created, err := store.CreateTransaction(ctx, mustTransactionInput(test, userID, "sess_1"))
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}

	if err := store.MarkTransactionCompleted(ctx, created.TransactionID, wallet.StatusPending, wallet.StatusCompleted, 1700000123); err != nil {
		test.Fatalf("mark completed: %v", err)
	}

	sessionID, err := wallet.NewProviderSessionID("sess_1")
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	fetched, err := store.GetTransactionBySession(ctx, sessionID)
	if err != nil {
		test.Fatalf("get transaction: %v", err)
	}
	if fetched.Status != wallet.StatusCompleted {
		test.Fatalf("expected completed status, got %s", fetched.Status)
	}
	if fetched.CompletedUnixUTC != 1700000123 {
		test.Fatalf("expected completion timestamp 1700000123, got %d", fetched.CompletedUnixUTC)
	}

	err = store.MarkTransactionCompleted(ctx, created.TransactionID, wallet.StatusPending, wallet.StatusCompleted, 1700000999)
	if !errors.Is(err, wallet.ErrTransactionConflict) {
		test.Fatalf("expected ErrTransactionConflict on repeat, got %v", err)
	}
}

func TestDeleteTransaction(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	created, err := store.CreateTransaction(ctx, mustTransactionInput(test, userID, "sess_1"))
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	if err := store.DeleteTransaction(ctx, created.TransactionID); err != nil {
		test.Fatalf("delete transaction: %v", err)
	}
	if err := store.DeleteTransaction(ctx, created.TransactionID); !errors.Is(err, wallet.ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound on second delete, got %v", err)
	}

	records, err := store.ListTransactions(ctx, userID, 0)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(records) != 0 {
		test.Fatalf("expected no transactions, got %d", len(records))
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()

	store := openTestStore(test)
	ctx := context.Background()
	userID := mustUserID(test, "user-1")
	rollbackCause := errors.New("abort after insert")

	err := store.WithTx(ctx, func(ctx context.Context, txStore wallet.Store) error {
		if err := txStore.LockAccount(ctx, userID); err != nil {
			return err
		}
		if _, err := txStore.InsertEntry(ctx, mustEntryInput(test, userID, wallet.EntryReward, decimal.NewFromInt(50), "reward:rollback")); err != nil {
			return err
		}
		return rollbackCause
	})
	if !errors.Is(err, rollbackCause) {
		test.Fatalf("expected rollback cause, got %v", err)
	}

	sum, err := store.SumEntries(ctx, userID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	if !sum.IsZero() {
		test.Fatalf("expected rolled back sum to be zero, got %s", sum)
	}
}
