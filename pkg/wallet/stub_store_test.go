package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// stubStore is an in-memory Store with injectable failures. LockAccount takes
// a real mutex held until the surrounding WithTx returns, mimicking the row
// lock of the database stores.
type stubStore struct {
	mu        sync.Mutex
	accountMu sync.Mutex

	entries         []Entry
	idempotencyKeys map[string]bool
	transactions    map[string]Transaction
	sessionIndex    map[string]string

	lockAccountError       error
	sumEntriesError        error
	insertEntryError       error
	insertEntryErrorAtCall int
	insertEntryCalls       int
	removeEntryError       error
	createTransactionError error
	getTransactionError    error
	markCompletedError     error
	deleteTransactionError error
	listEntriesError       error
	listTransactionsError  error
}

func newStubStore() *stubStore {
	return &stubStore{
		idempotencyKeys: map[string]bool{},
		transactions:    map[string]Transaction{},
		sessionIndex:    map[string]string{},
	}
}

type stubTxStore struct {
	*stubStore
	locked bool
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &stubTxStore{stubStore: store}
	err := fn(ctx, transaction)
	if transaction.locked {
		store.accountMu.Unlock()
	}
	return err
}

func (store *stubStore) LockAccount(ctx context.Context, userID UserID) error {
	return store.lockAccountError
}

func (transaction *stubTxStore) LockAccount(ctx context.Context, userID UserID) error {
	if transaction.stubStore.lockAccountError != nil {
		return transaction.stubStore.lockAccountError
	}
	transaction.stubStore.accountMu.Lock()
	transaction.locked = true
	return nil
}

func (store *stubStore) SumEntries(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	if store.sumEntriesError != nil {
		return decimal.Decimal{}, store.sumEntriesError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	total := decimal.Zero
	for _, entry := range store.entries {
		if entry.UserID == userID.String() {
			total = total.Add(entry.Amount)
		}
	}
	return total, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, input EntryInput) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.insertEntryCalls++
	if store.insertEntryError != nil {
		if store.insertEntryErrorAtCall == 0 || store.insertEntryErrorAtCall == store.insertEntryCalls {
			return Entry{}, store.insertEntryError
		}
	}
	if store.idempotencyKeys[input.IdempotencyKey().String()] {
		return Entry{}, ErrDuplicateEntry
	}
	entry := Entry{
		EntryID:        uuid.NewString(),
		UserID:         input.UserID().String(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		Description:    input.Description(),
		IdempotencyKey: input.IdempotencyKey().String(),
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}
	store.entries = append(store.entries, entry)
	store.idempotencyKeys[entry.IdempotencyKey] = true
	return entry, nil
}

func (store *stubStore) RemoveEntry(ctx context.Context, entryID string) error {
	if store.removeEntryError != nil {
		return store.removeEntryError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for index, entry := range store.entries {
		if entry.EntryID == entryID {
			store.entries = append(store.entries[:index], store.entries[index+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	if store.listEntriesError != nil {
		return nil, store.listEntriesError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Entry, 0)
	for index := len(store.entries) - 1; index >= 0; index-- {
		if store.entries[index].UserID != userID.String() {
			continue
		}
		listed = append(listed, store.entries[index])
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) CreateTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.createTransactionError != nil {
		return Transaction{}, store.createTransactionError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if input.ProviderSessionID() != "" && store.sessionIndex[input.ProviderSessionID()] != "" {
		return Transaction{}, ErrDuplicateSession
	}
	record := Transaction{
		TransactionID:     uuid.NewString(),
		UserID:            input.UserID().String(),
		Type:              input.Type(),
		Amount:            input.Amount(),
		Currency:          input.Currency().String(),
		JPYAmount:         input.JPYAmount(),
		Status:            input.Status(),
		ProviderSessionID: input.ProviderSessionID(),
		Description:       input.Description(),
		MetadataJSON:      input.Metadata().String(),
		CreatedUnixUTC:    input.CreatedUnixUTC(),
	}
	store.transactions[record.TransactionID] = record
	if record.ProviderSessionID != "" {
		store.sessionIndex[record.ProviderSessionID] = record.TransactionID
	}
	return record, nil
}

func (store *stubStore) GetTransactionBySession(ctx context.Context, sessionID ProviderSessionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	transactionID := store.sessionIndex[sessionID.String()]
	if transactionID == "" {
		return Transaction{}, ErrTransactionNotFound
	}
	return store.transactions[transactionID], nil
}

func (store *stubStore) MarkTransactionCompleted(ctx context.Context, transactionID string, from, to TransactionStatus, completedUnixUTC int64) error {
	if store.markCompletedError != nil {
		return store.markCompletedError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	record, present := store.transactions[transactionID]
	if !present {
		return ErrTransactionNotFound
	}
	if record.Status != from {
		return ErrTransactionConflict
	}
	record.Status = to
	record.CompletedUnixUTC = completedUnixUTC
	store.transactions[transactionID] = record
	return nil
}

func (store *stubStore) DeleteTransaction(ctx context.Context, transactionID string) error {
	if store.deleteTransactionError != nil {
		return store.deleteTransactionError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	record, present := store.transactions[transactionID]
	if !present {
		return ErrTransactionNotFound
	}
	if record.ProviderSessionID != "" {
		delete(store.sessionIndex, record.ProviderSessionID)
	}
	delete(store.transactions, transactionID)
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if store.listTransactionsError != nil {
		return nil, store.listTransactionsError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Transaction, 0)
	for _, record := range store.transactions {
		if record.UserID != userID.String() {
			continue
		}
		listed = append(listed, record)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) mustBalance(test *testing.T, userID UserID) decimal.Decimal {
	test.Helper()
	total, err := store.SumEntries(context.Background(), userID)
	if err != nil {
		test.Fatalf("sum entries: %v", err)
	}
	return total
}

func (store *stubStore) transactionCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

// stubCheckout answers every session request with a deterministic session id.
type stubCheckout struct {
	mu            sync.Mutex
	sessionPrefix string
	createError   error
	requests      []CheckoutRequest
}

func (checkout *stubCheckout) CreateSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error) {
	if checkout.createError != nil {
		return CheckoutSession{}, checkout.createError
	}
	checkout.mu.Lock()
	defer checkout.mu.Unlock()
	checkout.requests = append(checkout.requests, request)
	sessionValue := fmt.Sprintf("%s_%d", checkout.sessionPrefix, len(checkout.requests))
	sessionID, err := NewProviderSessionID(sessionValue)
	if err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{
		SessionID:   sessionID,
		RedirectURL: "https://checkout.example.com/session/" + sessionValue,
	}, nil
}

// recordingLogger captures operation logs for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	records []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.records = append(logger.records, entry)
}

func (logger *recordingLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.records) == 0 {
		test.Fatalf("expected at least one operation log")
	}
	return logger.records[len(logger.records)-1]
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
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

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return currency
}

func mustOPAmount(test *testing.T, raw string) OPAmount {
	test.Helper()
	amount, err := NewOPAmount(decimal.RequireFromString(raw))
	if err != nil {
		test.Fatalf("op amount: %v", err)
	}
	return amount
}

func mustSessionID(test *testing.T, raw string) ProviderSessionID {
	test.Helper()
	sessionID, err := NewProviderSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return sessionID
}

func mustRateTable(test *testing.T, version string, rates map[string]string) RateTable {
	test.Helper()
	normalized := make(map[Currency]decimal.Decimal, len(rates))
	for code, rate := range rates {
		normalized[mustCurrency(test, code)] = decimal.RequireFromString(rate)
	}
	table, err := NewRateTable(version, normalized)
	if err != nil {
		test.Fatalf("rate table: %v", err)
	}
	return table
}

func creditBalance(test *testing.T, store *stubStore, userID UserID, amount string) {
	test.Helper()
	seedKey, err := NewIdempotencyKey("seed:" + uuid.NewString())
	if err != nil {
		test.Fatalf("seed key: %v", err)
	}
	entryInput, err := NewEntryInput(
		userID,
		EntryReward,
		decimal.RequireFromString(amount),
		"seed balance",
		seedKey,
		1700000000,
	)
	if err != nil {
		test.Fatalf("entry input: %v", err)
	}
	if _, err := store.InsertEntry(context.Background(), entryInput); err != nil {
		test.Fatalf("insert entry: %v", err)
	}
}
