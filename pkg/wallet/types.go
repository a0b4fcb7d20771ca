package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UserID identifies a wallet owner. The identity collaborator owns the value;
// the ledger treats it as opaque.
type UserID struct {
	value string
}

// Currency is an uppercase settlement currency code.
type Currency struct {
	value string
}

// ProviderSessionID correlates a purchase with the external checkout session.
type ProviderSessionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection on ledger entries.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// OPAmount is a strictly positive amount of OP.
type OPAmount struct {
	value decimal.Decimal
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewCurrency validates and normalizes a currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return Currency{}, fmt.Errorf("%w: empty value", ErrInvalidCurrency)
	}
	if len(normalized) > 8 {
		return Currency{}, fmt.Errorf("%w: code too long", ErrInvalidCurrency)
	}
	for _, character := range normalized {
		if (character < 'A' || character > 'Z') && (character < '0' || character > '9') {
			return Currency{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidCurrency, character)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// NewProviderSessionID validates and normalizes a provider session id.
func NewProviderSessionID(raw string) (ProviderSessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProviderSessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return ProviderSessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProviderSessionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewOPAmount validates an OP amount and ensures it is strictly positive.
func NewOPAmount(raw decimal.Decimal) (OPAmount, error) {
	if !raw.IsPositive() {
		return OPAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return OPAmount{value: raw}, nil
}

// NewOPAmountFromInt validates an integral OP amount.
func NewOPAmountFromInt(raw int64) (OPAmount, error) {
	return NewOPAmount(decimal.NewFromInt(raw))
}

// Decimal returns the underlying decimal value.
func (amount OPAmount) Decimal() decimal.Decimal {
	return amount.value
}

// IsInteger reports whether the amount has no fractional part.
func (amount OPAmount) IsInteger() bool {
	return amount.value.IsInteger()
}

// Negated returns the debit form of the amount.
func (amount OPAmount) Negated() decimal.Decimal {
	return amount.value.Neg()
}

// String renders the amount without trailing zeros.
func (amount OPAmount) String() string {
	return amount.value.String()
}

// EntryType tags a ledger entry. The set is open-ended; the constants below
// cover the movements the service itself writes.
type EntryType struct {
	value string
}

var (
	EntryWelcomeBonus = EntryType{value: "welcome_bonus"}
	EntryPurchase     = EntryType{value: "purchase"}
	EntryExchange     = EntryType{value: "exchange"}
	EntryReward       = EntryType{value: "reward"}
	EntrySpent        = EntryType{value: "spent"}
)

// NewEntryType validates a lowercase entry type token.
func NewEntryType(raw string) (EntryType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryType{}, fmt.Errorf("%w: empty value", ErrInvalidEntryType)
	}
	for _, character := range trimmed {
		if (character < 'a' || character > 'z') && character != '_' {
			return EntryType{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidEntryType, character)
		}
	}
	return EntryType{value: trimmed}, nil
}

// String returns the type token.
func (entryType EntryType) String() string {
	return entryType.value
}

// Entry is a single immutable signed movement in the ledger. Entries are never
// updated; removal exists only as the exchange compensation path.
type Entry struct {
	EntryID        string
	UserID         string
	Type           EntryType
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	CreatedUnixUTC int64
}

// EntryInput carries a validated entry for insertion.
type EntryInput struct {
	userID         UserID
	entryType      EntryType
	amount         decimal.Decimal
	description    string
	idempotencyKey IdempotencyKey
	createdUnixUTC int64
}

// NewEntryInput validates an entry before it reaches the store. The amount is
// signed: positive credits, negative debits. Zero movements are rejected.
func NewEntryInput(userID UserID, entryType EntryType, amount decimal.Decimal, description string, idempotencyKey IdempotencyKey, createdUnixUTC int64) (EntryInput, error) {
	if userID.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if entryType.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidEntryType)
	}
	if amount.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: zero movement", ErrInvalidAmount)
	}
	if idempotencyKey.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return EntryInput{
		userID:         userID,
		entryType:      entryType,
		amount:         amount,
		description:    description,
		idempotencyKey: idempotencyKey,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the owning user.
func (input EntryInput) UserID() UserID { return input.userID }

// Type returns the entry type.
func (input EntryInput) Type() EntryType { return input.entryType }

// Amount returns the signed movement.
func (input EntryInput) Amount() decimal.Decimal { return input.amount }

// Description returns the free-text annotation.
func (input EntryInput) Description() string { return input.description }

// IdempotencyKey returns the duplicate-detection key.
func (input EntryInput) IdempotencyKey() IdempotencyKey { return input.idempotencyKey }

// CreatedUnixUTC returns the insert timestamp.
func (input EntryInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// TransactionType distinguishes money-movement intents.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionExchange TransactionType = "exchange"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionExchange:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending         TransactionStatus = "pending"
	StatusPendingApproval TransactionStatus = "pending_approval"
	StatusCompleted       TransactionStatus = "completed"
	StatusFailed          TransactionStatus = "failed"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusPendingApproval, StatusCompleted, StatusFailed:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// Transaction is the durable record of a purchase or exchange intent. It does
// not own ledger entries but is causally linked to exactly one.
type Transaction struct {
	TransactionID     string
	UserID            string
	Type              TransactionType
	Amount            decimal.Decimal
	Currency          string
	JPYAmount         *decimal.Decimal
	Status            TransactionStatus
	ProviderSessionID string
	Description       string
	MetadataJSON      string
	CreatedUnixUTC    int64
	CompletedUnixUTC  int64
}

// TransactionInput carries a validated transaction record for insertion.
type TransactionInput struct {
	userID            UserID
	transactionType   TransactionType
	amount            decimal.Decimal
	currency          Currency
	jpyAmount         *decimal.Decimal
	status            TransactionStatus
	providerSessionID string
	description       string
	metadata          MetadataJSON
	createdUnixUTC    int64
}

// NewTransactionInput validates a transaction record before insertion.
func NewTransactionInput(userID UserID, transactionType TransactionType, amount decimal.Decimal, currency Currency, jpyAmount *decimal.Decimal, status TransactionStatus, providerSessionID string, description string, metadata MetadataJSON, createdUnixUTC int64) (TransactionInput, error) {
	if userID.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(string(transactionType)); err != nil {
		return TransactionInput{}, err
	}
	if _, err := ParseTransactionStatus(string(status)); err != nil {
		return TransactionInput{}, err
	}
	if amount.IsZero() {
		return TransactionInput{}, fmt.Errorf("%w: zero movement", ErrInvalidAmount)
	}
	if currency.value == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidCurrency)
	}
	return TransactionInput{
		userID:            userID,
		transactionType:   transactionType,
		amount:            amount,
		currency:          currency,
		jpyAmount:         jpyAmount,
		status:            status,
		providerSessionID: providerSessionID,
		description:       description,
		metadata:          metadata,
		createdUnixUTC:    createdUnixUTC,
	}, nil
}

// UserID returns the owning user.
func (input TransactionInput) UserID() UserID { return input.userID }

// Type returns the intent type.
func (input TransactionInput) Type() TransactionType { return input.transactionType }

// Amount returns the signed intent amount in OP units.
func (input TransactionInput) Amount() decimal.Decimal { return input.amount }

// Currency returns the settlement currency.
func (input TransactionInput) Currency() Currency { return input.currency }

// JPYAmount returns the fiat-equivalent amount when the target is JPY.
func (input TransactionInput) JPYAmount() *decimal.Decimal { return input.jpyAmount }

// Status returns the initial lifecycle status.
func (input TransactionInput) Status() TransactionStatus { return input.status }

// ProviderSessionID returns the provider correlation key, empty when absent.
func (input TransactionInput) ProviderSessionID() string { return input.providerSessionID }

// Description returns the free-text annotation.
func (input TransactionInput) Description() string { return input.description }

// Metadata returns the metadata blob.
func (input TransactionInput) Metadata() MetadataJSON { return input.metadata }

// CreatedUnixUTC returns the insert timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Balance is the derived view over a user's entries.
type Balance struct {
	Total decimal.Decimal
}

// WalletView bundles the balance with a bounded history and the cosmetic
// display address.
type WalletView struct {
	Address string
	Balance Balance
	Entries []Entry
}

// CheckoutRequest asks the payment provider for a hosted checkout session.
type CheckoutRequest struct {
	UserID      UserID
	TotalFiat   decimal.Decimal
	Currency    Currency
	Description string
	Metadata    map[string]string
}

// CheckoutSession is the provider's answer: a correlation id and the redirect
// target for the user's browser.
type CheckoutSession struct {
	SessionID   ProviderSessionID
	RedirectURL string
}

// CheckoutClient is the payment provider collaborator used by the purchase
// pipeline.
type CheckoutClient interface {
	CreateSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error)
}

// Store is the persistence contract used by Service.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockAccount(ctx context.Context, userID UserID) error
	SumEntries(ctx context.Context, userID UserID) (decimal.Decimal, error)
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	RemoveEntry(ctx context.Context, entryID string) error
	ListEntries(ctx context.Context, userID UserID, limit int) ([]Entry, error)
	CreateTransaction(ctx context.Context, transaction TransactionInput) (Transaction, error)
	GetTransactionBySession(ctx context.Context, sessionID ProviderSessionID) (Transaction, error)
	MarkTransactionCompleted(ctx context.Context, transactionID string, from, to TransactionStatus, completedUnixUTC int64) error
	DeleteTransaction(ctx context.Context, transactionID string) error
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
}
