package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service contains the wallet domain logic over a Store. Purchase initiation
// additionally needs a CheckoutClient; exchange needs a RateTable.
type Service struct {
	store    Store
	checkout CheckoutClient
	pricing  Pricing
	rates    RateTable
	nowFn    func() int64
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:   store,
		nowFn:   now,
		pricing: DefaultPricing(),
		rates:   DefaultRateTable(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance folds the user's ledger entries into the current total. The sum is
// the source of truth; any cached balance is audited against it.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	total, err := service.store.SumEntries(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Total: total}, nil
}

// History lists the user's ledger entries, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, limit)
}

// PurchaseIntent is the outcome of a purchase initiation: the fiat quote and
// where to send the user's browser.
type PurchaseIntent struct {
	Quote         PurchaseQuote
	Session       CheckoutSession
	TransactionID string
}

// InitiatePurchase prices an OP purchase, opens a checkout session, and
// records a pending transaction keyed by the provider session id. A failed
// transaction insert does not block the redirect: the webhook confirmation is
// the single source of truth for crediting, so the missing record only
// degrades audit visibility.
func (service *Service) InitiatePurchase(ctx context.Context, userID UserID, amount OPAmount) (PurchaseIntent, error) {
	intent, operationError := service.initiatePurchase(ctx, userID, amount)
	service.logOperation(ctx, OperationLog{
		Operation:         operationInitiatePurchase,
		UserID:            userID,
		Amount:            amount.String(),
		Currency:          service.pricing.Currency().String(),
		ProviderSessionID: intent.Session.SessionID.String(),
		TransactionID:     intent.TransactionID,
		Error:             operationError,
	})
	return intent, operationError
}

func (service *Service) initiatePurchase(ctx context.Context, userID UserID, amount OPAmount) (PurchaseIntent, error) {
	if service.checkout == nil {
		return PurchaseIntent{}, fmt.Errorf("%w: checkout client is nil", ErrInvalidServiceConfig)
	}
	quote, err := NewPurchaseQuote(amount, service.pricing)
	if err != nil {
		return PurchaseIntent{}, err
	}
	session, err := service.checkout.CreateSession(ctx, CheckoutRequest{
		UserID:      userID,
		TotalFiat:   quote.TotalFiat,
		Currency:    quote.Currency,
		Description: fmt.Sprintf("%s OP purchase", quote.OPAmount),
		Metadata: map[string]string{
			"user_id":   userID.String(),
			"op_amount": quote.OPAmount.String(),
			"base_fiat": quote.BaseFiat.String(),
			"fee":       quote.Fee.String(),
		},
	})
	if err != nil {
		return PurchaseIntent{}, err
	}

	intent := PurchaseIntent{Quote: quote, Session: session}
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"base_fiat":%s,"fee":%s}`, quote.BaseFiat, quote.Fee))
	if err != nil {
		return intent, nil
	}
	input, err := NewTransactionInput(
		userID,
		TransactionPurchase,
		quote.OPAmount,
		quote.Currency,
		purchaseFiatAmount(quote),
		StatusPending,
		session.SessionID.String(),
		fmt.Sprintf("Purchase of %s OP", quote.OPAmount),
		metadata,
		service.nowFn(),
	)
	if err != nil {
		return intent, nil
	}
	record, recordErr := service.store.CreateTransaction(ctx, input)
	if recordErr != nil {
		// Non-fatal: the checkout URL is already valid and the webhook
		// will credit without the pending record.
		service.logOperation(ctx, OperationLog{
			Operation:         operationInitiatePurchase,
			UserID:            userID,
			ProviderSessionID: session.SessionID.String(),
			Status:            operationStatusError,
			Error:             recordErr,
		})
		return intent, nil
	}
	intent.TransactionID = record.TransactionID
	return intent, nil
}

// ConfirmPurchase credits the ledger for a provider-confirmed checkout. It is
// safe under at-least-once webhook delivery: repeated confirmations of the
// same session credit at most once. Callers must have verified the provider
// signature before invoking it.
func (service *Service) ConfirmPurchase(ctx context.Context, sessionID ProviderSessionID, userID UserID, amount OPAmount) error {
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, err := transactionStore.GetTransactionBySession(ctx, sessionID)
		switch {
		case errors.Is(err, ErrTransactionNotFound):
			// The pending record was never written at initiation time.
			// The signature-verified webhook still wins: backfill the
			// audit record and credit.
			record, err = service.backfillPurchaseRecord(ctx, transactionStore, sessionID, userID, amount)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		case record.Status == StatusCompleted:
			status = operationStatusDuplicate
			return nil
		default:
			if err := transactionStore.MarkTransactionCompleted(ctx, record.TransactionID, StatusPending, StatusCompleted, service.nowFn()); err != nil {
				if errors.Is(err, ErrTransactionConflict) {
					status = operationStatusDuplicate
					return nil
				}
				return err
			}
		}

		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixPurchase, sessionID.String())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			EntryPurchase,
			amount.Decimal(),
			fmt.Sprintf("Purchase of %s OP", amount),
			idempotencyKey,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			if errors.Is(err, ErrDuplicateEntry) {
				status = operationStatusDuplicate
				return nil
			}
			// The record is completed but the credit is missing. Blind
			// retry risks double credit, so surface for reconciliation.
			status = operationStatusCritical
			return WrapError(operationConfirmPurchase, "ledger", "append_after_complete", fmt.Errorf("%w: %v", ErrReconciliationRequired, err))
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:         operationConfirmPurchase,
		UserID:            userID,
		Amount:            amount.String(),
		ProviderSessionID: sessionID.String(),
		Status:            status,
		Error:             operationError,
	})
	return operationError
}

func (service *Service) backfillPurchaseRecord(ctx context.Context, transactionStore Store, sessionID ProviderSessionID, userID UserID, amount OPAmount) (Transaction, error) {
	quote, err := NewPurchaseQuote(amount, service.pricing)
	if err != nil {
		return Transaction{}, err
	}
	metadata, err := NewMetadataJSON(`{"backfilled":true}`)
	if err != nil {
		return Transaction{}, err
	}
	input, err := NewTransactionInput(
		userID,
		TransactionPurchase,
		quote.OPAmount,
		quote.Currency,
		purchaseFiatAmount(quote),
		StatusPending,
		sessionID.String(),
		fmt.Sprintf("Purchase of %s OP", quote.OPAmount),
		metadata,
		service.nowFn(),
	)
	if err != nil {
		return Transaction{}, err
	}
	record, err := transactionStore.CreateTransaction(ctx, input)
	if err != nil {
		return Transaction{}, err
	}
	if err := transactionStore.MarkTransactionCompleted(ctx, record.TransactionID, StatusPending, StatusCompleted, service.nowFn()); err != nil {
		return Transaction{}, err
	}
	return record, nil
}

// ExchangeReceipt is the outcome of an exchange initiation.
type ExchangeReceipt struct {
	Quote       ExchangeQuote
	Transaction Transaction
	SagaState   SagaState
}

// InitiateExchange debits OP immediately and records a pending-approval
// transaction for external settlement. The balance check and the debit run
// under a per-user account lock inside one store transaction, so two
// concurrent exchanges can never both pass the check on a stale balance. If
// the debit fails after the record is written, the record is deleted again:
// the balance is never debited without an auditable transaction, and a
// transaction never persists without the matching debit.
func (service *Service) InitiateExchange(ctx context.Context, userID UserID, amount OPAmount, currency Currency) (ExchangeReceipt, error) {
	quote, err := NewExchangeQuote(amount, currency, service.pricing.FeeRate(), service.rates)
	if err != nil {
		return ExchangeReceipt{}, err
	}

	saga := NewExchangeSaga()
	receipt := ExchangeReceipt{Quote: quote}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, userID); err != nil {
			return err
		}
		total, err := transactionStore.SumEntries(ctx, userID)
		if err != nil {
			return err
		}
		if total.LessThan(quote.TotalDeducted) {
			return ErrInsufficientBalance
		}

		input, err := newExchangeTransactionInput(userID, quote, service.nowFn())
		if err != nil {
			return err
		}
		record, err := transactionStore.CreateTransaction(ctx, input)
		if err != nil {
			return err
		}
		receipt.Transaction = record

		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixExchange, record.TransactionID)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			EntryExchange,
			quote.TotalDeducted.Neg(),
			fmt.Sprintf("Exchange of %s OP to %s", quote.OPAmount, quote.Currency),
			idempotencyKey,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			deleteErr := transactionStore.DeleteTransaction(ctx, record.TransactionID)
			if transitionErr := saga.Transition(SagaCompensated); transitionErr != nil {
				return transitionErr
			}
			if deleteErr != nil {
				return WrapError(operationInitiateExchange, "transaction", "compensation", fmt.Errorf("%w: %v", ErrReconciliationRequired, deleteErr))
			}
			return fmt.Errorf("%w: %v", ErrExchangeProcessingFailed, err)
		}
		if err := saga.Transition(SagaDebited); err != nil {
			return err
		}
		return saga.Transition(SagaCommitted)
	})
	receipt.SagaState = saga.State()
	service.logOperation(ctx, OperationLog{
		Operation:     operationInitiateExchange,
		UserID:        userID,
		Amount:        amount.String(),
		Currency:      currency.String(),
		TransactionID: receipt.Transaction.TransactionID,
		SagaState:     string(saga.State()),
		Error:         operationError,
	})
	if operationError != nil {
		return ExchangeReceipt{Quote: quote, SagaState: saga.State()}, operationError
	}
	return receipt, nil
}

// Transactions lists the user's purchase and exchange records, newest first.
func (service *Service) Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(prefix string, reference string) (IdempotencyKey, error) {
	return NewIdempotencyKey(prefix + idempotencyKeyDelimiter + reference)
}

func purchaseFiatAmount(quote PurchaseQuote) *decimal.Decimal {
	if quote.Currency.String() != baseFiatCurrency {
		return nil
	}
	totalFiat := quote.TotalFiat
	return &totalFiat
}

func newExchangeTransactionInput(userID UserID, quote ExchangeQuote, nowUnixUTC int64) (TransactionInput, error) {
	var jpyAmount *decimal.Decimal
	if quote.Currency.String() == baseFiatCurrency {
		payout := quote.Payout
		jpyAmount = &payout
	}
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"fee":%s,"payout":%s,"rate_version":%q}`, quote.Fee, quote.Payout, quote.RateVersion))
	if err != nil {
		return TransactionInput{}, err
	}
	return NewTransactionInput(
		userID,
		TransactionExchange,
		quote.OPAmount.Neg(),
		quote.Currency,
		jpyAmount,
		StatusPendingApproval,
		"",
		fmt.Sprintf("Exchange of %s OP to %s", quote.OPAmount, quote.Currency),
		metadata,
		nowUnixUTC,
	)
}
