package wallet

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GrantWelcomeBonus credits the one-time signup bonus. The idempotency key is
// derived from the user id, so repeated calls are a no-op.
func (service *Service) GrantWelcomeBonus(ctx context.Context, userID UserID, amount OPAmount) error {
	status := ""
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixWelcome, userID.String())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			EntryWelcomeBonus,
			amount.Decimal(),
			"Welcome bonus",
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
			return err
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationWelcomeBonus,
		UserID:    userID,
		Amount:    amount.String(),
		Status:    status,
		Error:     operationError,
	})
	return operationError
}

// Reward credits OP earned inside the platform.
func (service *Service) Reward(ctx context.Context, userID UserID, amount OPAmount, description string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixReward, uuid.NewString())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			EntryReward,
			amount.Decimal(),
			description,
			idempotencyKey,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, entryInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReward,
		UserID:    userID,
		Amount:    amount.String(),
		Error:     operationError,
	})
	return operationError
}

// Spend debits OP for in-platform consumption, under the same per-user lock
// as the exchange debit.
func (service *Service) Spend(ctx context.Context, userID UserID, amount OPAmount, description string) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, userID); err != nil {
			return err
		}
		total, err := transactionStore.SumEntries(ctx, userID)
		if err != nil {
			return err
		}
		if total.LessThan(amount.Decimal()) {
			return ErrInsufficientBalance
		}
		idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixSpend, uuid.NewString())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			userID,
			EntrySpent,
			amount.Negated(),
			description,
			idempotencyKey,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		_, err = transactionStore.InsertEntry(ctx, entryInput)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Amount:    amount.String(),
		Error:     operationError,
	})
	return operationError
}

// Wallet assembles the derived wallet view: balance, bounded history, and the
// cosmetic display address.
func (service *Service) Wallet(ctx context.Context, userID UserID, historyLimit int) (WalletView, error) {
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return WalletView{}, err
	}
	entries, err := service.store.ListEntries(ctx, userID, historyLimit)
	if err != nil {
		return WalletView{}, err
	}
	return WalletView{
		Address: DeriveWalletAddress(userID),
		Balance: balance,
		Entries: entries,
	}, nil
}

// DeriveWalletAddress renders a deterministic display identifier for a user.
// It is cosmetic, not an account number.
func DeriveWalletAddress(userID UserID) string {
	digest := sha256.Sum256([]byte(userID.String()))
	return fmt.Sprintf("%s-%X-%X-%X", walletAddressPrefix, digest[0:4], digest[4:8], digest[8:12])
}
