// Package reconcile audits the cached account balances against the ledger
// fold. The entry sum is the source of truth; a drifting cache is repaired in
// place and reported loudly, because drift means some write path bypassed the
// ledger invariants.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/HarborMintLab/opwallet/internal/store/gormstore"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSchedule = "@hourly"

// Report summarizes one audit pass.
type Report struct {
	AccountsChecked int
	DriftsRepaired  int
}

// Auditor runs the balance audit on a cron schedule.
type Auditor struct {
	db       *gorm.DB
	logger   *zap.Logger
	cron     *cron.Cron
	schedule string
}

// New wires an Auditor. An empty schedule defaults to hourly.
func New(db *gorm.DB, logger *zap.Logger, schedule string) (*Auditor, error) {
	if db == nil {
		return nil, fmt.Errorf("reconcile: db is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("reconcile: logger is nil")
	}
	if schedule == "" {
		schedule = defaultSchedule
	}
	auditor := &Auditor{
		db:       db,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
	}
	if _, err := auditor.cron.AddFunc(schedule, auditor.runScheduled); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", schedule, err)
	}
	return auditor, nil
}

// Start begins scheduled auditing.
func (auditor *Auditor) Start() {
	auditor.logger.Info("balance audit scheduled", zap.String("schedule", auditor.schedule))
	auditor.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (auditor *Auditor) Stop() {
	stopCtx := auditor.cron.Stop()
	<-stopCtx.Done()
}

func (auditor *Auditor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	report, err := auditor.RunAudit(ctx)
	if err != nil {
		auditor.logger.Error("balance audit failed", zap.Error(err))
		return
	}
	auditor.logger.Info("balance audit finished",
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("drifts_repaired", report.DriftsRepaired))
}

// RunAudit folds every account's entries and repairs any cache drift.
func (auditor *Auditor) RunAudit(ctx context.Context) (Report, error) {
	var accounts []gormstore.Account
	if err := auditor.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		return Report{}, fmt.Errorf("reconcile: list accounts: %w", err)
	}

	report := Report{AccountsChecked: len(accounts)}
	for _, account := range accounts {
		folded, err := auditor.foldEntries(ctx, account.UserID)
		if err != nil {
			return report, err
		}
		if folded.Equal(account.BalanceCached) {
			continue
		}
		auditor.logger.Error("cached balance drift detected",
			zap.String("user_id", account.UserID),
			zap.String("cached", account.BalanceCached.String()),
			zap.String("folded", folded.String()))
		err = auditor.db.WithContext(ctx).
			Model(&gormstore.Account{}).
			Where("user_id = ?", account.UserID).
			UpdateColumn("balance_cached", folded).Error
		if err != nil {
			return report, fmt.Errorf("reconcile: repair %s: %w", account.UserID, err)
		}
		report.DriftsRepaired++
	}
	return report, nil
}

func (auditor *Auditor) foldEntries(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum struct {
		Total decimal.Decimal
	}
	err := auditor.db.WithContext(ctx).
		Model(&gormstore.LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("reconcile: fold %s: %w", userID, err)
	}
	return sum.Total, nil
}
