package accounts

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// AccountScanner walks the whole accounts table every scan period. It sends
// heartbeats, triggers interest capitalization and deletion chores, keeps
// interest rates in sync with the debtor policy, and purges accounts that
// have stayed deleted for long enough.
type AccountScanner struct {
	svc *Service
}

func NewAccountScanner(svc *Service) *AccountScanner {
	return &AccountScanner{svc: svc}
}

// Run sweeps the accounts table repeatedly until the context is canceled.
// The current batch is always finished before exiting.
func (sc *AccountScanner) Run(ctx context.Context) error {
	period := time.Duration(sc.svc.cnf.Policy.AccountsScanHours * float64(time.Hour))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := sc.scanOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("account scanner pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (sc *AccountScanner) scanOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Scan Accounts")
	defer span.End()

	var afterDebtorID, afterCreditorID int64 = math.MinInt64, math.MinInt64
	batchSize := sc.svc.cnf.Policy.ScanBatchSize
	policyRates := map[int64]float64{}

	for {
		accounts, err := sc.svc.datasource.ListAccountsPage(ctx, afterDebtorID, afterCreditorID, batchSize)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return nil
		}
		for _, account := range accounts {
			if err := sc.processAccount(ctx, account, policyRates); err != nil {
				logrus.Errorf("error processing account (%d, %d): %v", account.DebtorID, account.CreditorID, err)
			}
		}
		last := accounts[len(accounts)-1]
		afterDebtorID, afterCreditorID = last.DebtorID, last.CreditorID
		if len(accounts) < batchSize {
			return nil
		}
	}
}

func (sc *AccountScanner) processAccount(ctx context.Context, account *model.Account, policyRates map[int64]float64) error {
	now := time.Now().UTC()
	cnf := sc.svc.cnf

	if account.IsDeleted() {
		if sc.isPurgeDue(account, now) {
			return sc.svc.purgeAccount(ctx, account)
		}
		return nil
	}

	if now.Sub(account.LastHeartbeatTS) > cnf.Days(cnf.Policy.HeartbeatDays) {
		if err := sc.svc.sendHeartbeat(ctx, account.DebtorID, account.CreditorID); err != nil {
			return err
		}
	}

	if !account.IsRoot() {
		if rate, ok := sc.policyRate(ctx, account.DebtorID, policyRates); ok {
			established := account.StatusFlags&model.StatusEstablishedInterestRateFlag != 0
			if !established || account.InterestRate != rate {
				if err := sc.svc.queue.EnqueueChangeInterestRate(account.DebtorID, account.CreditorID, rate, now); err != nil {
					return err
				}
			}
		}
	}

	if !account.IsRoot() && sc.isCapitalizationDue(account, now) {
		if err := sc.svc.queue.EnqueueCapitalizeInterest(account.DebtorID, account.CreditorID); err != nil {
			return err
		}
	}

	if account.IsScheduledForDeletion() && !account.IsRoot() &&
		account.PendingTransfersCount == 0 &&
		now.Sub(account.LastDeletionAttemptTS) > cnf.Days(cnf.Policy.DeletionAttemptsMinDays) {
		if err := sc.svc.queue.EnqueueTryToDeleteAccount(account.DebtorID, account.CreditorID); err != nil {
			return err
		}
	}
	return nil
}

// policyRate resolves the debtor's policy interest rate from the root
// account's config data. Root accounts on other shards are not visible
// here; their debtors' rates are propagated by the shards that own them.
func (sc *AccountScanner) policyRate(ctx context.Context, debtorID int64, cache map[int64]float64) (float64, bool) {
	if rate, ok := cache[debtorID]; ok {
		return rate, !math.IsNaN(rate)
	}
	miss := math.NaN()
	if !sc.svc.realm.Owns(debtorID, model.RootCreditorID) {
		cache[debtorID] = miss
		return 0, false
	}
	root, err := sc.svc.datasource.GetAccount(ctx, debtorID, model.RootCreditorID)
	if err != nil {
		cache[debtorID] = miss
		return 0, false
	}
	configData, err := model.ParseRootConfigData(root.ConfigData)
	if err != nil {
		cache[debtorID] = miss
		return 0, false
	}
	cache[debtorID] = configData.InterestRate()
	return configData.InterestRate(), true
}

func (sc *AccountScanner) isCapitalizationDue(account *model.Account, now time.Time) bool {
	cnf := sc.svc.cnf
	if now.Sub(account.LastInterestCapitalizationTS) < cnf.Days(cnf.Policy.MinInterestCapitalizationDays) {
		return false
	}
	accrued := account.CalcCurrentInterest(now)
	if math.Abs(accrued) < 1 {
		return false
	}
	return math.Abs(accrued) >= cnf.Policy.MaxInterestToPrincipalRatio*math.Abs(float64(account.Principal))
}

// isPurgeDue applies the purge preconditions that remain once an account
// has been marked as deleted: every in-flight AccountUpdate must have
// expired (its ttl passed), and the creation date must be old enough that a
// re-created account gets a strictly later one.
func (sc *AccountScanner) isPurgeDue(account *model.Account, now time.Time) bool {
	cnf := sc.svc.cnf
	purgeDelay := 2*cnf.Days(cnf.Policy.MessageMaxDelayDays) + cnf.Days(cnf.Policy.PreparedTransferMaxDelayDays)
	fewDaysAgo := model.DateOnly(now.Add(-48 * time.Hour))
	return now.Sub(account.LastChangeTS) > purgeDelay &&
		now.Sub(account.LastConfigTS) > cnf.StaleConfigHorizon() &&
		account.CreationDate.Before(fewDaysAgo)
}

// sendHeartbeat re-emits the account's last AccountUpdate, changed only in
// its ts field. There is no meaningful change on the account, so the change
// version is deliberately not bumped.
func (s *Service) sendHeartbeat(ctx context.Context, debtorID, creditorID int64) error {
	now := time.Now().UTC()
	return database.RetryOnSerializationFailure(ctx, func() error {
		tx, err := s.datasource.BeginSerializableTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		account, err := tx.GetAccount(debtorID, creditorID)
		if err == database.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if account.IsDeleted() {
			return nil
		}
		if err := s.emitAccountUpdate(tx, account, now); err != nil {
			return err
		}
		if err := tx.UpdateAccount(account); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// purgeAccount removes a deleted account's record for good, emitting an
// AccountPurge in the same transaction. The purge conditions are re-checked
// inside the transaction.
func (s *Service) purgeAccount(ctx context.Context, stale *model.Account) error {
	now := time.Now().UTC()
	return database.RetryOnSerializationFailure(ctx, func() error {
		tx, err := s.datasource.BeginSerializableTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		account, err := tx.GetAccount(stale.DebtorID, stale.CreditorID)
		if err == database.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if !account.IsDeleted() || account.PendingTransfersCount != 0 {
			return nil
		}
		if err := tx.DeleteAccount(account.DebtorID, account.CreditorID); err != nil {
			return err
		}
		purge := &model.AccountPurge{
			Type:         model.MsgAccountPurge,
			DebtorID:     account.DebtorID,
			CreditorID:   account.CreditorID,
			CreationDate: model.Date(account.CreationDate),
			TS:           now,
		}
		if err := insertSignal(tx, model.MsgAccountPurge, purge); err != nil {
			return err
		}
		logrus.Infof("purged account (%d, %d)", account.DebtorID, account.CreditorID)
		return tx.Commit()
	})
}

// PreparedTransferScanner re-emits PreparedTransfer messages for transfers
// that have stayed unfinalized for suspiciously long, reminding their
// coordinators that a decision is due.
type PreparedTransferScanner struct {
	svc *Service
}

func NewPreparedTransferScanner(svc *Service) *PreparedTransferScanner {
	return &PreparedTransferScanner{svc: svc}
}

func (sc *PreparedTransferScanner) Run(ctx context.Context) error {
	period := sc.svc.cnf.Days(sc.svc.cnf.Policy.PreparedTransfersScanDays)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := sc.scanOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("prepared transfer scanner pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (sc *PreparedTransferScanner) scanOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Scan Prepared Transfers")
	defer span.End()

	var afterDebtorID, afterCreditorID, afterTransferID int64 = math.MinInt64, math.MinInt64, math.MinInt64
	batchSize := sc.svc.cnf.Policy.ScanBatchSize
	reminderInterval := sc.svc.cnf.Days(sc.svc.cnf.Policy.FinalizationReminderDays)

	for {
		transfers, err := sc.svc.datasource.ListPreparedTransfersPage(ctx, afterDebtorID, afterCreditorID, afterTransferID, batchSize)
		if err != nil {
			return err
		}
		if len(transfers) == 0 {
			return nil
		}
		now := time.Now().UTC()
		for _, pt := range transfers {
			lastSignal := pt.PreparedAt
			if pt.LastReminderTS.After(lastSignal) {
				lastSignal = pt.LastReminderTS
			}
			if now.Sub(lastSignal) > reminderInterval {
				if err := sc.svc.remindPreparedTransfer(ctx, pt); err != nil {
					logrus.Errorf("error reminding about transfer (%d, %d, %d): %v",
						pt.DebtorID, pt.SenderCreditorID, pt.TransferID, err)
				}
			}
		}
		last := transfers[len(transfers)-1]
		afterDebtorID, afterCreditorID, afterTransferID = last.DebtorID, last.SenderCreditorID, last.TransferID
		if len(transfers) < batchSize {
			return nil
		}
	}
}

func (s *Service) remindPreparedTransfer(ctx context.Context, stale *model.PreparedTransfer) error {
	now := time.Now().UTC()
	return database.RetryOnSerializationFailure(ctx, func() error {
		tx, err := s.datasource.BeginSerializableTx(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		pt, err := tx.GetPreparedTransfer(stale.DebtorID, stale.SenderCreditorID, stale.TransferID)
		if err == database.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.TouchPreparedTransferReminder(pt.DebtorID, pt.SenderCreditorID, pt.TransferID, now); err != nil {
			return err
		}
		if err := insertSignal(tx, model.MsgPreparedTransfer, preparedTransferSignal(pt, now)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// BalanceChangeScanner garbage-collects registered balance changes that are
// older than the configured retention horizon. With no horizon configured
// the scanner is a no-op: collecting too eagerly would defeat the
// idempotence protection the archive exists for.
type BalanceChangeScanner struct {
	svc *Service
}

func NewBalanceChangeScanner(svc *Service) *BalanceChangeScanner {
	return &BalanceChangeScanner{svc: svc}
}

func (sc *BalanceChangeScanner) Run(ctx context.Context) error {
	period := sc.svc.cnf.Days(sc.svc.cnf.Policy.BalanceChangesScanDays)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := sc.scanOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.Errorf("balance change scanner pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (sc *BalanceChangeScanner) scanOnce(ctx context.Context) error {
	cutoff, err := sc.svc.cnf.Policy.ArchiveThresholdDate()
	if err != nil || cutoff.IsZero() {
		return err
	}
	batchSize := sc.svc.cnf.Policy.ScanBatchSize
	for {
		deleted, err := sc.svc.datasource.DeleteRegisteredBalanceChangesBefore(ctx, cutoff, batchSize)
		if err != nil {
			return err
		}
		if deleted < int64(batchSize) {
			return nil
		}
	}
}
