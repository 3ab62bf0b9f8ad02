package accounts

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// Chore message types, carried on the internal chores queue. The account
// scanner decides that a chore is due; the chore handler re-checks and
// performs it in its own serializable transaction.
const (
	ChoreCapitalizeInterest = "CapitalizeInterest"
	ChoreChangeInterestRate = "ChangeInterestRate"
	ChoreTryToDeleteAccount = "TryToDeleteAccount"
)

// ChoreMessage is the payload of every chore task.
type ChoreMessage struct {
	Type         string    `json:"type"`
	DebtorID     int64     `json:"debtor_id"`
	CreditorID   int64     `json:"creditor_id"`
	InterestRate float64   `json:"interest_rate,omitempty"`
	TS           time.Time `json:"ts"`
}

// CapitalizeInterest adds the interest accumulated on the account to the
// principal. Does nothing if not enough time has passed since the previous
// interest capitalization.
func (s *Service) CapitalizeInterest(ctx context.Context, debtorID, creditorID int64) error {
	ctx, span := tracer.Start(ctx, "Capitalize Interest")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.capitalizeInterest(ctx, debtorID, creditorID)
	})
	if err != nil {
		return logAndRecordError(span, "error capitalizing interest ", err)
	}
	return nil
}

func (s *Service) capitalizeInterest(ctx context.Context, debtorID, creditorID int64) error {
	now := time.Now().UTC()

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
	if account.IsDeleted() || account.IsRoot() {
		return nil
	}
	minInterval := s.cnf.Days(s.cnf.Policy.MinInterestCapitalizationDays)
	if now.Sub(account.LastInterestCapitalizationTS) < minInterval {
		return nil
	}

	moved := account.CapitalizeInterest(now)
	if moved == 0 {
		return nil
	}
	account.LastInterestCapitalizationTS = now

	// Interest payments come from/to the debtor's root account, but they
	// deliberately do not touch the root account's principal: interest is
	// where the conservation of principal is allowed to break.
	if err := s.emitAccountTransfer(tx, account, model.CoordinatorInterest, moved,
		model.RootCreditorID, "", "", now); err != nil {
		return err
	}

	account.BumpChange(now)
	if err := tx.UpdateAccount(account); err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ChangeInterestRate tries to change the interest rate on the account. The
// rate will not be changed if the request is too old, or not enough time
// has passed since the previous change in the interest rate.
func (s *Service) ChangeInterestRate(ctx context.Context, debtorID, creditorID int64, rate float64, ts time.Time) error {
	ctx, span := tracer.Start(ctx, "Change Interest Rate")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.changeInterestRate(ctx, debtorID, creditorID, rate, ts)
	})
	if err != nil {
		return logAndRecordError(span, "error changing interest rate ", err)
	}
	return nil
}

func (s *Service) changeInterestRate(ctx context.Context, debtorID, creditorID int64, rate float64, ts time.Time) error {
	now := time.Now().UTC()

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
	if account.IsDeleted() || account.IsRoot() {
		return nil
	}
	if now.Sub(ts) > s.cnf.Days(s.cnf.Policy.MessageMaxDelayDays) {
		logrus.Infof("ignoring stale interest rate change for account (%d, %d)", debtorID, creditorID)
		return nil
	}

	// Too frequent rate changes could allow interest rate manipulation:
	// the previous rate must have been in effect for long enough that all
	// in-flight messages carrying it have expired.
	established := account.StatusFlags&model.StatusEstablishedInterestRateFlag != 0
	if established && now.Sub(account.LastInterestRateChangeTS) < s.cnf.Days(s.cnf.Policy.MessageMaxDelayDays) {
		return nil
	}
	if established && account.InterestRate == rate {
		return nil
	}

	s.establishInterestRate(account, rate, now)
	account.BumpChange(now)
	if err := tx.UpdateAccount(account); err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}

// TryToDeleteAccount marks the account as deleted, if possible. A deleted
// account can still be resurrected by a delayed incoming transfer, so the
// deletion becomes final only when the purge scanner removes the record.
//
// Scheduled-for-deletion accounts whose principal is negligible but nonzero
// are first zeroed out with a transfer to/from the debtor's root account.
func (s *Service) TryToDeleteAccount(ctx context.Context, debtorID, creditorID int64) error {
	ctx, span := tracer.Start(ctx, "Try To Delete Account")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.tryToDeleteAccount(ctx, debtorID, creditorID)
	})
	if err != nil {
		return logAndRecordError(span, "error deleting account ", err)
	}
	return nil
}

func (s *Service) tryToDeleteAccount(ctx context.Context, debtorID, creditorID int64) error {
	now := time.Now().UTC()

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
	if account.IsDeleted() || account.IsRoot() {
		return nil
	}
	if !account.IsScheduledForDeletion() || account.PendingTransfersCount != 0 {
		return nil
	}
	if now.Sub(account.CreationDate) < s.cnf.Days(s.cnf.Policy.MinimumAccountLifetimeDays) {
		return nil
	}
	if !account.CanBeSafelyDeleted(now) {
		return nil
	}
	account.AccrueInterest(now)
	account.LastDeletionAttemptTS = now

	if account.Principal != 0 {
		if err := s.zeroOutPrincipal(tx, account, now); err != nil {
			return err
		}
	}
	account.Interest = 0
	account.StatusFlags |= model.StatusUnreachableFlag
	account.BumpChange(now)
	if err := tx.UpdateAccount(account); err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}

// zeroOutPrincipal moves the account's residual (negligible) principal
// to/from the debtor's root account, so that the account can be deleted
// with a zero balance.
func (s *Service) zeroOutPrincipal(tx database.ITx, account *model.Account, now time.Time) error {
	residual := account.Principal
	account.AddToPrincipal(-residual)

	if err := s.emitAccountTransfer(tx, account, model.CoordinatorDelete, -residual,
		model.RootCreditorID, "", "", now); err != nil {
		return err
	}

	changeID, err := tx.NextChangeID()
	if err != nil {
		return err
	}
	change := &model.PendingBalanceChange{
		Type:            model.MsgPendingBalanceChange,
		DebtorID:        account.DebtorID,
		CreditorID:      model.RootCreditorID,
		ChangeID:        changeID,
		CoordinatorType: model.CoordinatorDelete,
		CommittedAt:     now,
		PrincipalDelta:  residual,
		OtherCreditorID: account.CreditorID,
	}
	return insertSignal(tx, model.MsgPendingBalanceChange, change)
}
