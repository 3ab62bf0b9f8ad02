package accounts

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// ProcessPendingBalanceChange applies a committed transfer's effect on an
// account owned by this shard. Redelivered messages are recognized through
// the registered-balance-change archive and acked without effect.
func (s *Service) ProcessPendingBalanceChange(ctx context.Context, msg *model.PendingBalanceChange) error {
	ctx, span := tracer.Start(ctx, "Apply Pending Balance Change")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.applyBalanceChange(ctx, msg)
	})
	if err != nil {
		return logAndRecordError(span, "error applying balance change ", err)
	}
	return nil
}

func (s *Service) applyBalanceChange(ctx context.Context, msg *model.PendingBalanceChange) error {
	now := time.Now().UTC()

	tx, err := s.datasource.BeginSerializableTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	registered, err := tx.IsBalanceChangeRegistered(msg.DebtorID, msg.OtherCreditorID, msg.ChangeID)
	if err != nil {
		return err
	}
	if registered {
		logrus.Infof("skipping redelivered balance change %d for account (%d, %d)",
			msg.ChangeID, msg.DebtorID, msg.CreditorID)
		return nil
	}
	err = tx.RegisterBalanceChange(&model.RegisteredBalanceChange{
		DebtorID:        msg.DebtorID,
		OtherCreditorID: msg.OtherCreditorID,
		ChangeID:        msg.ChangeID,
		CommittedAt:     msg.CommittedAt,
	})
	if err != nil {
		return err
	}

	account, err := tx.GetAccount(msg.DebtorID, msg.CreditorID)
	isNew := err == database.ErrNotFound
	if err != nil && !isNew {
		return err
	}
	if isNew {
		// An incoming transfer resurrects a purged account. The new record
		// gets a fresh creation date, starting a new transfer-number epoch.
		account = model.NewAccount(msg.DebtorID, msg.CreditorID, now, now)
	}
	// Incoming money also brings a deleted (not yet purged) account back.
	account.StatusFlags &^= model.StatusUnreachableFlag

	account.AccrueInterest(now)
	account.AddToPrincipal(msg.PrincipalDelta)

	if err := s.emitAccountTransfer(tx, account, msg.CoordinatorType, msg.PrincipalDelta,
		msg.OtherCreditorID, msg.TransferNoteFormat, msg.TransferNote, now); err != nil {
		return err
	}

	account.BumpChange(now)
	if isNew {
		err = tx.CreateAccount(account)
	} else {
		err = tx.UpdateAccount(account)
	}
	if err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}
