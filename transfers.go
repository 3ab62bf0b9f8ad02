package accounts

import (
	"context"
	"time"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// ProcessPrepareTransfer handles an incoming PrepareTransfer message: it
// tries to secure an amount on the sender's account, responding with either
// a PreparedTransfer or a RejectedTransfer message.
func (s *Service) ProcessPrepareTransfer(ctx context.Context, msg *model.PrepareTransfer) error {
	ctx, span := tracer.Start(ctx, "Prepare Transfer")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.prepareTransfer(ctx, msg)
	})
	if err != nil {
		return logAndRecordError(span, "error preparing transfer ", err)
	}
	return nil
}

func (s *Service) prepareTransfer(ctx context.Context, msg *model.PrepareTransfer) error {
	now := time.Now().UTC()

	tx, err := s.datasource.BeginSerializableTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	reject := func(code string, totalLocked int64) error {
		rejection := &model.RejectedTransfer{
			Type:                 model.MsgRejectedTransfer,
			DebtorID:             msg.DebtorID,
			CreditorID:           msg.CreditorID,
			CoordinatorType:      msg.CoordinatorType,
			CoordinatorID:        msg.CoordinatorID,
			CoordinatorRequestID: msg.CoordinatorRequestID,
			StatusCode:           code,
			TotalLockedAmount:    totalLocked,
			TS:                   now,
		}
		if err := insertSignal(tx, model.MsgRejectedTransfer, rejection); err != nil {
			return err
		}
		return tx.Commit()
	}

	recipientCreditorID, err := model.ParseU64String(msg.Recipient)
	if err != nil || msg.MinLockedAmount < 0 || msg.MaxLockedAmount < msg.MinLockedAmount || msg.MaxCommitDelay < 0 {
		return reject(model.StatusInvalidRequest, 0)
	}
	if recipientCreditorID == msg.CreditorID {
		return reject(model.StatusRecipientSameAsSender, 0)
	}

	account, err := tx.GetAccount(msg.DebtorID, msg.CreditorID)
	if err == database.ErrNotFound {
		return reject(model.StatusNoSender, 0)
	}
	if err != nil {
		return err
	}
	if account.IsDeleted() {
		return reject(model.StatusNoSender, account.TotalLockedAmount)
	}
	if account.IsScheduledForDeletion() {
		return reject(model.StatusSenderScheduledForDeletion, account.TotalLockedAmount)
	}
	account.AccrueInterest(now)

	// Secure as much as possible of the requested range.
	available, _ := model.AddSat(account.AvailableAmount(now), -msg.MinAccountBalance)
	lockedAmount := msg.MaxLockedAmount
	if available < lockedAmount {
		lockedAmount = available
	}
	if lockedAmount < 0 {
		lockedAmount = 0
	}
	if lockedAmount < msg.MinLockedAmount {
		return reject(model.StatusInsufficientAvailableAmount, account.TotalLockedAmount)
	}

	// A recipient whose status cannot be established counts as unreachable:
	// the coordinator gets an explicit rejection, never a silent pass.
	status, err := s.fetch.FetchAccountStatus(ctx, msg.DebtorID, recipientCreditorID)
	if err != nil || status != AccountStatusReachable {
		return reject(model.StatusRecipientUnreachable, account.TotalLockedAmount)
	}

	// The commit deadline counts from the coordinator's request time, not
	// from the moment the request got through the message bus. A zero
	// max_commit_delay means "no constraint beyond the commit period".
	deadline := msg.TS.Add(s.cnf.Days(s.cnf.Policy.PreparedTransferMaxDelayDays))
	if msg.MaxCommitDelay > 0 {
		requested := msg.TS.Add(time.Duration(msg.MaxCommitDelay) * time.Second)
		if requested.Before(deadline) {
			deadline = requested
		}
	}

	account.LastTransferID++
	pt := &model.PreparedTransfer{
		DebtorID:             msg.DebtorID,
		SenderCreditorID:     msg.CreditorID,
		TransferID:           account.LastTransferID,
		CoordinatorType:      msg.CoordinatorType,
		CoordinatorID:        msg.CoordinatorID,
		CoordinatorRequestID: msg.CoordinatorRequestID,
		LockedAmount:         lockedAmount,
		RecipientCreditorID:  recipientCreditorID,
		MinInterestRate:      msg.MinInterestRate,
		DemurrageRate:        s.cnf.Policy.DemurrageRate,
		Deadline:             deadline,
		PreparedAt:           now,
		LastReminderTS:       model.BeginningOfTime,
	}
	if err := tx.CreatePreparedTransfer(pt); err != nil {
		return err
	}

	account.TotalLockedAmount += lockedAmount
	account.PendingTransfersCount++
	account.BumpChange(now)
	if err := tx.UpdateAccount(account); err != nil {
		return err
	}

	if err := insertSignal(tx, model.MsgPreparedTransfer, preparedTransferSignal(pt, now)); err != nil {
		return err
	}
	return tx.Commit()
}

func preparedTransferSignal(pt *model.PreparedTransfer, now time.Time) *model.PreparedTransferSignal {
	return &model.PreparedTransferSignal{
		Type:                 model.MsgPreparedTransfer,
		DebtorID:             pt.DebtorID,
		CreditorID:           pt.SenderCreditorID,
		TransferID:           pt.TransferID,
		CoordinatorType:      pt.CoordinatorType,
		CoordinatorID:        pt.CoordinatorID,
		CoordinatorRequestID: pt.CoordinatorRequestID,
		LockedAmount:         pt.LockedAmount,
		Recipient:            pt.Recipient(),
		PreparedAt:           pt.PreparedAt,
		DemurrageRate:        pt.DemurrageRate,
		Deadline:             pt.Deadline,
		MinInterestRate:      pt.MinInterestRate,
		TS:                   now,
	}
}

// ProcessFinalizeTransfer handles an incoming FinalizeTransfer message: it
// commits or dismisses a prepared transfer, releasing the sender's lock in
// either case.
func (s *Service) ProcessFinalizeTransfer(ctx context.Context, msg *model.FinalizeTransfer) error {
	ctx, span := tracer.Start(ctx, "Finalize Transfer")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.finalizeTransfer(ctx, msg)
	})
	if err != nil {
		return logAndRecordError(span, "error finalizing transfer ", err)
	}
	return nil
}

func (s *Service) finalizeTransfer(ctx context.Context, msg *model.FinalizeTransfer) error {
	now := time.Now().UTC()

	tx, err := s.datasource.BeginSerializableTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	pt, err := tx.GetPreparedTransfer(msg.DebtorID, msg.CreditorID, msg.TransferID)
	if err == database.ErrNotFound {
		// Either the transfer never existed, or it has been finalized
		// already and this is a redelivery. Both are acked silently.
		return nil
	}
	if err != nil {
		return err
	}
	if pt.CoordinatorType != msg.CoordinatorType ||
		pt.CoordinatorID != msg.CoordinatorID ||
		pt.CoordinatorRequestID != msg.CoordinatorRequestID {
		return nil
	}

	account, err := tx.GetAccount(msg.DebtorID, msg.CreditorID)
	if err != nil {
		return err
	}
	account.AccrueInterest(now)

	statusCode := model.StatusOK
	committedAmount := msg.CommittedAmount
	if committedAmount > pt.LockedAmount {
		committedAmount = pt.LockedAmount
	}
	if committedAmount > 0 {
		switch {
		case msg.TS.After(pt.Deadline):
			statusCode = model.StatusTimeout
			committedAmount = 0
		case account.InterestRate < pt.MinInterestRate:
			statusCode = model.StatusNewerInterestRate
			committedAmount = 0
		case committedAmount > s.committableAmount(account, pt, now):
			statusCode = model.StatusInsufficientAvailableAmount
			committedAmount = 0
		}
	}

	if err := tx.DeletePreparedTransfer(pt.DebtorID, pt.SenderCreditorID, pt.TransferID); err != nil {
		return err
	}
	account.TotalLockedAmount -= pt.LockedAmount
	if account.TotalLockedAmount < 0 {
		account.TotalLockedAmount = 0
	}
	account.PendingTransfersCount--

	if committedAmount > 0 {
		if err := s.commitTransfer(tx, account, pt, msg, committedAmount, now); err != nil {
			return err
		}
	}

	account.BumpChange(now)
	if err := tx.UpdateAccount(account); err != nil {
		return err
	}

	finalized := &model.FinalizedTransferSignal{
		Type:                 model.MsgFinalizedTransfer,
		DebtorID:             pt.DebtorID,
		CreditorID:           pt.SenderCreditorID,
		TransferID:           pt.TransferID,
		CoordinatorType:      pt.CoordinatorType,
		CoordinatorID:        pt.CoordinatorID,
		CoordinatorRequestID: pt.CoordinatorRequestID,
		PreparedAt:           pt.PreparedAt,
		CommittedAmount:      committedAmount,
		TotalLockedAmount:    account.TotalLockedAmount,
		StatusCode:           statusCode,
		TS:                   now,
	}
	if err := insertSignal(tx, model.MsgFinalizedTransfer, finalized); err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}

// committableAmount is the most that can still be committed for a prepared
// transfer: what the sender has beyond all of its locked amounts, plus this
// transfer's lock counted at its demurrage-adjusted worth.
func (s *Service) committableAmount(account *model.Account, pt *model.PreparedTransfer, now time.Time) int64 {
	limit := model.CalcDemurrageLimit(pt.LockedAmount, pt.DemurrageRate, pt.PreparedAt, now)
	expendable, _ := model.AddSat(account.AvailableAmount(now), limit)
	return expendable
}

// commitTransfer applies the committed amount to the sender's side and
// queues the recipient's side as a pending balance change.
func (s *Service) commitTransfer(tx database.ITx, account *model.Account, pt *model.PreparedTransfer, msg *model.FinalizeTransfer, committedAmount int64, now time.Time) error {
	account.AddToPrincipal(-committedAmount)
	if pt.CoordinatorType != model.CoordinatorInterest {
		account.LastOutgoingTransferDate = model.DateOnly(now)
	}

	// The sender's own AccountTransfer record.
	if err := s.emitAccountTransfer(tx, account, pt.CoordinatorType, -committedAmount,
		pt.RecipientCreditorID, msg.TransferNoteFormat, msg.TransferNote, now); err != nil {
		return err
	}

	// The recipient's side is applied asynchronously, and idempotently, by
	// whichever shard owns the recipient's account.
	changeID, err := tx.NextChangeID()
	if err != nil {
		return err
	}
	change := &model.PendingBalanceChange{
		Type:               model.MsgPendingBalanceChange,
		DebtorID:           pt.DebtorID,
		CreditorID:         pt.RecipientCreditorID,
		ChangeID:           changeID,
		CoordinatorType:    pt.CoordinatorType,
		TransferNoteFormat: msg.TransferNoteFormat,
		TransferNote:       msg.TransferNote,
		CommittedAt:        now,
		PrincipalDelta:     committedAmount,
		OtherCreditorID:    pt.SenderCreditorID,
	}
	return insertSignal(tx, model.MsgPendingBalanceChange, change)
}

// emitAccountTransfer allocates the account's next transfer number and
// inserts an AccountTransfer message into the outbox. A negative acquired
// amount means the account is the sender.
func (s *Service) emitAccountTransfer(tx database.ITx, account *model.Account, coordinatorType string, acquiredAmount int64, otherCreditorID int64, noteFormat, note string, now time.Time) error {
	previousTransferNumber := account.LastTransferNumber
	account.LastTransferNumber++
	account.LastTransferCommittedAt = now

	var flags int32
	if acquiredAmount >= 0 && account.IsNegligible(acquiredAmount) {
		flags |= model.TransferFlagIsNegligible
	}
	sender, recipient := account.CreditorID, otherCreditorID
	if acquiredAmount >= 0 {
		sender, recipient = otherCreditorID, account.CreditorID
	}

	transfer := &model.AccountTransfer{
		Type:                   model.MsgAccountTransfer,
		DebtorID:               account.DebtorID,
		CreditorID:             account.CreditorID,
		CreationDate:           model.Date(account.CreationDate),
		TransferNumber:         account.LastTransferNumber,
		CoordinatorType:        coordinatorType,
		CommittedAt:            now,
		AcquiredAmount:         acquiredAmount,
		TransferNoteFormat:     noteFormat,
		TransferNote:           note,
		TransferFlags:          flags,
		Principal:              account.Principal,
		PreviousTransferNumber: previousTransferNumber,
		Sender:                 model.U64String(sender),
		Recipient:              model.U64String(recipient),
		TS:                     now,
	}
	return insertSignal(tx, model.MsgAccountTransfer, transfer)
}
