package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-accounts/model"
)

func configureMsg(debtorID, creditorID int64, ts time.Time, seqnum int32) *model.ConfigureAccount {
	return &model.ConfigureAccount{
		Type:             model.MsgConfigureAccount,
		DebtorID:         debtorID,
		CreditorID:       creditorID,
		TS:               ts,
		Seqnum:           seqnum,
		NegligibleAmount: 10,
	}
}

func prepareMsg(debtorID, creditorID int64, min, max int64, recipient string) *model.PrepareTransfer {
	return &model.PrepareTransfer{
		Type:                 model.MsgPrepareTransfer,
		DebtorID:             debtorID,
		CreditorID:           creditorID,
		CoordinatorType:      "direct",
		CoordinatorID:        9,
		CoordinatorRequestID: 1000,
		MinLockedAmount:      min,
		MaxLockedAmount:      max,
		Recipient:            recipient,
		TS:                   time.Now().UTC(),
	}
}

func finalizeMsg(debtorID, creditorID, transferID, amount int64) *model.FinalizeTransfer {
	return &model.FinalizeTransfer{
		Type:                 model.MsgFinalizeTransfer,
		DebtorID:             debtorID,
		CreditorID:           creditorID,
		TransferID:           transferID,
		CoordinatorType:      "direct",
		CoordinatorID:        9,
		CoordinatorRequestID: 1000,
		CommittedAmount:      amount,
		TS:                   time.Now().UTC(),
	}
}

// fundAccount creates an account and gives it the wanted principal.
func fundAccount(t *testing.T, svc *Service, store *memStore, debtorID, creditorID, principal int64) {
	t.Helper()
	require.NoError(t, svc.ProcessConfigureAccount(context.Background(),
		configureMsg(debtorID, creditorID, time.Now().UTC(), 0)))
	store.patchAccount(t, debtorID, creditorID, func(a *model.Account) {
		a.Principal = principal
	})
}

func TestConfigureAccountCreates(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	now := time.Now().UTC()

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), configureMsg(1, 2, now, 0)))

	var update model.AccountUpdate
	require.Equal(t, 1, store.signals(t, model.MsgAccountUpdate, &update))
	assert.Equal(t, int64(0), update.Principal)
	assert.Equal(t, model.DateOnly(now), update.CreationDate.Time())
	assert.Equal(t, "2", update.AccountID)
	assert.Equal(t, float64(10), update.NegligibleAmount)

	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, now.Truncate(24*time.Hour).Year(), account.CreationDate.Year())
	assert.Zero(t, account.Principal)
}

func TestConfigureAccountIdempotent(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	msg := configureMsg(1, 2, time.Now().UTC(), 0)

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), msg))
	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), msg))

	assert.Equal(t, 1, store.signals(t, model.MsgAccountUpdate, nil))
}

func TestConfigureAccountOutOfOrder(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	t0 := time.Now().UTC()

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), configureMsg(1, 2, t0, 5)))
	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, int32(5), account.LastConfigSeqnum)

	// An older seqnum with the same timestamp must be ignored.
	stale := configureMsg(1, 2, t0, 3)
	stale.NegligibleAmount = 9999
	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), stale))

	account = store.mustAccount(t, 1, 2)
	assert.Equal(t, int32(5), account.LastConfigSeqnum)
	assert.Equal(t, float64(10), account.NegligibleAmount)
	assert.Equal(t, 1, store.signals(t, model.MsgAccountUpdate, nil))
}

func TestConfigureAccountStaleForNonexistent(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	old := time.Now().UTC().Add(-15 * 24 * time.Hour)

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), configureMsg(1, 2, old, 0)))

	_, err := store.GetAccount(context.Background(), 1, 2)
	assert.Error(t, err)
	assert.Zero(t, store.signals(t, model.MsgAccountUpdate, nil))
}

func TestConfigureAccountRejectsNegativeNegligible(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	msg := configureMsg(1, 2, time.Now().UTC(), 0)
	msg.NegligibleAmount = -1

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), msg))

	var rejection model.RejectedConfig
	require.Equal(t, 1, store.signals(t, model.MsgRejectedConfig, &rejection))
	assert.Equal(t, model.RejectionInvalidNegligibleAmount, rejection.RejectionCode)
	assert.Zero(t, store.signals(t, model.MsgAccountUpdate, nil))
}

func TestConfigureRootAccountEstablishesRate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	msg := configureMsg(1, model.RootCreditorID, time.Now().UTC(), 0)
	msg.ConfigData = `{"type": "RootConfigData", "rate": 5.0}`

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), msg))

	root := store.mustAccount(t, 1, model.RootCreditorID)
	assert.Equal(t, 5.0, root.InterestRate)
	assert.NotZero(t, root.StatusFlags&model.StatusEstablishedInterestRateFlag)
}

func TestConfigureRootAccountRejectsBadRate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	msg := configureMsg(1, model.RootCreditorID, time.Now().UTC(), 0)
	msg.ConfigData = `{"type": "RootConfigData", "rate": 500.0}`

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), msg))

	var rejection model.RejectedConfig
	require.Equal(t, 1, store.signals(t, model.MsgRejectedConfig, &rejection))
	assert.Equal(t, model.RejectionInvalidRate, rejection.RejectionCode)
}

func TestPrepareTransferLocksAmount(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	fundAccount(t, svc, store, 1, 3, 0)

	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), prepareMsg(1, 2, 1, 40, "3")))

	var prepared model.PreparedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgPreparedTransfer, &prepared))
	assert.Equal(t, int64(40), prepared.LockedAmount)
	assert.Equal(t, "3", prepared.Recipient)
	assert.Equal(t, "direct", prepared.CoordinatorType)

	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, int64(40), account.TotalLockedAmount)
	assert.Equal(t, int32(1), account.PendingTransfersCount)
	assert.Equal(t, int64(100), account.Principal)
}

func TestPrepareTransferRejections(t *testing.T) {
	svc, store, fetch, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)

	cases := []struct {
		name string
		msg  *model.PrepareTransfer
		prep func()
		code string
	}{
		{
			name: "no sender",
			msg:  prepareMsg(1, 99, 1, 40, "3"),
			code: model.StatusNoSender,
		},
		{
			name: "same as sender",
			msg:  prepareMsg(1, 2, 1, 40, "2"),
			code: model.StatusRecipientSameAsSender,
		},
		{
			name: "bad amounts",
			msg:  prepareMsg(1, 2, 50, 40, "3"),
			code: model.StatusInvalidRequest,
		},
		{
			name: "bad recipient",
			msg:  prepareMsg(1, 2, 1, 40, "not-a-number"),
			code: model.StatusInvalidRequest,
		},
		{
			name: "insufficient",
			msg:  prepareMsg(1, 2, 500, 600, "3"),
			code: model.StatusInsufficientAvailableAmount,
		},
		{
			name: "unreachable recipient",
			msg:  prepareMsg(1, 2, 1, 40, "7"),
			prep: func() { fetch.statuses[[2]int64{1, 7}] = AccountStatusUnknown },
			code: model.StatusRecipientUnreachable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.prep != nil {
				tc.prep()
			}
			require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), tc.msg))
			var rejection model.RejectedTransfer
			store.signals(t, model.MsgRejectedTransfer, &rejection)
			assert.Equal(t, tc.code, rejection.StatusCode)
		})
	}

	// No locks must have been taken by any of the rejected requests.
	account := store.mustAccount(t, 1, 2)
	assert.Zero(t, account.TotalLockedAmount)
	assert.Zero(t, account.PendingTransfersCount)
}

func TestPrepareTransferZeroMinOnEmptyAccount(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 0)

	msg := prepareMsg(1, 2, 0, 40, "3")
	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), msg))

	var prepared model.PreparedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgPreparedTransfer, &prepared))
	assert.Equal(t, int64(0), prepared.LockedAmount)
}

func TestPrepareTransferSenderScheduledForDeletion(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	store.patchAccount(t, 1, 2, func(a *model.Account) {
		a.ConfigFlags |= model.ConfigScheduledForDeletionFlag
	})

	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), prepareMsg(1, 2, 1, 40, "3")))

	var rejection model.RejectedTransfer
	require.Equal(t, 1, store.signals(t, model.MsgRejectedTransfer, &rejection))
	assert.Equal(t, model.StatusSenderScheduledForDeletion, rejection.StatusCode)
}

// prepareOne runs a PrepareTransfer and returns the prepared transfer id.
func prepareOne(t *testing.T, svc *Service, store *memStore, max int64) int64 {
	t.Helper()
	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), prepareMsg(1, 2, 1, max, "3")))
	var prepared model.PreparedTransferSignal
	require.NotZero(t, store.signals(t, model.MsgPreparedTransfer, &prepared))
	return prepared.TransferID
}

func TestFinalizeTransferDismiss(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	transferID := prepareOne(t, svc, store, 40)

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalizeMsg(1, 2, transferID, 0)))

	var finalized model.FinalizedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, &finalized))
	assert.Equal(t, model.StatusOK, finalized.StatusCode)
	assert.Equal(t, int64(0), finalized.CommittedAmount)

	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, int64(100), account.Principal)
	assert.Zero(t, account.TotalLockedAmount)
	assert.Zero(t, account.PendingTransfersCount)
	assert.Zero(t, store.signals(t, model.MsgAccountTransfer, nil))
}

func TestFinalizeTransferCommit(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	fundAccount(t, svc, store, 1, 3, 0)
	transferID := prepareOne(t, svc, store, 40)

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalizeMsg(1, 2, transferID, 40)))

	var finalized model.FinalizedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, &finalized))
	assert.Equal(t, model.StatusOK, finalized.StatusCode)
	assert.Equal(t, int64(40), finalized.CommittedAmount)
	assert.Zero(t, finalized.TotalLockedAmount)

	sender := store.mustAccount(t, 1, 2)
	assert.Equal(t, int64(60), sender.Principal)
	assert.Zero(t, sender.TotalLockedAmount)
	assert.Zero(t, sender.PendingTransfersCount)

	// The sender's AccountTransfer is emitted synchronously.
	var senderTransfer model.AccountTransfer
	require.Equal(t, 1, store.signals(t, model.MsgAccountTransfer, &senderTransfer))
	assert.Equal(t, int64(-40), senderTransfer.AcquiredAmount)
	assert.Equal(t, int64(60), senderTransfer.Principal)
	assert.Equal(t, "2", senderTransfer.Sender)
	assert.Equal(t, "3", senderTransfer.Recipient)

	// The recipient's side arrives as a pending balance change.
	var change model.PendingBalanceChange
	require.Equal(t, 1, store.signals(t, model.MsgPendingBalanceChange, &change))
	assert.Equal(t, int64(40), change.PrincipalDelta)
	assert.Equal(t, int64(3), change.CreditorID)

	require.NoError(t, svc.ProcessPendingBalanceChange(context.Background(), &change))

	recipient := store.mustAccount(t, 1, 3)
	assert.Equal(t, int64(40), recipient.Principal)

	var recipientTransfer model.AccountTransfer
	require.Equal(t, 2, store.signals(t, model.MsgAccountTransfer, &recipientTransfer))
	assert.Equal(t, int64(40), recipientTransfer.AcquiredAmount)
	assert.Equal(t, "2", recipientTransfer.Sender)
	assert.Equal(t, "3", recipientTransfer.Recipient)

	// Conservation: the two principals still sum to the original total.
	assert.Equal(t, int64(100), sender.Principal+recipient.Principal)
}

func TestFinalizeTransferRedelivered(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	fundAccount(t, svc, store, 1, 3, 0)
	transferID := prepareOne(t, svc, store, 40)

	finalize := finalizeMsg(1, 2, transferID, 40)
	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalize))
	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalize))

	assert.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, nil))
	assert.Equal(t, 1, store.signals(t, model.MsgAccountTransfer, nil))
	assert.Equal(t, int64(60), store.mustAccount(t, 1, 2).Principal)
}

func TestBalanceChangeRedelivered(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 3, 0)

	change := &model.PendingBalanceChange{
		Type:            model.MsgPendingBalanceChange,
		DebtorID:        1,
		CreditorID:      3,
		ChangeID:        42,
		CoordinatorType: "direct",
		CommittedAt:     time.Now().UTC(),
		PrincipalDelta:  40,
		OtherCreditorID: 2,
	}
	require.NoError(t, svc.ProcessPendingBalanceChange(context.Background(), change))
	require.NoError(t, svc.ProcessPendingBalanceChange(context.Background(), change))

	assert.Equal(t, int64(40), store.mustAccount(t, 1, 3).Principal)
	assert.Equal(t, 1, store.signals(t, model.MsgAccountTransfer, nil))
}

func TestBalanceChangeResurrectsAccount(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	change := &model.PendingBalanceChange{
		Type:            model.MsgPendingBalanceChange,
		DebtorID:        1,
		CreditorID:      5,
		ChangeID:        7,
		CoordinatorType: "direct",
		CommittedAt:     time.Now().UTC(),
		PrincipalDelta:  25,
		OtherCreditorID: 2,
	}
	require.NoError(t, svc.ProcessPendingBalanceChange(context.Background(), change))

	account := store.mustAccount(t, 1, 5)
	assert.Equal(t, int64(25), account.Principal)
	assert.False(t, account.IsDeleted())
	assert.Equal(t, 1, store.signals(t, model.MsgAccountUpdate, nil))
}

func TestFinalizeTransferMismatchedCoordinator(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	transferID := prepareOne(t, svc, store, 40)

	finalize := finalizeMsg(1, 2, transferID, 40)
	finalize.CoordinatorID = 777
	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalize))

	assert.Zero(t, store.signals(t, model.MsgFinalizedTransfer, nil))
	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, int64(40), account.TotalLockedAmount)
}

func TestFinalizeTransferDemurrageSqueeze(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	store.patchAccount(t, 1, 2, func(a *model.Account) {
		a.InterestRate = -50.0
	})

	msg := prepareMsg(1, 2, 1, 100, "3")
	msg.MinInterestRate = -50.0
	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), msg))
	var prepared model.PreparedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgPreparedTransfer, &prepared))
	require.Equal(t, int64(100), prepared.LockedAmount)

	// Simulate 180 days passing between preparation and commit.
	then := time.Now().UTC().Add(-180 * 24 * time.Hour)
	store.patchTransfer(t, 1, 2, prepared.TransferID, func(pt *model.PreparedTransfer) {
		pt.PreparedAt = then
	})
	store.patchAccount(t, 1, 2, func(a *model.Account) {
		a.LastChangeTS = then
	})

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(),
		finalizeMsg(1, 2, prepared.TransferID, 100)))

	var finalized model.FinalizedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, &finalized))
	assert.Equal(t, model.StatusInsufficientAvailableAmount, finalized.StatusCode)
	assert.Equal(t, int64(0), finalized.CommittedAmount)

	account := store.mustAccount(t, 1, 2)
	assert.Zero(t, account.TotalLockedAmount)
	assert.Equal(t, int64(100), account.Principal)
}

func TestFinalizeTransferTimeout(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)
	transferID := prepareOne(t, svc, store, 40)

	store.patchTransfer(t, 1, 2, transferID, func(pt *model.PreparedTransfer) {
		pt.Deadline = time.Now().UTC().Add(-time.Hour)
	})

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalizeMsg(1, 2, transferID, 40)))

	var finalized model.FinalizedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, &finalized))
	assert.Equal(t, model.StatusTimeout, finalized.StatusCode)
	assert.Equal(t, int64(0), finalized.CommittedAmount)
	assert.Equal(t, int64(100), store.mustAccount(t, 1, 2).Principal)
}

func TestFinalizeTransferNewerInterestRate(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 100)

	msg := prepareMsg(1, 2, 1, 40, "3")
	msg.MinInterestRate = 0
	require.NoError(t, svc.ProcessPrepareTransfer(context.Background(), msg))
	var prepared model.PreparedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgPreparedTransfer, &prepared))

	// The interest rate dropped below the coordinator's tolerance.
	store.patchAccount(t, 1, 2, func(a *model.Account) {
		a.InterestRate = -10.0
	})

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(),
		finalizeMsg(1, 2, prepared.TransferID, 40)))

	var finalized model.FinalizedTransferSignal
	require.Equal(t, 1, store.signals(t, model.MsgFinalizedTransfer, &finalized))
	assert.Equal(t, model.StatusNewerInterestRate, finalized.StatusCode)
	assert.Equal(t, int64(0), finalized.CommittedAmount)
}

// Locked amounts and pending counts must track the live prepared transfers
// exactly, through any sequence of prepares and finalizations.
func TestLockAccountingInvariant(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fundAccount(t, svc, store, 1, 2, 1000)
	fundAccount(t, svc, store, 1, 3, 0)

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, prepareOne(t, svc, store, 100))
	}
	checkLockInvariant(t, store, 1, 2)

	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalizeMsg(1, 2, ids[0], 100)))
	require.NoError(t, svc.ProcessFinalizeTransfer(context.Background(), finalizeMsg(1, 2, ids[1], 0)))
	checkLockInvariant(t, store, 1, 2)

	account := store.mustAccount(t, 1, 2)
	assert.Equal(t, int64(300), account.TotalLockedAmount)
	assert.Equal(t, int32(3), account.PendingTransfersCount)
}

func checkLockInvariant(t *testing.T, store *memStore, debtorID, creditorID int64) {
	t.Helper()
	account := store.mustAccount(t, debtorID, creditorID)
	var sum int64
	var count int32
	store.mu.Lock()
	for key, pt := range store.transfers {
		if key[0] == debtorID && key[1] == creditorID {
			sum += pt.LockedAmount
			count++
		}
	}
	store.mu.Unlock()
	assert.Equal(t, sum, account.TotalLockedAmount)
	assert.Equal(t, count, account.PendingTransfersCount)
}

// The change version must strictly increase across every update.
func TestChangeVersionMonotonicity(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	now := time.Now().UTC()

	require.NoError(t, svc.ProcessConfigureAccount(context.Background(), configureMsg(1, 2, now, 0)))
	prev := store.mustAccount(t, 1, 2)

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, svc.ProcessConfigureAccount(context.Background(),
			configureMsg(1, 2, now.Add(time.Duration(i)*time.Second), i)))
		current := store.mustAccount(t, 1, 2)
		assert.True(t, model.IsNewerConfig(current.LastChangeTS, current.LastChangeSeqnum,
			prev.LastChangeTS, prev.LastChangeSeqnum))
		prev = current
	}
}
