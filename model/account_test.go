package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAccount(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := NewAccount(1, 2, now, now)

	assert.Equal(t, int64(1), a.DebtorID)
	assert.Equal(t, int64(2), a.CreditorID)
	assert.Equal(t, DateOnly(now), a.CreationDate)
	assert.Equal(t, int32(1), a.LastChangeSeqnum)
	assert.Zero(t, a.Principal)
	assert.Zero(t, a.TotalLockedAmount)
	assert.Zero(t, a.PendingTransfersCount)

	// The creation date epoch sits in the high 24 bits of the initial
	// transfer IDs.
	epoch := DateToInt24(now) << 40
	assert.Equal(t, epoch, a.LastTransferID)
	assert.Equal(t, epoch, a.LastTransferNumber)
}

func TestAccountFlags(t *testing.T) {
	a := &Account{DebtorID: 1, CreditorID: 2}
	assert.False(t, a.IsRoot())
	assert.False(t, a.IsDeleted())
	assert.False(t, a.IsScheduledForDeletion())
	assert.Equal(t, "2", a.AccountID())

	a.StatusFlags |= StatusUnreachableFlag
	assert.True(t, a.IsDeleted())
	assert.Equal(t, "", a.AccountID())

	a.ConfigFlags |= ConfigScheduledForDeletionFlag
	assert.True(t, a.IsScheduledForDeletion())

	root := &Account{DebtorID: 1, CreditorID: RootCreditorID}
	assert.True(t, root.IsRoot())
}

func TestAvailableAmount(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Account{
		Principal:         100,
		Interest:          5.9,
		TotalLockedAmount: 40,
		LastChangeTS:      now,
	}
	assert.Equal(t, int64(65), a.AvailableAmount(now))
}

func TestBumpChange(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Account{LastChangeTS: t0, LastChangeSeqnum: 5}

	a.BumpChange(t0.Add(time.Second))
	assert.Equal(t, t0.Add(time.Second), a.LastChangeTS)
	assert.Equal(t, int32(6), a.LastChangeSeqnum)

	// The timestamp never decreases, but the seqnum still advances.
	a.BumpChange(t0.Add(-time.Hour))
	assert.Equal(t, t0.Add(time.Second), a.LastChangeTS)
	assert.Equal(t, int32(7), a.LastChangeSeqnum)
}

func TestAddToPrincipalOverflow(t *testing.T) {
	a := &Account{Principal: MaxInt64 - 1}
	a.AddToPrincipal(10)
	assert.Equal(t, int64(MaxInt64), a.Principal)
	assert.NotZero(t, a.StatusFlags&StatusOverflownFlag)
}

func TestCapitalizeInterest(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Account{DebtorID: 1, CreditorID: 2, Principal: 1000, Interest: 12.75, LastChangeTS: now}

	moved := a.CapitalizeInterest(now)
	assert.Equal(t, int64(12), moved)
	assert.Equal(t, int64(1012), a.Principal)
	assert.InDelta(t, 0.75, a.Interest, 1e-9)

	// Nothing to capitalize the second time around.
	assert.Zero(t, a.CapitalizeInterest(now))
}

func TestRootAccountDiscardsInterestOnSelf(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	oneYearLater := t0.Add(365 * 24 * time.Hour)
	root := &Account{
		DebtorID:     1,
		CreditorID:   RootCreditorID,
		Principal:    1000,
		Interest:     50,
		InterestRate: 10.0,
		LastChangeTS: t0,
	}

	// The debtor earns no interest on itself, no matter how much time
	// passes.
	assert.Equal(t, 50.0, root.CalcCurrentInterest(oneYearLater))
	root.AccrueInterest(oneYearLater)
	assert.Equal(t, 50.0, root.Interest)

	// Capitalizing discards the gathered interest instead of moving it
	// into the principal.
	moved := root.CapitalizeInterest(oneYearLater)
	assert.Zero(t, moved)
	assert.Equal(t, int64(1000), root.Principal)
	assert.Zero(t, root.Interest)
}

func TestCanBeSafelyDeleted(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := &Account{DebtorID: 1, CreditorID: 2, Principal: 1, NegligibleAmount: 10, LastChangeTS: now}
	assert.True(t, a.CanBeSafelyDeleted(now))

	a.Principal = 100
	assert.False(t, a.CanBeSafelyDeleted(now))

	// The deletion threshold is floored at 2.0.
	a.Principal = 1
	a.NegligibleAmount = 0
	assert.True(t, a.CanBeSafelyDeleted(now))

	root := &Account{DebtorID: 1, CreditorID: RootCreditorID, LastChangeTS: now}
	assert.False(t, root.CanBeSafelyDeleted(now))
}

func TestIsNegligible(t *testing.T) {
	a := &Account{NegligibleAmount: 10}
	assert.True(t, a.IsNegligible(10))
	assert.True(t, a.IsNegligible(-10))
	assert.False(t, a.IsNegligible(11))
}
