package model

import (
	"math"
	"time"
)

// Account status flags.
const (
	// StatusUnreachableFlag marks an account that has been deleted and is
	// waiting to be purged. A deleted account can still be resurrected by a
	// delayed incoming transfer.
	StatusUnreachableFlag int32 = 1 << 0

	// StatusOverflownFlag is set when the principal had to be clamped to
	// the representable int64 range.
	StatusOverflownFlag int32 = 1 << 1

	// StatusEstablishedInterestRateFlag is set once an interest rate has
	// been explicitly established on the account, as opposed to the
	// default zero rate it was created with.
	StatusEstablishedInterestRateFlag int32 = 1 << 2
)

// Account configuration flags, set by the account owner.
const (
	ConfigScheduledForDeletionFlag int32 = 1 << 0
)

// Account tells who owes what to whom. The primary key is
// (DebtorID, CreditorID); CreditorID == RootCreditorID denotes the debtor's
// own account.
type Account struct {
	DebtorID                     int64     `json:"debtor_id"`
	CreditorID                   int64     `json:"creditor_id"`
	CreationDate                 time.Time `json:"creation_date"`
	LastChangeSeqnum             int32     `json:"last_change_seqnum"`
	LastChangeTS                 time.Time `json:"last_change_ts"`
	Principal                    int64     `json:"principal"`
	Interest                     float64   `json:"interest"`
	InterestRate                 float64   `json:"interest_rate"`
	PreviousInterestRate         float64   `json:"previous_interest_rate"`
	LastInterestRateChangeTS     time.Time `json:"last_interest_rate_change_ts"`
	LastInterestCapitalizationTS time.Time `json:"last_interest_capitalization_ts"`
	LastConfigTS                 time.Time `json:"last_config_ts"`
	LastConfigSeqnum             int32     `json:"last_config_seqnum"`
	NegligibleAmount             float64   `json:"negligible_amount"`
	ConfigFlags                  int32     `json:"config_flags"`
	ConfigData                   string    `json:"config_data"`
	StatusFlags                  int32     `json:"status_flags"`
	TotalLockedAmount            int64     `json:"total_locked_amount"`
	PendingTransfersCount        int32     `json:"pending_transfers_count"`
	LastTransferID               int64     `json:"last_transfer_id"`
	LastTransferNumber           int64     `json:"last_transfer_number"`
	LastTransferCommittedAt      time.Time `json:"last_transfer_committed_at"`
	LastOutgoingTransferDate     time.Time `json:"last_outgoing_transfer_date"`
	LastHeartbeatTS              time.Time `json:"last_heartbeat_ts"`
	LastDeletionAttemptTS        time.Time `json:"last_deletion_attempt_ts"`
	DebtorInfoIRI                string    `json:"debtor_info_iri"`
}

// NewAccount returns a freshly created account record for the given primary
// key. The initial transfer ID and transfer number carry the creation date
// in their high 24 bits, so that records from re-created accounts never
// collide with records from purged ones.
func NewAccount(debtorID, creditorID int64, creationDate, now time.Time) *Account {
	epoch := DateToInt24(creationDate) << 40
	return &Account{
		DebtorID:                     debtorID,
		CreditorID:                   creditorID,
		CreationDate:                 DateOnly(creationDate),
		LastChangeSeqnum:             1,
		LastChangeTS:                 now,
		NegligibleAmount:             2.0,
		LastConfigTS:                 BeginningOfTime,
		LastInterestRateChangeTS:     BeginningOfTime,
		LastInterestCapitalizationTS: BeginningOfTime,
		LastTransferCommittedAt:      BeginningOfTime,
		LastOutgoingTransferDate:     DateOnly(BeginningOfTime),
		LastHeartbeatTS:              now,
		LastDeletionAttemptTS:        BeginningOfTime,
		LastTransferID:               epoch,
		LastTransferNumber:           epoch,
	}
}

// IsRoot reports whether this is the debtor's own account.
func (a *Account) IsRoot() bool {
	return a.CreditorID == RootCreditorID
}

// IsDeleted reports whether the account has been marked as deleted and is
// waiting to be purged.
func (a *Account) IsDeleted() bool {
	return a.StatusFlags&StatusUnreachableFlag != 0
}

// IsScheduledForDeletion reports whether the owner has scheduled the account
// for deletion.
func (a *Account) IsScheduledForDeletion() bool {
	return a.ConfigFlags&ConfigScheduledForDeletionFlag != 0
}

// AccountID returns the globally meaningful identity of the account, or the
// empty string for deleted accounts.
func (a *Account) AccountID() string {
	if a.IsDeleted() {
		return ""
	}
	return U64String(a.CreditorID)
}

// AvailableAmount returns the amount that is available for new transfer
// locks: the principal plus the accrued interest, minus everything already
// locked. The computation saturates instead of overflowing.
func (a *Account) AvailableAmount(now time.Time) int64 {
	total, _ := ContainPrincipal(float64(a.Principal) + a.CalcCurrentInterest(now))
	avl, _ := AddSat(total, -a.TotalLockedAmount)
	return avl
}

// CalcCurrentInterest returns the interest accrued on the account up to the
// given moment, including the part not yet reflected in the Interest field.
// The debtor earns no interest on itself: root accounts never accrue.
func (a *Account) CalcCurrentInterest(now time.Time) float64 {
	if a.IsRoot() {
		return a.Interest
	}
	return a.Interest + CalcAccumulatedInterest(a.Principal, a.Interest, a.InterestRate, a.LastChangeTS, now)
}

// IsNegligible reports whether the absolute value of the given amount does
// not exceed the account's negligible amount.
func (a *Account) IsNegligible(amount int64) bool {
	return math.Abs(float64(amount)) <= a.NegligibleAmount
}

// CanBeSafelyDeleted reports whether the remaining worth of the account is
// small enough for deletion. The negligible amount is floored at 2.0 here,
// so that accounts configured with a zero threshold can still go away once
// their worth rounds to nothing.
func (a *Account) CanBeSafelyDeleted(now time.Time) bool {
	if a.IsRoot() {
		return false
	}
	limit := math.Max(2.0, a.NegligibleAmount)
	worth := math.Abs(float64(a.Principal)) + math.Abs(a.CalcCurrentInterest(now))
	return worth <= limit
}

// AccrueInterest folds the interest accumulated since the last change into
// the Interest field and advances the accrual baseline. Every flow that is
// about to mutate the account must call this first, so that the interest
// accrued under the old state is not lost when the baseline moves.
func (a *Account) AccrueInterest(now time.Time) {
	if !a.IsRoot() {
		a.Interest += CalcAccumulatedInterest(a.Principal, a.Interest, a.InterestRate, a.LastChangeTS, now)
	}
	if now.After(a.LastChangeTS) {
		a.LastChangeTS = now
	}
}

// BumpChange advances the account's change version: the timestamp never
// decreases, and the seqnum wraps with 32-bit arithmetic.
func (a *Account) BumpChange(now time.Time) {
	if now.After(a.LastChangeTS) {
		a.LastChangeTS = now
	}
	a.LastChangeSeqnum = IncrementSeqnum(a.LastChangeSeqnum)
}

// AddToPrincipal applies a signed delta to the principal, saturating at the
// int64 bounds and raising the overflown status flag if clamping happened.
func (a *Account) AddToPrincipal(delta int64) {
	principal, overflown := AddSat(a.Principal, delta)
	a.Principal = principal
	if overflown {
		a.StatusFlags |= StatusOverflownFlag
	}
}

// CapitalizeInterest moves the accrued interest into the principal, up to
// the given moment. The moved amount is returned; zero means there was
// nothing worth capitalizing. Interest gathered on a root account is
// discarded instead: the debtor cannot owe interest to itself.
func (a *Account) CapitalizeInterest(now time.Time) int64 {
	if a.IsRoot() {
		a.Interest = 0
		return 0
	}
	accumulated := a.CalcCurrentInterest(now)
	amount, _ := ContainPrincipal(accumulated)
	if amount == 0 {
		return 0
	}
	a.AddToPrincipal(amount)
	a.Interest = accumulated - float64(amount)
	return amount
}
