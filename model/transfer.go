package model

import "time"

// Coordinator types used by transfers that the engine itself originates.
const (
	CoordinatorInterest = "interest"
	CoordinatorDelete   = "delete"
)

// PreparedTransfer is a guarantee that a particular transfer of funds will
// succeed if committed. The locked amount has been subtracted from the
// sender's available amount, and a record remains in the table until the
// transfer is committed or dismissed.
type PreparedTransfer struct {
	DebtorID             int64     `json:"debtor_id"`
	SenderCreditorID     int64     `json:"sender_creditor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	LockedAmount         int64     `json:"locked_amount"`
	RecipientCreditorID  int64     `json:"recipient_creditor_id"`
	MinInterestRate      float64   `json:"min_interest_rate"`
	DemurrageRate        float64   `json:"demurrage_rate"`
	Deadline             time.Time `json:"deadline"`
	PreparedAt           time.Time `json:"prepared_at"`
	LastReminderTS       time.Time `json:"last_reminder_ts"`
}

// Recipient returns the recipient's account identity string.
func (pt *PreparedTransfer) Recipient() string {
	return U64String(pt.RecipientCreditorID)
}

// RegisteredBalanceChange records that a particular committed transfer's
// effect on an account has already been applied, so that redelivered
// PendingBalanceChange messages can be recognized and skipped.
type RegisteredBalanceChange struct {
	DebtorID        int64     `json:"debtor_id"`
	OtherCreditorID int64     `json:"other_creditor_id"`
	ChangeID        int64     `json:"change_id"`
	CommittedAt     time.Time `json:"committed_at"`
}
