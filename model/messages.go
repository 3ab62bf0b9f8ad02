package model

import (
	"encoding/json"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Message type names, as carried in the "type" field of every message.
const (
	MsgConfigureAccount     = "ConfigureAccount"
	MsgPrepareTransfer      = "PrepareTransfer"
	MsgFinalizeTransfer     = "FinalizeTransfer"
	MsgPendingBalanceChange = "PendingBalanceChange"
	MsgRejectedConfig       = "RejectedConfig"
	MsgRejectedTransfer     = "RejectedTransfer"
	MsgPreparedTransfer     = "PreparedTransfer"
	MsgFinalizedTransfer    = "FinalizedTransfer"
	MsgAccountUpdate        = "AccountUpdate"
	MsgAccountPurge         = "AccountPurge"
	MsgAccountTransfer      = "AccountTransfer"
)

// Broker exchanges that outgoing messages are published to.
const (
	ExchangeToCreditors    = "to_creditors"
	ExchangeToDebtors      = "to_debtors"
	ExchangeToCoordinators = "to_coordinators"
	ExchangeAccountsIn     = "accounts_in"
)

// Status codes for rejected and finalized transfers.
const (
	StatusOK                          = "OK"
	StatusTimeout                     = "TIMEOUT"
	StatusInvalidRequest              = "INVALID_REQUEST"
	StatusNoSender                    = "NO_SENDER"
	StatusSenderScheduledForDeletion  = "SENDER_SCHEDULED_FOR_DELETION"
	StatusRecipientUnreachable        = "RECIPIENT_UNREACHABLE"
	StatusRecipientSameAsSender       = "RECIPIENT_SAME_AS_SENDER"
	StatusInsufficientAvailableAmount = "INSUFFICIENT_AVAILABLE_AMOUNT"
	StatusNewerInterestRate           = "NEWER_INTEREST_RATE"
)

// Rejection codes for RejectedConfig messages.
const (
	RejectionInvalidConfig           = "INVALID_CONFIG"
	RejectionInvalidNegligibleAmount = "INVALID_NEGLIGIBLE_AMOUNT"
	RejectionInvalidRate             = "INVALID_RATE"
)

// TransferFlagIsNegligible tags an AccountTransfer whose acquired amount is
// not bigger than the negligible amount configured for the account. It is
// set only on incoming (non-negative) amounts.
const TransferFlagIsNegligible int32 = 1 << 0

var (
	coordinatorTypeRx    = regexp.MustCompile(`^[0-9a-z_]{1,30}$`)
	transferNoteFormatRx = regexp.MustCompile(`^[0-9A-Za-z.-]{0,8}$`)
)

// Date marshals as a plain "YYYY-MM-DD" calendar date.
type Date time.Time

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(d).UTC().Format("2006-01-02"))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return err
	}
	*d = Date(t)
	return nil
}

// Time returns the underlying timestamp (midnight UTC).
func (d Date) Time() time.Time {
	return time.Time(d)
}

// ConfigureAccount is an incoming request to change the configuration of an
// account, or to create the account when it does not exist yet.
type ConfigureAccount struct {
	Type             string    `json:"type"`
	DebtorID         int64     `json:"debtor_id"`
	CreditorID       int64     `json:"creditor_id"`
	TS               time.Time `json:"ts"`
	Seqnum           int32     `json:"seqnum"`
	NegligibleAmount float64   `json:"negligible_amount"`
	ConfigFlags      int32     `json:"config_flags"`
	ConfigData       string    `json:"config_data"`
}

func (m *ConfigureAccount) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Type, validation.Required, validation.In(MsgConfigureAccount)),
		validation.Field(&m.TS, validation.Required),
		validation.Field(&m.ConfigData, validation.Length(0, ConfigDataMaxBytes)),
	)
}

// PrepareTransfer is an incoming request to secure some amount on the
// sender's account for a future transfer.
type PrepareTransfer struct {
	Type                 string    `json:"type"`
	DebtorID             int64     `json:"debtor_id"`
	CreditorID           int64     `json:"creditor_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	MinLockedAmount      int64     `json:"min_locked_amount"`
	MaxLockedAmount      int64     `json:"max_locked_amount"`
	Recipient            string    `json:"recipient"`
	MinInterestRate      float64   `json:"min_interest_rate"`
	MinAccountBalance    int64     `json:"min_account_balance"`
	MaxCommitDelay       int32     `json:"max_commit_delay"`
	TS                   time.Time `json:"ts"`
}

func (m *PrepareTransfer) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Type, validation.Required, validation.In(MsgPrepareTransfer)),
		validation.Field(&m.CoordinatorType, validation.Required, validation.Match(coordinatorTypeRx)),
		validation.Field(&m.Recipient, validation.Required),
		validation.Field(&m.TS, validation.Required),
	)
}

// FinalizeTransfer is an incoming request to commit or dismiss a prepared
// transfer. A zero committed amount dismisses the transfer.
type FinalizeTransfer struct {
	Type                 string    `json:"type"`
	DebtorID             int64     `json:"debtor_id"`
	CreditorID           int64     `json:"creditor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	CommittedAmount      int64     `json:"committed_amount"`
	TransferNoteFormat   string    `json:"transfer_note_format"`
	TransferNote         string    `json:"transfer_note"`
	FinalizationFlags    int32     `json:"finalization_flags"`
	TS                   time.Time `json:"ts"`
}

func (m *FinalizeTransfer) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Type, validation.Required, validation.In(MsgFinalizeTransfer)),
		validation.Field(&m.CoordinatorType, validation.Required, validation.Match(coordinatorTypeRx)),
		validation.Field(&m.CommittedAmount, validation.Min(int64(0))),
		validation.Field(&m.TransferNoteFormat, validation.Match(transferNoteFormatRx)),
		validation.Field(&m.TransferNote, validation.Length(0, TransferNoteMaxBytes)),
		validation.Field(&m.TS, validation.Required),
	)
}

// PendingBalanceChange tells the recipient's shard that a committed transfer
// must be reflected on the recipient's account. The engine posts it to
// itself through the accounts_in exchange, and applies it idempotently.
type PendingBalanceChange struct {
	Type               string    `json:"type"`
	DebtorID           int64     `json:"debtor_id"`
	CreditorID         int64     `json:"creditor_id"`
	ChangeID           int64     `json:"change_id"`
	CoordinatorType    string    `json:"coordinator_type"`
	TransferNoteFormat string    `json:"transfer_note_format"`
	TransferNote       string    `json:"transfer_note"`
	CommittedAt        time.Time `json:"committed_at"`
	PrincipalDelta     int64     `json:"principal_delta"`
	OtherCreditorID    int64     `json:"other_creditor_id"`
}

func (m *PendingBalanceChange) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Type, validation.Required, validation.In(MsgPendingBalanceChange)),
		validation.Field(&m.ChangeID, validation.Required),
		validation.Field(&m.CoordinatorType, validation.Required, validation.Match(coordinatorTypeRx)),
		validation.Field(&m.CommittedAt, validation.Required),
	)
}

func (m *PendingBalanceChange) Exchange() string { return ExchangeAccountsIn }
func (m *PendingBalanceChange) RoutingKey() string {
	return CalcBinRoutingKey(m.DebtorID, m.CreditorID)
}

// RejectedConfig notifies the account owner that a ConfigureAccount request
// could not be applied.
type RejectedConfig struct {
	Type             string    `json:"type"`
	DebtorID         int64     `json:"debtor_id"`
	CreditorID       int64     `json:"creditor_id"`
	ConfigTS         time.Time `json:"config_ts"`
	ConfigSeqnum     int32     `json:"config_seqnum"`
	NegligibleAmount float64   `json:"negligible_amount"`
	ConfigData       string    `json:"config_data"`
	ConfigFlags      int32     `json:"config_flags"`
	RejectionCode    string    `json:"rejection_code"`
	TS               time.Time `json:"ts"`
}

func (m *RejectedConfig) Exchange() string   { return creditorsOrDebtors(m.CreditorID) }
func (m *RejectedConfig) RoutingKey() string { return ownerRoutingKey(m.DebtorID, m.CreditorID) }

// RejectedTransfer notifies the coordinator that a PrepareTransfer request
// has been rejected.
type RejectedTransfer struct {
	Type                 string    `json:"type"`
	DebtorID             int64     `json:"debtor_id"`
	CreditorID           int64     `json:"creditor_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	StatusCode           string    `json:"status_code"`
	TotalLockedAmount    int64     `json:"total_locked_amount"`
	TS                   time.Time `json:"ts"`
}

func (m *RejectedTransfer) Exchange() string   { return ExchangeToCoordinators }
func (m *RejectedTransfer) RoutingKey() string { return I64ToHexRoutingKey(m.CoordinatorID) }

// PreparedTransferSignal notifies the coordinator that an amount has been
// successfully secured for the transfer.
type PreparedTransferSignal struct {
	Type                 string    `json:"type"`
	DebtorID             int64     `json:"debtor_id"`
	CreditorID           int64     `json:"creditor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	LockedAmount         int64     `json:"locked_amount"`
	Recipient            string    `json:"recipient"`
	PreparedAt           time.Time `json:"prepared_at"`
	DemurrageRate        float64   `json:"demurrage_rate"`
	Deadline             time.Time `json:"deadline"`
	MinInterestRate      float64   `json:"min_interest_rate"`
	TS                   time.Time `json:"ts"`
}

func (m *PreparedTransferSignal) Exchange() string   { return ExchangeToCoordinators }
func (m *PreparedTransferSignal) RoutingKey() string { return I64ToHexRoutingKey(m.CoordinatorID) }

// FinalizedTransferSignal notifies the coordinator about the outcome of a
// FinalizeTransfer request.
type FinalizedTransferSignal struct {
	Type                 string    `json:"type"`
	DebtorID             int64     `json:"debtor_id"`
	CreditorID           int64     `json:"creditor_id"`
	TransferID           int64     `json:"transfer_id"`
	CoordinatorType      string    `json:"coordinator_type"`
	CoordinatorID        int64     `json:"coordinator_id"`
	CoordinatorRequestID int64     `json:"coordinator_request_id"`
	PreparedAt           time.Time `json:"prepared_at"`
	CommittedAmount      int64     `json:"committed_amount"`
	TotalLockedAmount    int64     `json:"total_locked_amount"`
	StatusCode           string    `json:"status_code"`
	TS                   time.Time `json:"ts"`
}

func (m *FinalizedTransferSignal) Exchange() string   { return ExchangeToCoordinators }
func (m *FinalizedTransferSignal) RoutingKey() string { return I64ToHexRoutingKey(m.CoordinatorID) }

// AccountTransfer notifies the account owner that a committed transfer has
// touched the account.
type AccountTransfer struct {
	Type                   string    `json:"type"`
	DebtorID               int64     `json:"debtor_id"`
	CreditorID             int64     `json:"creditor_id"`
	CreationDate           Date      `json:"creation_date"`
	TransferNumber         int64     `json:"transfer_number"`
	CoordinatorType        string    `json:"coordinator_type"`
	CommittedAt            time.Time `json:"committed_at"`
	AcquiredAmount         int64     `json:"acquired_amount"`
	TransferNoteFormat     string    `json:"transfer_note_format"`
	TransferNote           string    `json:"transfer_note"`
	TransferFlags          int32     `json:"transfer_flags"`
	Principal              int64     `json:"principal"`
	PreviousTransferNumber int64     `json:"previous_transfer_number"`
	Sender                 string    `json:"sender"`
	Recipient              string    `json:"recipient"`
	TS                     time.Time `json:"ts"`
}

func (m *AccountTransfer) Exchange() string   { return creditorsOrDebtors(m.CreditorID) }
func (m *AccountTransfer) RoutingKey() string { return ownerRoutingKey(m.DebtorID, m.CreditorID) }

// AccountUpdate tells the account owner the current state of the account.
// Identical periodic updates, differing only in ts, serve as heartbeats.
type AccountUpdate struct {
	Type                     string    `json:"type"`
	DebtorID                 int64     `json:"debtor_id"`
	CreditorID               int64     `json:"creditor_id"`
	CreationDate             Date      `json:"creation_date"`
	LastChangeTS             time.Time `json:"last_change_ts"`
	LastChangeSeqnum         int32     `json:"last_change_seqnum"`
	Principal                int64     `json:"principal"`
	Interest                 float64   `json:"interest"`
	InterestRate             float64   `json:"interest_rate"`
	LastInterestRateChangeTS time.Time `json:"last_interest_rate_change_ts"`
	TransferNoteMaxBytes     int32     `json:"transfer_note_max_bytes"`
	DemurrageRate            float64   `json:"demurrage_rate"`
	CommitPeriod             int32     `json:"commit_period"`
	LastTransferNumber       int64     `json:"last_transfer_number"`
	LastTransferCommittedAt  time.Time `json:"last_transfer_committed_at"`
	LastConfigTS             time.Time `json:"last_config_ts"`
	LastConfigSeqnum         int32     `json:"last_config_seqnum"`
	NegligibleAmount         float64   `json:"negligible_amount"`
	ConfigData               string    `json:"config_data"`
	ConfigFlags              int32     `json:"config_flags"`
	AccountID                string    `json:"account_id"`
	DebtorInfoIRI            string    `json:"debtor_info_iri"`
	TTL                      int32     `json:"ttl"`
	TS                       time.Time `json:"ts"`
}

func (m *AccountUpdate) Exchange() string   { return creditorsOrDebtors(m.CreditorID) }
func (m *AccountUpdate) RoutingKey() string { return ownerRoutingKey(m.DebtorID, m.CreditorID) }

// AccountPurge notifies the account owner that the account record has been
// irrevocably removed.
type AccountPurge struct {
	Type         string    `json:"type"`
	DebtorID     int64     `json:"debtor_id"`
	CreditorID   int64     `json:"creditor_id"`
	CreationDate Date      `json:"creation_date"`
	TS           time.Time `json:"ts"`
}

func (m *AccountPurge) Exchange() string   { return creditorsOrDebtors(m.CreditorID) }
func (m *AccountPurge) RoutingKey() string { return ownerRoutingKey(m.DebtorID, m.CreditorID) }

// Messages about root accounts go to the debtor, everything else goes to
// the creditor.
func creditorsOrDebtors(creditorID int64) string {
	if creditorID == RootCreditorID {
		return ExchangeToDebtors
	}
	return ExchangeToCreditors
}

func ownerRoutingKey(debtorID, creditorID int64) string {
	if creditorID == RootCreditorID {
		return I64ToHexRoutingKey(debtorID)
	}
	return I64ToHexRoutingKey(creditorID)
}
