package database

import (
	"context"
	"time"

	"github.com/swaptacular/swpt-accounts/model"
)

// IDataSource defines the interface for data source operations, grouping
// related functionalities.
type IDataSource interface {
	// BeginSerializableTx opens a serializable transaction. Every protocol
	// message is handled inside exactly one such transaction.
	BeginSerializableTx(ctx context.Context) (ITx, error)

	accountReader
	scanner
	outbox
}

// accountReader defines plain reads used outside of protocol transactions
// (the fetch API server, reachability checks for same-shard recipients).
type accountReader interface {
	GetAccount(ctx context.Context, debtorID, creditorID int64) (*model.Account, error)
}

// scanner defines the cursor-paginated sweeps used by the periodic
// scanners. Pages are keyset-paginated on the primary key, so that large
// tables can be walked without long-running transactions.
type scanner interface {
	ListAccountsPage(ctx context.Context, afterDebtorID, afterCreditorID int64, limit int) ([]*model.Account, error)
	ListPreparedTransfersPage(ctx context.Context, afterDebtorID, afterCreditorID, afterTransferID int64, limit int) ([]*model.PreparedTransfer, error)
	DeleteRegisteredBalanceChangesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// outbox defines the flusher's view of the outbox tables.
type outbox interface {
	GetOutboxBatch(ctx context.Context, table string, limit int) ([]*model.OutboxMessage, error)
	DeleteOutboxMessages(ctx context.Context, table string, ids []int64) error
}

// ITx is a single serializable store transaction. The protocol state
// machine mutates accounts and prepared transfers only through this
// interface, and inserts the resulting outgoing messages into the outbox
// inside the same transaction.
type ITx interface {
	Commit() error
	Rollback() error

	GetAccount(debtorID, creditorID int64) (*model.Account, error)
	CreateAccount(account *model.Account) error
	UpdateAccount(account *model.Account) error
	DeleteAccount(debtorID, creditorID int64) error

	GetPreparedTransfer(debtorID, senderCreditorID, transferID int64) (*model.PreparedTransfer, error)
	CreatePreparedTransfer(pt *model.PreparedTransfer) error
	DeletePreparedTransfer(debtorID, senderCreditorID, transferID int64) error
	TouchPreparedTransferReminder(debtorID, senderCreditorID, transferID int64, ts time.Time) error

	IsBalanceChangeRegistered(debtorID, otherCreditorID, changeID int64) (bool, error)
	RegisterBalanceChange(change *model.RegisteredBalanceChange) error
	NextChangeID() (int64, error)

	InsertOutboxMessage(msgType, exchange, routingKey string, payload []byte) (int64, error)
}

// ErrNotFound is returned by point lookups when the row does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "record not found" }
