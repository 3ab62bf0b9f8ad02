package database

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/swaptacular/swpt-accounts/config"
)

// Datasource is the relational store of the ledger engine. All account
// state lives here, and every outgoing message passes through the outbox
// tables owned by this store.
type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con}, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createPreparedTransferTable(db)
	if err != nil {
		return nil, err
	}
	err = createRegisteredBalanceChangeTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutboxTables(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			debtor_id BIGINT NOT NULL,
			creditor_id BIGINT NOT NULL,
			creation_date DATE NOT NULL,
			last_change_seqnum INTEGER NOT NULL DEFAULT 1,
			last_change_ts TIMESTAMPTZ NOT NULL,
			principal BIGINT NOT NULL DEFAULT 0,
			interest DOUBLE PRECISION NOT NULL DEFAULT 0,
			interest_rate REAL NOT NULL DEFAULT 0,
			previous_interest_rate REAL NOT NULL DEFAULT 0,
			last_interest_rate_change_ts TIMESTAMPTZ NOT NULL,
			last_interest_capitalization_ts TIMESTAMPTZ NOT NULL,
			last_config_ts TIMESTAMPTZ NOT NULL,
			last_config_seqnum INTEGER NOT NULL DEFAULT 0,
			negligible_amount REAL NOT NULL DEFAULT 2.0,
			config_flags INTEGER NOT NULL DEFAULT 0,
			config_data TEXT NOT NULL DEFAULT '',
			status_flags INTEGER NOT NULL DEFAULT 0,
			total_locked_amount BIGINT NOT NULL DEFAULT 0 CHECK (total_locked_amount >= 0),
			pending_transfers_count INTEGER NOT NULL DEFAULT 0 CHECK (pending_transfers_count >= 0),
			last_transfer_id BIGINT NOT NULL,
			last_transfer_number BIGINT NOT NULL CHECK (last_transfer_number >= 0),
			last_transfer_committed_at TIMESTAMPTZ NOT NULL,
			last_outgoing_transfer_date DATE NOT NULL,
			last_heartbeat_ts TIMESTAMPTZ NOT NULL,
			last_deletion_attempt_ts TIMESTAMPTZ NOT NULL,
			debtor_info_iri TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (debtor_id, creditor_id),
			CHECK (principal > -9223372036854775808)
		)
	`)
	return err
}

func createPreparedTransferTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS prepared_transfers (
			debtor_id BIGINT NOT NULL,
			sender_creditor_id BIGINT NOT NULL,
			transfer_id BIGINT NOT NULL,
			coordinator_type TEXT NOT NULL,
			coordinator_id BIGINT NOT NULL,
			coordinator_request_id BIGINT NOT NULL,
			locked_amount BIGINT NOT NULL CHECK (locked_amount >= 0),
			recipient_creditor_id BIGINT NOT NULL,
			min_interest_rate REAL NOT NULL,
			demurrage_rate DOUBLE PRECISION NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			prepared_at TIMESTAMPTZ NOT NULL,
			last_reminder_ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (debtor_id, sender_creditor_id, transfer_id),
			FOREIGN KEY (debtor_id, sender_creditor_id)
				REFERENCES accounts (debtor_id, creditor_id) ON DELETE CASCADE
		)
	`)
	return err
}

func createRegisteredBalanceChangeTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS registered_balance_changes (
			debtor_id BIGINT NOT NULL,
			other_creditor_id BIGINT NOT NULL,
			change_id BIGINT NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (debtor_id, other_creditor_id, change_id)
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE SEQUENCE IF NOT EXISTS change_id_seq`)
	return err
}

// outboxTables maps each outgoing message type to its durable queue. Rows
// are inserted in the same transaction as the state change that emits the
// message, and deleted by the flusher after the broker acks.
var outboxTables = map[string]string{
	"RejectedConfig":       "rejected_config_signals",
	"RejectedTransfer":     "rejected_transfer_signals",
	"PreparedTransfer":     "prepared_transfer_signals",
	"FinalizedTransfer":    "finalized_transfer_signals",
	"AccountUpdate":        "account_update_signals",
	"AccountPurge":         "account_purge_signals",
	"AccountTransfer":      "account_transfer_signals",
	"PendingBalanceChange": "pending_balance_change_signals",
}

// OutboxTableNames returns the names of all outbox tables, one per
// outgoing message type.
func OutboxTableNames() []string {
	names := make([]string, 0, len(outboxTables))
	for _, name := range outboxTables {
		names = append(names, name)
	}
	return names
}

func createOutboxTables(db *sql.DB) error {
	for _, table := range outboxTables {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS ` + table + ` (
				id BIGSERIAL PRIMARY KEY,
				exchange TEXT NOT NULL,
				routing_key TEXT NOT NULL,
				payload JSONB NOT NULL,
				inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`)
		if err != nil {
			return err
		}
	}
	return nil
}

func outboxTable(msgType string) (string, error) {
	table, ok := outboxTables[msgType]
	if !ok {
		return "", errors.Errorf("unknown outgoing message type: %q", msgType)
	}
	return table, nil
}

// IsSerializationFailure reports whether an error is a serialization
// conflict or deadlock that can be resolved by retrying the transaction.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// RetryOnSerializationFailure runs fn, retrying with bounded exponential
// backoff while it keeps failing with serialization conflicts. Any other
// error is returned as-is.
func RetryOnSerializationFailure(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(10*time.Millisecond)), 10), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsSerializationFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
