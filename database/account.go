package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/swaptacular/swpt-accounts/model"
)

const accountColumns = `
	debtor_id, creditor_id, creation_date, last_change_seqnum, last_change_ts,
	principal, interest, interest_rate, previous_interest_rate,
	last_interest_rate_change_ts, last_interest_capitalization_ts,
	last_config_ts, last_config_seqnum, negligible_amount, config_flags,
	config_data, status_flags, total_locked_amount, pending_transfers_count,
	last_transfer_id, last_transfer_number, last_transfer_committed_at,
	last_outgoing_transfer_date, last_heartbeat_ts, last_deletion_attempt_ts,
	debtor_info_iri`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := model.Account{}
	err := row.Scan(
		&a.DebtorID, &a.CreditorID, &a.CreationDate, &a.LastChangeSeqnum, &a.LastChangeTS,
		&a.Principal, &a.Interest, &a.InterestRate, &a.PreviousInterestRate,
		&a.LastInterestRateChangeTS, &a.LastInterestCapitalizationTS,
		&a.LastConfigTS, &a.LastConfigSeqnum, &a.NegligibleAmount, &a.ConfigFlags,
		&a.ConfigData, &a.StatusFlags, &a.TotalLockedAmount, &a.PendingTransfersCount,
		&a.LastTransferID, &a.LastTransferNumber, &a.LastTransferCommittedAt,
		&a.LastOutgoingTransferDate, &a.LastHeartbeatTS, &a.LastDeletionAttemptTS,
		&a.DebtorInfoIRI,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan account")
	}
	return &a, nil
}

// GetAccount fetches an account outside of any protocol transaction.
func (d *Datasource) GetAccount(ctx context.Context, debtorID, creditorID int64) (*model.Account, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE debtor_id = $1 AND creditor_id = $2
	`, debtorID, creditorID)
	return scanAccount(row)
}

func (d *Datasource) ListAccountsPage(ctx context.Context, afterDebtorID, afterCreditorID int64, limit int) ([]*model.Account, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE (debtor_id, creditor_id) > ($1, $2)
		ORDER BY debtor_id, creditor_id
		LIMIT $3
	`, afterDebtorID, afterCreditorID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (t *Tx) GetAccount(debtorID, creditorID int64) (*model.Account, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE debtor_id = $1 AND creditor_id = $2
	`, debtorID, creditorID)
	return scanAccount(row)
}

func (t *Tx) CreateAccount(a *model.Account) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`,
		a.DebtorID, a.CreditorID, a.CreationDate, a.LastChangeSeqnum, a.LastChangeTS,
		a.Principal, a.Interest, a.InterestRate, a.PreviousInterestRate,
		a.LastInterestRateChangeTS, a.LastInterestCapitalizationTS,
		a.LastConfigTS, a.LastConfigSeqnum, a.NegligibleAmount, a.ConfigFlags,
		a.ConfigData, a.StatusFlags, a.TotalLockedAmount, a.PendingTransfersCount,
		a.LastTransferID, a.LastTransferNumber, a.LastTransferCommittedAt,
		a.LastOutgoingTransferDate, a.LastHeartbeatTS, a.LastDeletionAttemptTS,
		a.DebtorInfoIRI,
	)
	return errors.Wrap(err, "failed to create account")
}

func (t *Tx) UpdateAccount(a *model.Account) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE accounts SET
			creation_date = $3,
			last_change_seqnum = $4,
			last_change_ts = $5,
			principal = $6,
			interest = $7,
			interest_rate = $8,
			previous_interest_rate = $9,
			last_interest_rate_change_ts = $10,
			last_interest_capitalization_ts = $11,
			last_config_ts = $12,
			last_config_seqnum = $13,
			negligible_amount = $14,
			config_flags = $15,
			config_data = $16,
			status_flags = $17,
			total_locked_amount = $18,
			pending_transfers_count = $19,
			last_transfer_id = $20,
			last_transfer_number = $21,
			last_transfer_committed_at = $22,
			last_outgoing_transfer_date = $23,
			last_heartbeat_ts = $24,
			last_deletion_attempt_ts = $25,
			debtor_info_iri = $26
		WHERE debtor_id = $1 AND creditor_id = $2
	`,
		a.DebtorID, a.CreditorID, a.CreationDate, a.LastChangeSeqnum, a.LastChangeTS,
		a.Principal, a.Interest, a.InterestRate, a.PreviousInterestRate,
		a.LastInterestRateChangeTS, a.LastInterestCapitalizationTS,
		a.LastConfigTS, a.LastConfigSeqnum, a.NegligibleAmount, a.ConfigFlags,
		a.ConfigData, a.StatusFlags, a.TotalLockedAmount, a.PendingTransfersCount,
		a.LastTransferID, a.LastTransferNumber, a.LastTransferCommittedAt,
		a.LastOutgoingTransferDate, a.LastHeartbeatTS, a.LastDeletionAttemptTS,
		a.DebtorInfoIRI,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update account")
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}
	return err
}

func (t *Tx) DeleteAccount(debtorID, creditorID int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM accounts WHERE debtor_id = $1 AND creditor_id = $2
	`, debtorID, creditorID)
	return errors.Wrap(err, "failed to delete account")
}
