package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/swaptacular/swpt-accounts/model"
)

const preparedTransferColumns = `
	debtor_id, sender_creditor_id, transfer_id, coordinator_type,
	coordinator_id, coordinator_request_id, locked_amount,
	recipient_creditor_id, min_interest_rate, demurrage_rate, deadline,
	prepared_at, last_reminder_ts`

func scanPreparedTransfer(row rowScanner) (*model.PreparedTransfer, error) {
	pt := model.PreparedTransfer{}
	err := row.Scan(
		&pt.DebtorID, &pt.SenderCreditorID, &pt.TransferID, &pt.CoordinatorType,
		&pt.CoordinatorID, &pt.CoordinatorRequestID, &pt.LockedAmount,
		&pt.RecipientCreditorID, &pt.MinInterestRate, &pt.DemurrageRate, &pt.Deadline,
		&pt.PreparedAt, &pt.LastReminderTS,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan prepared transfer")
	}
	return &pt, nil
}

func (t *Tx) GetPreparedTransfer(debtorID, senderCreditorID, transferID int64) (*model.PreparedTransfer, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+preparedTransferColumns+`
		FROM prepared_transfers
		WHERE debtor_id = $1 AND sender_creditor_id = $2 AND transfer_id = $3
	`, debtorID, senderCreditorID, transferID)
	return scanPreparedTransfer(row)
}

func (t *Tx) CreatePreparedTransfer(pt *model.PreparedTransfer) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO prepared_transfers (`+preparedTransferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		pt.DebtorID, pt.SenderCreditorID, pt.TransferID, pt.CoordinatorType,
		pt.CoordinatorID, pt.CoordinatorRequestID, pt.LockedAmount,
		pt.RecipientCreditorID, pt.MinInterestRate, pt.DemurrageRate, pt.Deadline,
		pt.PreparedAt, pt.LastReminderTS,
	)
	return errors.Wrap(err, "failed to create prepared transfer")
}

func (t *Tx) DeletePreparedTransfer(debtorID, senderCreditorID, transferID int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM prepared_transfers
		WHERE debtor_id = $1 AND sender_creditor_id = $2 AND transfer_id = $3
	`, debtorID, senderCreditorID, transferID)
	return errors.Wrap(err, "failed to delete prepared transfer")
}

func (t *Tx) TouchPreparedTransferReminder(debtorID, senderCreditorID, transferID int64, ts time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE prepared_transfers SET last_reminder_ts = $4
		WHERE debtor_id = $1 AND sender_creditor_id = $2 AND transfer_id = $3
	`, debtorID, senderCreditorID, transferID, ts)
	return errors.Wrap(err, "failed to touch prepared transfer reminder")
}

func (d *Datasource) ListPreparedTransfersPage(ctx context.Context, afterDebtorID, afterCreditorID, afterTransferID int64, limit int) ([]*model.PreparedTransfer, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+preparedTransferColumns+`
		FROM prepared_transfers
		WHERE (debtor_id, sender_creditor_id, transfer_id) > ($1, $2, $3)
		ORDER BY debtor_id, sender_creditor_id, transfer_id
		LIMIT $4
	`, afterDebtorID, afterCreditorID, afterTransferID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list prepared transfers")
	}
	defer rows.Close()

	var transfers []*model.PreparedTransfer
	for rows.Next() {
		pt, err := scanPreparedTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, pt)
	}
	return transfers, rows.Err()
}
