package database

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/swaptacular/swpt-accounts/model"
)

func (t *Tx) IsBalanceChangeRegistered(debtorID, otherCreditorID, changeID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS (
			SELECT 1 FROM registered_balance_changes
			WHERE debtor_id = $1 AND other_creditor_id = $2 AND change_id = $3
		)
	`, debtorID, otherCreditorID, changeID).Scan(&exists)
	return exists, errors.Wrap(err, "failed to check balance change registration")
}

func (t *Tx) RegisterBalanceChange(change *model.RegisteredBalanceChange) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO registered_balance_changes
			(debtor_id, other_creditor_id, change_id, committed_at)
		VALUES ($1, $2, $3, $4)
	`, change.DebtorID, change.OtherCreditorID, change.ChangeID, change.CommittedAt)
	return errors.Wrap(err, "failed to register balance change")
}

// DeleteRegisteredBalanceChangesBefore garbage-collects archived balance
// changes older than the cutoff, at most limit rows at a time. It returns
// the number of deleted rows.
func (d *Datasource) DeleteRegisteredBalanceChangesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result, err := d.Conn.ExecContext(ctx, `
		DELETE FROM registered_balance_changes
		WHERE (debtor_id, other_creditor_id, change_id) IN (
			SELECT debtor_id, other_creditor_id, change_id
			FROM registered_balance_changes
			WHERE committed_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete registered balance changes")
	}
	return result.RowsAffected()
}
