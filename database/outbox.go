package database

import (
	"context"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/swaptacular/swpt-accounts/model"
)

// GetOutboxBatch returns the oldest pending rows of an outbox table, in
// strict insertion order.
func (d *Datasource) GetOutboxBatch(ctx context.Context, table string, limit int) ([]*model.OutboxMessage, error) {
	if !isOutboxTable(table) {
		return nil, errors.Errorf("unknown outbox table: %q", table)
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, exchange, routing_key, payload, inserted_at
		FROM `+table+`
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read outbox table %s", table)
	}
	defer rows.Close()

	var messages []*model.OutboxMessage
	for rows.Next() {
		m := model.OutboxMessage{}
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.InsertedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox row")
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessages removes rows that the broker has acknowledged.
func (d *Datasource) DeleteOutboxMessages(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if !isOutboxTable(table) {
		return errors.Errorf("unknown outbox table: %q", table)
	}
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM `+table+` WHERE id = ANY($1)
	`, pq.Array(ids))
	return errors.Wrapf(err, "failed to delete outbox rows from %s", table)
}

func isOutboxTable(table string) bool {
	for _, name := range outboxTables {
		if name == table {
			return true
		}
	}
	return false
}
