package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Tx wraps a serializable *sql.Tx together with the context it was opened
// under. It implements ITx.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (d *Datasource) BeginSerializableTx(ctx context.Context) (ITx, error) {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	return &Tx{ctx: ctx, tx: tx}, nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func (t *Tx) NextChangeID() (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT nextval('change_id_seq')`).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate change id")
	}
	return id, nil
}

func (t *Tx) InsertOutboxMessage(msgType, exchange, routingKey string, payload []byte) (int64, error) {
	table, err := outboxTable(msgType)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRowContext(t.ctx, `
		INSERT INTO `+table+` (exchange, routing_key, payload)
		VALUES ($1, $2, $3)
		RETURNING id
	`, exchange, routingKey, payload).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert %s outbox row", msgType)
	}
	return id, nil
}
