package accounts

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// MessagePublisher is the outbox sink: it hands a batch of outgoing
// messages to the broker and returns only when the broker has accepted all
// of them. At-least-once delivery is sufficient, because every outgoing
// message is idempotent on the receiving side.
type MessagePublisher interface {
	PublishMessages(ctx context.Context, messages []*model.OutboxMessage) error
}

// Flusher ships outbox rows to the broker and deletes them on ack. Each
// outbox table is flushed in strict insertion order by a dedicated worker.
type Flusher struct {
	datasource database.IDataSource
	publisher  MessagePublisher
	burst      int
	period     time.Duration
}

func NewFlusher(ds database.IDataSource, publisher MessagePublisher, burst int, period time.Duration) *Flusher {
	return &Flusher{
		datasource: ds,
		publisher:  publisher,
		burst:      burst,
		period:     period,
	}
}

// Run flushes all outbox tables until the context is canceled. The batch
// in flight is always finished before exiting.
func (f *Flusher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, table := range database.OutboxTableNames() {
		table := table
		g.Go(func() error {
			return f.flushTableLoop(ctx, table)
		})
	}
	return g.Wait()
}

func (f *Flusher) flushTableLoop(ctx context.Context, table string) error {
	ticker := time.NewTicker(f.period)
	defer ticker.Stop()

	for {
		if err := f.FlushTable(ctx, table); err != nil && ctx.Err() == nil {
			logrus.Errorf("error flushing %s: %v", table, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// FlushTable drains one outbox table: batches are read in insertion order,
// published, and deleted only after the broker has acked them. Publish
// failures are retried with exponential backoff; rows stay in the table
// until a publish succeeds.
func (f *Flusher) FlushTable(ctx context.Context, table string) error {
	for {
		batch, err := f.datasource.GetOutboxBatch(ctx, table, f.burst)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		publish := func() error {
			return f.publisher.PublishMessages(ctx, batch)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(100*time.Millisecond)), 5), ctx)
		if err := backoff.Retry(publish, policy); err != nil {
			return err
		}

		ids := make([]int64, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		if err := f.datasource.DeleteOutboxMessages(ctx, table, ids); err != nil {
			return err
		}
		if len(batch) < f.burst {
			return nil
		}
	}
}

// LogPublisher is a MessagePublisher for development setups without a
// broker: it just logs every outgoing message.
type LogPublisher struct{}

func (LogPublisher) PublishMessages(_ context.Context, messages []*model.OutboxMessage) error {
	for _, m := range messages {
		logrus.WithFields(logrus.Fields{
			"exchange":    m.Exchange,
			"routing_key": m.RoutingKey,
		}).Info(string(m.Payload))
	}
	return nil
}
