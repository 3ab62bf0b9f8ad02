package accounts

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-accounts/config"
	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// memStore is an in-memory stand-in for the relational store. Point reads
// return copies, the way rows scanned from the database are copies, so that
// handler-side mutations do not leak into "disk" state before an update.
type memStore struct {
	mu           sync.Mutex
	accounts     map[[2]int64]model.Account
	transfers    map[[3]int64]model.PreparedTransfer
	changes      map[[3]int64]model.RegisteredBalanceChange
	outbox       map[string][]*model.OutboxMessage
	nextChangeID int64
	nextOutboxID int64
}

var memOutboxTables = map[string]string{
	model.MsgRejectedConfig:       "rejected_config_signals",
	model.MsgRejectedTransfer:     "rejected_transfer_signals",
	model.MsgPreparedTransfer:     "prepared_transfer_signals",
	model.MsgFinalizedTransfer:    "finalized_transfer_signals",
	model.MsgAccountUpdate:        "account_update_signals",
	model.MsgAccountPurge:         "account_purge_signals",
	model.MsgAccountTransfer:      "account_transfer_signals",
	model.MsgPendingBalanceChange: "pending_balance_change_signals",
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  map[[2]int64]model.Account{},
		transfers: map[[3]int64]model.PreparedTransfer{},
		changes:   map[[3]int64]model.RegisteredBalanceChange{},
		outbox:    map[string][]*model.OutboxMessage{},
	}
}

type memTx struct {
	s *memStore
}

func (s *memStore) BeginSerializableTx(_ context.Context) (database.ITx, error) {
	return &memTx{s: s}, nil
}

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

func (t *memTx) GetAccount(debtorID, creditorID int64) (*model.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.accounts[[2]int64{debtorID, creditorID}]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := a
	return &copied, nil
}

func (t *memTx) CreateAccount(a *model.Account) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.accounts[[2]int64{a.DebtorID, a.CreditorID}] = *a
	return nil
}

func (t *memTx) UpdateAccount(a *model.Account) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := [2]int64{a.DebtorID, a.CreditorID}
	if _, ok := t.s.accounts[key]; !ok {
		return database.ErrNotFound
	}
	t.s.accounts[key] = *a
	return nil
}

func (t *memTx) DeleteAccount(debtorID, creditorID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.accounts, [2]int64{debtorID, creditorID})
	return nil
}

func (t *memTx) GetPreparedTransfer(debtorID, senderCreditorID, transferID int64) (*model.PreparedTransfer, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	pt, ok := t.s.transfers[[3]int64{debtorID, senderCreditorID, transferID}]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := pt
	return &copied, nil
}

func (t *memTx) CreatePreparedTransfer(pt *model.PreparedTransfer) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.transfers[[3]int64{pt.DebtorID, pt.SenderCreditorID, pt.TransferID}] = *pt
	return nil
}

func (t *memTx) DeletePreparedTransfer(debtorID, senderCreditorID, transferID int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.transfers, [3]int64{debtorID, senderCreditorID, transferID})
	return nil
}

func (t *memTx) TouchPreparedTransferReminder(debtorID, senderCreditorID, transferID int64, ts time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := [3]int64{debtorID, senderCreditorID, transferID}
	pt, ok := t.s.transfers[key]
	if !ok {
		return database.ErrNotFound
	}
	pt.LastReminderTS = ts
	t.s.transfers[key] = pt
	return nil
}

func (t *memTx) IsBalanceChangeRegistered(debtorID, otherCreditorID, changeID int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.changes[[3]int64{debtorID, otherCreditorID, changeID}]
	return ok, nil
}

func (t *memTx) RegisterBalanceChange(change *model.RegisteredBalanceChange) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.changes[[3]int64{change.DebtorID, change.OtherCreditorID, change.ChangeID}] = *change
	return nil
}

func (t *memTx) NextChangeID() (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.nextChangeID++
	return t.s.nextChangeID, nil
}

func (t *memTx) InsertOutboxMessage(msgType, exchange, routingKey string, payload []byte) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	table, ok := memOutboxTables[msgType]
	if !ok {
		return 0, database.ErrNotFound
	}
	t.s.nextOutboxID++
	t.s.outbox[table] = append(t.s.outbox[table], &model.OutboxMessage{
		ID:         t.s.nextOutboxID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    payload,
		InsertedAt: time.Now().UTC(),
	})
	return t.s.nextOutboxID, nil
}

func (s *memStore) GetAccount(_ context.Context, debtorID, creditorID int64) (*model.Account, error) {
	return (&memTx{s: s}).GetAccount(debtorID, creditorID)
}

func (s *memStore) ListAccountsPage(_ context.Context, afterDebtorID, afterCreditorID int64, limit int) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([][2]int64, 0, len(s.accounts))
	for k := range s.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	var page []*model.Account
	for _, k := range keys {
		if k[0] < afterDebtorID || (k[0] == afterDebtorID && k[1] <= afterCreditorID) {
			continue
		}
		a := s.accounts[k]
		page = append(page, &a)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *memStore) ListPreparedTransfersPage(_ context.Context, afterDebtorID, afterCreditorID, afterTransferID int64, limit int) ([]*model.PreparedTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([][3]int64, 0, len(s.transfers))
	for k := range s.transfers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		for n := 0; n < 3; n++ {
			if keys[i][n] != keys[j][n] {
				return keys[i][n] < keys[j][n]
			}
		}
		return false
	})
	after := [3]int64{afterDebtorID, afterCreditorID, afterTransferID}
	var page []*model.PreparedTransfer
	for _, k := range keys {
		if !keyAfter(k, after) {
			continue
		}
		pt := s.transfers[k]
		page = append(page, &pt)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func keyAfter(k, after [3]int64) bool {
	for n := 0; n < 3; n++ {
		if k[n] != after[n] {
			return k[n] > after[n]
		}
	}
	return false
}

func (s *memStore) DeleteRegisteredBalanceChangesBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k, c := range s.changes {
		if c.CommittedAt.Before(cutoff) {
			delete(s.changes, k)
			deleted++
			if deleted == int64(limit) {
				break
			}
		}
	}
	return deleted, nil
}

func (s *memStore) GetOutboxBatch(_ context.Context, table string, limit int) ([]*model.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.outbox[table]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*model.OutboxMessage, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *memStore) DeleteOutboxMessages(_ context.Context, table string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := map[int64]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*model.OutboxMessage
	for _, m := range s.outbox[table] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	s.outbox[table] = kept
	return nil
}

// signals returns the decoded payloads accumulated for a message type, in
// insertion order.
func (s *memStore) signals(t *testing.T, msgType string, out interface{}) int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.outbox[memOutboxTables[msgType]]
	if out != nil && len(rows) > 0 {
		require.NoError(t, json.Unmarshal(rows[len(rows)-1].Payload, out))
	}
	return len(rows)
}

// mustAccount reads an account's stored state directly.
func (s *memStore) mustAccount(t *testing.T, debtorID, creditorID int64) model.Account {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[[2]int64{debtorID, creditorID}]
	require.True(t, ok, "account (%d, %d) not found", debtorID, creditorID)
	return a
}

// patchAccount mutates an account's stored state directly, for backdating
// timestamps in tests.
func (s *memStore) patchAccount(t *testing.T, debtorID, creditorID int64, patch func(*model.Account)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{debtorID, creditorID}
	a, ok := s.accounts[key]
	require.True(t, ok)
	patch(&a)
	s.accounts[key] = a
}

func (s *memStore) patchTransfer(t *testing.T, debtorID, creditorID, transferID int64, patch func(*model.PreparedTransfer)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [3]int64{debtorID, creditorID, transferID}
	pt, ok := s.transfers[key]
	require.True(t, ok)
	patch(&pt)
	s.transfers[key] = pt
}

// fakeFetch resolves every account as reachable unless told otherwise.
type fakeFetch struct {
	statuses map[[2]int64]AccountStatus
	err      error
}

func (f *fakeFetch) FetchAccountStatus(_ context.Context, debtorID, creditorID int64) (AccountStatus, error) {
	if f.err != nil {
		return AccountStatusUnknown, f.err
	}
	if status, ok := f.statuses[[2]int64{debtorID, creditorID}]; ok {
		return status, nil
	}
	return AccountStatusReachable, nil
}

// fakeQueue records enqueued chores instead of scheduling them.
type fakeQueue struct {
	mu     sync.Mutex
	chores []ChoreMessage
}

func (q *fakeQueue) record(msg ChoreMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chores = append(q.chores, msg)
	return nil
}

func (q *fakeQueue) EnqueueCapitalizeInterest(debtorID, creditorID int64) error {
	return q.record(ChoreMessage{Type: ChoreCapitalizeInterest, DebtorID: debtorID, CreditorID: creditorID})
}

func (q *fakeQueue) EnqueueChangeInterestRate(debtorID, creditorID int64, rate float64, ts time.Time) error {
	return q.record(ChoreMessage{Type: ChoreChangeInterestRate, DebtorID: debtorID, CreditorID: creditorID, InterestRate: rate, TS: ts})
}

func (q *fakeQueue) EnqueueTryToDeleteAccount(debtorID, creditorID int64) error {
	return q.record(ChoreMessage{Type: ChoreTryToDeleteAccount, DebtorID: debtorID, CreditorID: creditorID})
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/swpt_test"},
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
		Policy: config.PolicyConfig{
			MinInterestRateAllowed:        -50.0,
			MaxInterestRateAllowed:        100.0,
			HeartbeatDays:                 7.0,
			FinalizationReminderDays:      7.0,
			MinimumAccountLifetimeDays:    2.0,
			MessageMaxDelayDays:           7.0,
			IntranetExtremeDelayDays:      14.0,
			PreparedTransferMaxDelayDays:  90.0,
			MinInterestCapitalizationDays: 14.0,
			MaxInterestToPrincipalRatio:   0.0001,
			DeletionAttemptsMinDays:       14.0,
			DemurrageRate:                 -50.0,
			ShardingBindingKey:            "#",
			AccountsScanHours:             8.0,
			PreparedTransfersScanDays:     1.0,
			BalanceChangesScanDays:        7.0,
			ScanBatchSize:                 1000,
			FlushBurstCount:               100,
			FlushPeriodSec:                2.0,
			FlushProcesses:                1,
		},
	}
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeFetch, *fakeQueue) {
	t.Helper()
	store := newMemStore()
	fetch := &fakeFetch{statuses: map[[2]int64]AccountStatus{}}
	queue := &fakeQueue{}
	svc, err := NewService(store, fetch, queue, testConfig())
	require.NoError(t, err)
	return svc, store, fetch, queue
}
