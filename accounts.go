// Package accounts implements the ledger engine of a Swaptacular
// accounting authority: the protocol state machine for incoming
// ConfigureAccount, PrepareTransfer, and FinalizeTransfer messages, the
// periodic scanners, and the outbox flusher that hands outgoing messages to
// the broker.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/swaptacular/swpt-accounts/config"
	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

var tracer = otel.Tracer("swpt.accounts")

// ChoreEnqueuer schedules internally generated chores for the worker
// processes. Implemented by Queue; tests substitute their own.
type ChoreEnqueuer interface {
	EnqueueCapitalizeInterest(debtorID, creditorID int64) error
	EnqueueChangeInterestRate(debtorID, creditorID int64, rate float64, ts time.Time) error
	EnqueueTryToDeleteAccount(debtorID, creditorID int64) error
}

// Service is the ledger engine. All account state is mutated through the
// datasource in serializable transactions; the only in-memory shared state
// is the configuration, which is read-only after startup.
type Service struct {
	datasource database.IDataSource
	fetch      FetchClient
	queue      ChoreEnqueuer
	cnf        *config.Configuration
	realm      *model.ShardingRealm
}

// NewService constructs the ledger engine. The queue may be nil when chores
// are not used (for example in the flusher process).
func NewService(ds database.IDataSource, fetch FetchClient, queue ChoreEnqueuer, cnf *config.Configuration) (*Service, error) {
	realm, err := model.NewShardingRealm(cnf.Policy.ShardingBindingKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		datasource: ds,
		fetch:      fetch,
		queue:      queue,
		cnf:        cnf,
		realm:      realm,
	}, nil
}

// Realm returns the sharding realm this node is responsible for.
func (s *Service) Realm() *model.ShardingRealm {
	return s.realm
}

// Datasource exposes the underlying store, for the fetch API server.
func (s *Service) Datasource() database.IDataSource {
	return s.datasource
}

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// outgoingMessage is implemented by every outgoing message struct.
type outgoingMessage interface {
	Exchange() string
	RoutingKey() string
}

// insertSignal serializes an outgoing message and adds it to the proper
// outbox table, inside the transaction that decided to send it.
func insertSignal(tx database.ITx, msgType string, msg outgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = tx.InsertOutboxMessage(msgType, msg.Exchange(), msg.RoutingKey(), payload)
	return err
}

// buildAccountUpdate renders the current state of an account as an
// AccountUpdate message and stamps the account's heartbeat.
func (s *Service) buildAccountUpdate(account *model.Account, now time.Time) *model.AccountUpdate {
	account.LastHeartbeatTS = now
	return &model.AccountUpdate{
		Type:                     model.MsgAccountUpdate,
		DebtorID:                 account.DebtorID,
		CreditorID:               account.CreditorID,
		CreationDate:             model.Date(account.CreationDate),
		LastChangeTS:             account.LastChangeTS,
		LastChangeSeqnum:         account.LastChangeSeqnum,
		Principal:                account.Principal,
		Interest:                 account.Interest,
		InterestRate:             account.InterestRate,
		LastInterestRateChangeTS: account.LastInterestRateChangeTS,
		TransferNoteMaxBytes:     model.TransferNoteMaxBytes,
		DemurrageRate:            s.cnf.Policy.DemurrageRate,
		CommitPeriod:             s.cnf.CommitPeriodSeconds(),
		LastTransferNumber:       account.LastTransferNumber,
		LastTransferCommittedAt:  account.LastTransferCommittedAt,
		LastConfigTS:             account.LastConfigTS,
		LastConfigSeqnum:         account.LastConfigSeqnum,
		NegligibleAmount:         account.NegligibleAmount,
		ConfigData:               account.ConfigData,
		ConfigFlags:              account.ConfigFlags,
		AccountID:                account.AccountID(),
		DebtorInfoIRI:            account.DebtorInfoIRI,
		TTL:                      s.cnf.AccountTTLSeconds(),
		TS:                       now,
	}
}

// emitAccountUpdate inserts an AccountUpdate for the account into the
// outbox.
func (s *Service) emitAccountUpdate(tx database.ITx, account *model.Account, now time.Time) error {
	return insertSignal(tx, model.MsgAccountUpdate, s.buildAccountUpdate(account, now))
}

// ProcessConfigureAccount handles an incoming ConfigureAccount message. The
// whole of it runs in one serializable transaction, retried on
// serialization conflicts.
func (s *Service) ProcessConfigureAccount(ctx context.Context, msg *model.ConfigureAccount) error {
	ctx, span := tracer.Start(ctx, "Configure Account")
	defer span.End()

	err := database.RetryOnSerializationFailure(ctx, func() error {
		return s.configureAccount(ctx, msg)
	})
	if err != nil {
		return logAndRecordError(span, "error configuring account ", err)
	}
	return nil
}

func (s *Service) configureAccount(ctx context.Context, msg *model.ConfigureAccount) error {
	now := time.Now().UTC()

	tx, err := s.datasource.BeginSerializableTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	account, err := tx.GetAccount(msg.DebtorID, msg.CreditorID)
	isNew := err == database.ErrNotFound
	if err != nil && !isNew {
		return err
	}

	if isNew {
		// A configure request for a nonexistent account that has spent too
		// long on the message bus may be a leftover from before the account
		// was purged. Ignore it.
		if now.Sub(msg.TS) > s.cnf.StaleConfigHorizon() {
			logrus.Infof("ignoring stale configure request for account (%d, %d)", msg.DebtorID, msg.CreditorID)
			return nil
		}
		account = model.NewAccount(msg.DebtorID, msg.CreditorID, now, now)
	} else if !model.IsNewerConfig(msg.TS, msg.Seqnum, account.LastConfigTS, account.LastConfigSeqnum) {
		return nil
	} else {
		account.AccrueInterest(now)
	}

	if code := validateConfig(msg); code != "" {
		rejection := &model.RejectedConfig{
			Type:             model.MsgRejectedConfig,
			DebtorID:         msg.DebtorID,
			CreditorID:       msg.CreditorID,
			ConfigTS:         msg.TS,
			ConfigSeqnum:     msg.Seqnum,
			NegligibleAmount: msg.NegligibleAmount,
			ConfigData:       msg.ConfigData,
			ConfigFlags:      msg.ConfigFlags,
			RejectionCode:    code,
			TS:               now,
		}
		if err := insertSignal(tx, model.MsgRejectedConfig, rejection); err != nil {
			return err
		}
		return tx.Commit()
	}

	account.LastConfigTS = msg.TS
	account.LastConfigSeqnum = msg.Seqnum
	account.NegligibleAmount = msg.NegligibleAmount
	account.ConfigFlags = msg.ConfigFlags
	account.ConfigData = msg.ConfigData

	// An explicit configuration brings a deleted account back to life.
	account.StatusFlags &^= model.StatusUnreachableFlag

	if account.IsRoot() {
		configData, err := model.ParseRootConfigData(msg.ConfigData)
		if err == nil {
			account.DebtorInfoIRI = configData.InfoIRI
			s.establishInterestRate(account, configData.InterestRate(), now)
		}
	}

	account.BumpChange(now)
	if isNew {
		err = tx.CreateAccount(account)
	} else {
		err = tx.UpdateAccount(account)
	}
	if err != nil {
		return err
	}
	if err := s.emitAccountUpdate(tx, account, now); err != nil {
		return err
	}
	return tx.Commit()
}

// validateConfig returns a rejection code, or the empty string when the
// configure request is acceptable.
func validateConfig(msg *model.ConfigureAccount) string {
	if msg.NegligibleAmount < 0 {
		return model.RejectionInvalidNegligibleAmount
	}
	if len(msg.ConfigData) > model.ConfigDataMaxBytes {
		return model.RejectionInvalidConfig
	}
	if msg.CreditorID == model.RootCreditorID && msg.ConfigData != "" {
		if _, err := model.ParseRootConfigData(msg.ConfigData); err != nil {
			if errors.Is(err, model.ErrInterestRateOutOfBounds) {
				return model.RejectionInvalidRate
			}
			return model.RejectionInvalidConfig
		}
	}
	return ""
}

// establishInterestRate applies a new policy interest rate to an account,
// first folding the interest accrued under the old rate into the Interest
// field; that interest is not moved into the principal here. Rates are
// clamped to the operator-configured bounds.
func (s *Service) establishInterestRate(account *model.Account, rate float64, now time.Time) {
	rate = clampRate(rate, s.cnf.Policy.MinInterestRateAllowed, s.cnf.Policy.MaxInterestRateAllowed)
	rate = clampRate(rate, model.InterestRateFloor, model.InterestRateCeil)
	if account.StatusFlags&model.StatusEstablishedInterestRateFlag != 0 && account.InterestRate == rate {
		return
	}

	// The interest accrued so far was earned under the old rate; the new
	// rate applies only from this moment on.
	account.AccrueInterest(now)
	account.PreviousInterestRate = account.InterestRate
	account.InterestRate = rate
	account.LastInterestRateChangeTS = now
	account.StatusFlags |= model.StatusEstablishedInterestRateFlag
}

func clampRate(rate, floor, ceil float64) float64 {
	if rate < floor {
		return floor
	}
	if rate > ceil {
		return ceil
	}
	return rate
}
