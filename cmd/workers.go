/*
Copyright 2026 Swaptacular Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	accounts "github.com/swaptacular/swpt-accounts"
	"github.com/swaptacular/swpt-accounts/config"
	redis_db "github.com/swaptacular/swpt-accounts/internal/redis-db"
	"github.com/swaptacular/swpt-accounts/model"
)

// processConfigureAccount handles a ConfigureAccount message delivered on
// the inbound queue. A message that cannot be decoded or validated is
// dropped with an error log; business rejections become outgoing messages.
func (app *appInstance) processConfigureAccount(ctx context.Context, t *asynq.Task) error {
	var msg model.ConfigureAccount
	if err := unmarshalMessage(t.Payload(), &msg, msg.Validate); err != nil {
		return nil
	}
	return app.svc.ProcessConfigureAccount(ctx, &msg)
}

func (app *appInstance) processPrepareTransfer(ctx context.Context, t *asynq.Task) error {
	var msg model.PrepareTransfer
	if err := unmarshalMessage(t.Payload(), &msg, msg.Validate); err != nil {
		return nil
	}
	return app.svc.ProcessPrepareTransfer(ctx, &msg)
}

func (app *appInstance) processFinalizeTransfer(ctx context.Context, t *asynq.Task) error {
	var msg model.FinalizeTransfer
	if err := unmarshalMessage(t.Payload(), &msg, msg.Validate); err != nil {
		return nil
	}
	return app.svc.ProcessFinalizeTransfer(ctx, &msg)
}

func (app *appInstance) processPendingBalanceChange(ctx context.Context, t *asynq.Task) error {
	var msg model.PendingBalanceChange
	if err := unmarshalMessage(t.Payload(), &msg, msg.Validate); err != nil {
		return nil
	}
	return app.svc.ProcessPendingBalanceChange(ctx, &msg)
}

// processChore handles internally generated chores: interest
// capitalization, interest rate changes, and account deletion attempts.
func (app *appInstance) processChore(ctx context.Context, t *asynq.Task) error {
	var msg accounts.ChoreMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		logrus.Errorf("dropping undecodable chore: %v", err)
		return nil
	}
	switch msg.Type {
	case accounts.ChoreCapitalizeInterest:
		return app.svc.CapitalizeInterest(ctx, msg.DebtorID, msg.CreditorID)
	case accounts.ChoreChangeInterestRate:
		return app.svc.ChangeInterestRate(ctx, msg.DebtorID, msg.CreditorID, msg.InterestRate, msg.TS)
	case accounts.ChoreTryToDeleteAccount:
		return app.svc.TryToDeleteAccount(ctx, msg.DebtorID, msg.CreditorID)
	default:
		logrus.Errorf("dropping chore of unknown type: %q", msg.Type)
		return nil
	}
}

// unmarshalMessage decodes and validates an incoming protocol message. A
// corrupt message is dropped (acked), never redelivered forever.
func unmarshalMessage(payload []byte, msg interface{}, validate func() error) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		logrus.Errorf("dropping undecodable message: %v", err)
		return err
	}
	if err := validate(); err != nil {
		logrus.Errorf("dropping invalid message: %v", err)
		return err
	}
	return nil
}

func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.MessagesQueue: 3,
		conf.Queue.ChoresQueue:   1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: conf.Queue.Concurrency,
			Queues:      queues,
		},
	), nil
}

// initializeTaskHandlers registers the typed handlers, selected by message
// type, for everything the worker consumes.
func initializeTaskHandlers(app *appInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(model.MsgConfigureAccount, app.processConfigureAccount)
	mux.HandleFunc(model.MsgPrepareTransfer, app.processPrepareTransfer)
	mux.HandleFunc(model.MsgFinalizeTransfer, app.processFinalizeTransfer)
	mux.HandleFunc(model.MsgPendingBalanceChange, app.processPendingBalanceChange)

	mux.HandleFunc(accounts.ChoreCapitalizeInterest, app.processChore)
	mux.HandleFunc(accounts.ChoreChangeInterestRate, app.processChore)
	mux.HandleFunc(accounts.ChoreTryToDeleteAccount, app.processChore)
}

// workerCommands defines the "workers" command: the message consumers plus
// the periodic scanners, all stopping together on SIGTERM.
func workerCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start message consumers and table scanners",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			go func() {
				if err := accounts.NewAccountScanner(app.svc).Run(ctx); err != nil && ctx.Err() == nil {
					logrus.Errorf("account scanner stopped: %v", err)
				}
			}()
			go func() {
				if err := accounts.NewPreparedTransferScanner(app.svc).Run(ctx); err != nil && ctx.Err() == nil {
					logrus.Errorf("prepared transfer scanner stopped: %v", err)
				}
			}()
			go func() {
				if err := accounts.NewBalanceChangeScanner(app.svc).Run(ctx); err != nil && ctx.Err() == nil {
					logrus.Errorf("balance change scanner stopped: %v", err)
				}
			}()

			log.Println(" [*] Starting workers", model.GenerateUUIDWithSuffix("worker"))
			if err := srv.Run(mux); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
