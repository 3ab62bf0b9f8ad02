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

package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/swaptacular/swpt-accounts/config"
	redis_db "github.com/swaptacular/swpt-accounts/internal/redis-db"
)

// Queue enqueues internally generated chores (interest capitalization,
// rate changes, deletion attempts) for the worker processes. Chores for one
// account are deduplicated through their task IDs, so that repeated scanner
// passes do not pile up identical work.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	chores    string
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
		chores:    conf.Queue.ChoresQueue,
	}
}

func (q *Queue) enqueueChore(choreType string, msg *ChoreMessage, taskID string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	task := asynq.NewTask(choreType, payload,
		asynq.TaskID(taskID),
		asynq.Queue(q.chores),
	)
	_, err = q.Client.Enqueue(task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EnqueueCapitalizeInterest schedules an interest capitalization for the
// account.
func (q *Queue) EnqueueCapitalizeInterest(debtorID, creditorID int64) error {
	msg := &ChoreMessage{
		Type:       ChoreCapitalizeInterest,
		DebtorID:   debtorID,
		CreditorID: creditorID,
		TS:         time.Now().UTC(),
	}
	return q.enqueueChore(ChoreCapitalizeInterest, msg,
		fmt.Sprintf("cap_%d_%d", debtorID, creditorID))
}

// EnqueueChangeInterestRate schedules an interest rate change for the
// account, carrying the debtor's current policy rate.
func (q *Queue) EnqueueChangeInterestRate(debtorID, creditorID int64, rate float64, ts time.Time) error {
	msg := &ChoreMessage{
		Type:         ChoreChangeInterestRate,
		DebtorID:     debtorID,
		CreditorID:   creditorID,
		InterestRate: rate,
		TS:           ts,
	}
	return q.enqueueChore(ChoreChangeInterestRate, msg,
		fmt.Sprintf("rate_%d_%d", debtorID, creditorID))
}

// EnqueueTryToDeleteAccount schedules a deletion attempt for the account.
func (q *Queue) EnqueueTryToDeleteAccount(debtorID, creditorID int64) error {
	msg := &ChoreMessage{
		Type:       ChoreTryToDeleteAccount,
		DebtorID:   debtorID,
		CreditorID: creditorID,
		TS:         time.Now().UTC(),
	}
	return q.enqueueChore(ChoreTryToDeleteAccount, msg,
		fmt.Sprintf("del_%d_%d", debtorID, creditorID))
}
