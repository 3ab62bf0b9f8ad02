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
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	accounts "github.com/swaptacular/swpt-accounts"
)

// flushCommands defines the "flush" command: the outbox flusher. It
// publishes through LogPublisher, which logs every outgoing message, and
// deletes the rows once they are logged; no broker publisher is wired into
// this command.
func flushCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "ship outbox rows to the message broker",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			flusher := accounts.NewFlusher(
				app.svc.Datasource(),
				accounts.LogPublisher{},
				app.cnf.Policy.FlushBurstCount,
				time.Duration(app.cnf.Policy.FlushPeriodSec*float64(time.Second)),
			)
			log.Println(" [*] Starting outbox flusher")
			if err := flusher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
