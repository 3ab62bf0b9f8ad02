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
	"log"

	"github.com/spf13/cobra"

	"github.com/swaptacular/swpt-accounts/api"
)

// serverCommands defines the "start" command, which runs the fetch API
// server. Peer shards call it to check account reachability; transport
// security is handled by the surrounding intranet, not here.
func serverCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the fetch API server",
		Run: func(cmd *cobra.Command, args []string) {
			router := api.NewAPI(app.svc).Router()
			port := app.cnf.Server.Port
			log.Printf("Starting fetch API server on %s", port)
			if err := router.Run(":" + port); err != nil {
				log.Fatal(err)
			}
		},
	}
	return cmd
}
