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

	"github.com/swaptacular/swpt-accounts/database"
)

// migrateCommands defines the "migrate" command, which creates the tables
// the engine needs. Connecting already bootstraps the schema; this command
// exists so the tables can be created without starting any process.
func migrateCommands(app *appInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "create the database tables",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				log.Fatal(err)
			}
			defer db.Close()
			log.Println(" [*] Database tables are in place")
		},
	}
	return cmd
}
