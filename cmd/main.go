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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	accounts "github.com/swaptacular/swpt-accounts"
	"github.com/swaptacular/swpt-accounts/config"
	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/internal/cache"
	redis_db "github.com/swaptacular/swpt-accounts/internal/redis-db"
	"github.com/swaptacular/swpt-accounts/model"
)

// SwptAccounts represents the CLI application, encapsulating the root Cobra
// command.
type SwptAccounts struct {
	cmd *cobra.Command
}

// appInstance holds the ledger engine instance and its configuration.
type appInstance struct {
	svc *accounts.Service
	cnf *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the engine before running
// any command.
func preRun(app *appInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		err := config.InitConfig(configFile)
		if err != nil {
			log.Fatal("error loading config ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		svc, err := setupService(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.svc = svc
		app.cnf = cnf
		return nil
	}
}

// setupService wires the engine together: the relational store, the redis
// cache behind the fetch client, and the chores queue. Everything is
// constructed here and passed explicitly; there are no process-wide mutable
// singletons besides the configuration.
func setupService(cnf *config.Configuration) (*accounts.Service, error) {
	ds, err := database.NewDataSource(cnf)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	realm, err := model.NewShardingRealm(cnf.Policy.ShardingBindingKey)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient(cnf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %v", err)
	}
	fetchCache := cache.NewRedisCache(redisClient)
	fetch := accounts.NewHTTPFetchClient(cnf, ds, realm, fetchCache)
	queue := accounts.NewQueue(cnf)

	return accounts.NewService(ds, fetch, queue, cnf)
}

// NewCLI creates the command-line interface for the accounting authority.
func NewCLI() *SwptAccounts {
	var configFile string
	app := &appInstance{}

	var rootCmd = &cobra.Command{
		Use:   "swpt-accounts",
		Short: "Swaptacular accounting authority",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./swpt.json", "Configuration file for the accounting authority")
	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(flushCommands(app))
	rootCmd.AddCommand(migrateCommands(app))

	return &SwptAccounts{cmd: rootCmd}
}

func (w SwptAccounts) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
