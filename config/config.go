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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const DEFAULT_PORT = "5001"

var ConfigStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"SWPT_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"SWPT_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"SWPT_REDIS_DNS"`
}

// FetchAPIConfig points the engine at the HTTP surface used to check the
// reachability of recipient accounts that may live on peer shards.
type FetchAPIConfig struct {
	Url         string `json:"url" envconfig:"SWPT_FETCH_API_URL"`
	TimeoutSec  int    `json:"timeout_sec" envconfig:"SWPT_FETCH_API_TIMEOUT_SEC"`
	MaxRetries  int    `json:"max_retries" envconfig:"SWPT_FETCH_API_MAX_RETRIES"`
	CacheTTLSec int    `json:"cache_ttl_sec" envconfig:"SWPT_FETCH_API_CACHE_TTL_SEC"`
}

// QueueConfig names the asynq queues that carry incoming protocol messages
// and internally generated chores.
type QueueConfig struct {
	MessagesQueue string `json:"messages_queue" envconfig:"SWPT_QUEUE_MESSAGES"`
	ChoresQueue   string `json:"chores_queue" envconfig:"SWPT_QUEUE_CHORES"`
	Concurrency   int    `json:"concurrency" envconfig:"SWPT_QUEUE_CONCURRENCY"`
}

// PolicyConfig holds the debtor-currency policy knobs of the ledger engine.
// Durations are given in days (fractions allowed) to match how operators
// think about message-bus delays, except where the key names another unit
// (accounts_scan_hours, flush_period_sec).
type PolicyConfig struct {
	MinInterestRateAllowed          float64 `json:"min_interest_rate_allowed" envconfig:"SWPT_MIN_INTEREST_RATE_ALLOWED"`
	MaxInterestRateAllowed          float64 `json:"max_interest_rate_allowed" envconfig:"SWPT_MAX_INTEREST_RATE_ALLOWED"`
	HeartbeatDays                   float64 `json:"heartbeat_days" envconfig:"SWPT_HEARTBEAT_DAYS"`
	FinalizationReminderDays        float64 `json:"finalization_reminder_days" envconfig:"SWPT_FINALIZATION_REMINDER_DAYS"`
	MinimumAccountLifetimeDays      float64 `json:"minimum_account_lifetime_days" envconfig:"SWPT_MINIMUM_ACCOUNT_LIFETIME_DAYS"`
	MessageMaxDelayDays             float64 `json:"message_max_delay_days" envconfig:"SWPT_MESSAGE_MAX_DELAY_DAYS"`
	IntranetExtremeDelayDays        float64 `json:"intranet_extreme_delay_days" envconfig:"SWPT_INTRANET_EXTREME_DELAY_DAYS"`
	PreparedTransferMaxDelayDays    float64 `json:"prepared_transfer_max_delay_days" envconfig:"SWPT_PREPARED_TRANSFER_MAX_DELAY_DAYS"`
	MinInterestCapitalizationDays   float64 `json:"min_interest_capitalization_days" envconfig:"SWPT_MIN_INTEREST_CAPITALIZATION_DAYS"`
	MaxInterestToPrincipalRatio     float64 `json:"max_interest_to_principal_ratio" envconfig:"SWPT_MAX_INTEREST_TO_PRINCIPAL_RATIO"`
	DeletionAttemptsMinDays         float64 `json:"deletion_attempts_min_days" envconfig:"SWPT_DELETION_ATTEMPTS_MIN_DAYS"`
	RemoveFromArchiveThresholdDate  string  `json:"remove_from_archive_threshold_date" envconfig:"SWPT_REMOVE_FROM_ARCHIVE_THRESHOLD_DATE"`
	DemurrageRate                   float64 `json:"demurrage_rate" envconfig:"SWPT_DEMURRAGE_RATE"`
	ShardingBindingKey              string  `json:"sharding_binding_key" envconfig:"SWPT_SHARDING_BINDING_KEY"`
	AccountsScanHours               float64 `json:"accounts_scan_hours" envconfig:"SWPT_ACCOUNTS_SCAN_HOURS"`
	PreparedTransfersScanDays       float64 `json:"prepared_transfers_scan_days" envconfig:"SWPT_PREPARED_TRANSFERS_SCAN_DAYS"`
	BalanceChangesScanDays          float64 `json:"balance_changes_scan_days" envconfig:"SWPT_BALANCE_CHANGES_SCAN_DAYS"`
	ScanBatchSize                   int     `json:"scan_batch_size" envconfig:"SWPT_SCAN_BATCH_SIZE"`
	FlushBurstCount                 int     `json:"flush_burst_count" envconfig:"SWPT_FLUSH_BURST_COUNT"`
	FlushPeriodSec                  float64 `json:"flush_period_sec" envconfig:"SWPT_FLUSH_PERIOD_SEC"`
	FlushProcesses                  int     `json:"flush_processes" envconfig:"SWPT_FLUSH_PROCESSES"`
}

type Configuration struct {
	ProjectName string           `json:"project_name" envconfig:"SWPT_PROJECT_NAME"`
	Server      ServerConfig     `json:"server"`
	DataSource  DataSourceConfig `json:"data_source"`
	Redis       RedisConfig      `json:"redis"`
	FetchAPI    FetchAPIConfig   `json:"fetch_api"`
	Queue       QueueConfig      `json:"queue"`
	Policy      PolicyConfig     `json:"policy"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("swpt", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called swpt.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Swpt Accounts"
	}
	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}
	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
	}
	if cnf.FetchAPI.TimeoutSec == 0 {
		cnf.FetchAPI.TimeoutSec = 5
	}
	if cnf.FetchAPI.MaxRetries == 0 {
		cnf.FetchAPI.MaxRetries = 3
	}
	if cnf.FetchAPI.CacheTTLSec == 0 {
		cnf.FetchAPI.CacheTTLSec = 10
	}
	if cnf.Queue.MessagesQueue == "" {
		cnf.Queue.MessagesQueue = "swpt_accounts"
	}
	if cnf.Queue.ChoresQueue == "" {
		cnf.Queue.ChoresQueue = "swpt_accounts_chores"
	}
	if cnf.Queue.Concurrency == 0 {
		cnf.Queue.Concurrency = 4
	}

	p := &cnf.Policy
	if p.MinInterestRateAllowed == 0 && p.MaxInterestRateAllowed == 0 {
		p.MinInterestRateAllowed = -50.0
		p.MaxInterestRateAllowed = 100.0
	}
	if p.HeartbeatDays == 0 {
		p.HeartbeatDays = 7.0
	}
	if p.FinalizationReminderDays == 0 {
		p.FinalizationReminderDays = 7.0
	}
	if p.MinimumAccountLifetimeDays == 0 {
		p.MinimumAccountLifetimeDays = 2.0
	}
	if p.MessageMaxDelayDays == 0 {
		p.MessageMaxDelayDays = 7.0
	}
	if p.IntranetExtremeDelayDays == 0 {
		p.IntranetExtremeDelayDays = 14.0
	}
	if p.PreparedTransferMaxDelayDays == 0 {
		p.PreparedTransferMaxDelayDays = 90.0
	}
	if p.MinInterestCapitalizationDays == 0 {
		p.MinInterestCapitalizationDays = 14.0
	}
	if p.MaxInterestToPrincipalRatio == 0 {
		p.MaxInterestToPrincipalRatio = 0.0001
	}
	if p.DeletionAttemptsMinDays == 0 {
		p.DeletionAttemptsMinDays = 14.0
	}
	if p.DemurrageRate == 0 {
		p.DemurrageRate = -50.0
	}
	if p.ShardingBindingKey == "" {
		p.ShardingBindingKey = "#"
	}
	if p.AccountsScanHours == 0 {
		p.AccountsScanHours = 8.0
	}
	if p.PreparedTransfersScanDays == 0 {
		p.PreparedTransfersScanDays = 1.0
	}
	if p.BalanceChangesScanDays == 0 {
		p.BalanceChangesScanDays = 7.0
	}
	if p.ScanBatchSize == 0 {
		p.ScanBatchSize = 1000
	}
	if p.FlushBurstCount == 0 {
		p.FlushBurstCount = 10000
	}
	if p.FlushPeriodSec == 0 {
		p.FlushPeriodSec = 2.0
	}
	if p.FlushProcesses == 0 {
		p.FlushProcesses = 1
	}

	return cnf.checkSanity()
}

// checkSanity refuses configurations that would make prepared transfers
// time out spuriously or defeat the idempotence archive.
func (cnf *Configuration) checkSanity() error {
	p := &cnf.Policy
	if p.PreparedTransferMaxDelayDays < 30 {
		return errors.New("prepared_transfer_max_delay_days must not be smaller than 30 days")
	}
	if p.PreparedTransferMaxDelayDays < p.MessageMaxDelayDays {
		return errors.New("prepared_transfer_max_delay_days is too small compared to message_max_delay_days")
	}
	if p.PreparedTransferMaxDelayDays < p.IntranetExtremeDelayDays {
		return errors.New("prepared_transfer_max_delay_days is too small compared to intranet_extreme_delay_days")
	}
	if p.MaxInterestToPrincipalRatio <= 0 || p.MaxInterestToPrincipalRatio > 0.10 {
		return errors.New("max_interest_to_principal_ratio is outside of the interval that is good for practical use")
	}
	if p.MinInterestCapitalizationDays > 92 {
		return errors.New("min_interest_capitalization_days is too big, this may result in quirky capitalization")
	}
	if p.AccountsScanHours > 48 {
		return errors.New("accounts_scan_hours is too big, this may result in lagging account status updates")
	}
	if p.HeartbeatDays > 14 {
		return errors.New("heartbeat_days is too big, this may result in missed account heartbeats")
	}
	threshold, err := p.ArchiveThresholdDate()
	if err != nil {
		return err
	}
	if !threshold.IsZero() && threshold.After(time.Now().UTC().Add(-cnf.Days(p.IntranetExtremeDelayDays))) {
		return errors.New("remove_from_archive_threshold_date is too recent, this may result in discarding balance change events")
	}
	return nil
}

// Days converts a fractional number of days to a duration.
func (cnf *Configuration) Days(days float64) time.Duration {
	return time.Duration(days * 24 * float64(time.Hour))
}

// CommitPeriodSeconds is the default allowed delay between preparing and
// committing a transfer, as announced in outgoing AccountUpdate messages.
func (cnf *Configuration) CommitPeriodSeconds() int32 {
	return int32(cnf.Policy.PreparedTransferMaxDelayDays * 24 * 60 * 60)
}

// AccountTTLSeconds is the value placed in outgoing AccountUpdate.ttl.
func (cnf *Configuration) AccountTTLSeconds() int32 {
	return int32(cnf.Policy.MessageMaxDelayDays * 24 * 60 * 60)
}

// StaleConfigHorizon is how old a ConfigureAccount message can be before it
// is ignored for nonexistent accounts.
func (cnf *Configuration) StaleConfigHorizon() time.Duration {
	return cnf.Days(cnf.Policy.IntranetExtremeDelayDays)
}

// ArchiveThresholdDate returns the horizon behind which registered balance
// changes are garbage collected. The zero time disables the collection
// entirely, which is the safe default: an over-eager horizon would defeat
// the idempotence protection the archive exists for.
func (p *PolicyConfig) ArchiveThresholdDate() (time.Time, error) {
	if p.RemoveFromArchiveThresholdDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, p.RemoveFromArchiveThresholdDate)
	if err != nil {
		t, err = time.Parse("2006-01-02", p.RemoveFromArchiveThresholdDate)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid remove_from_archive_threshold_date: %w", err)
	}
	return t.UTC(), nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
