package config

// Package config provides a reusable loader for indexer configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"time"

	"github.com/spf13/viper"

	"github.com/solidx/indexer-sdk/core"
	"github.com/solidx/indexer-sdk/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// File mirrors the YAML shape a solindexer deployment is configured from. It
// is unmarshalled by viper and then translated into core.Config, since the
// wire/file representation (plain strings and durations-as-strings) is not
// the same shape the indexing pipeline wants to consume.
type File struct {
	ProgramIDs []string `mapstructure:"program_ids" json:"program_ids"`

	Mode struct {
		Inputs   bool `mapstructure:"inputs" json:"inputs"`
		Logs     bool `mapstructure:"logs" json:"logs"`
		Accounts bool `mapstructure:"accounts" json:"accounts"`
	} `mapstructure:"mode" json:"mode"`

	IndexFailedTx      bool `mapstructure:"index_failed_tx" json:"index_failed_tx"`
	MaxHandlerAttempts int  `mapstructure:"max_handler_attempts" json:"max_handler_attempts"`

	RPC struct {
		Endpoint   string `mapstructure:"endpoint" json:"endpoint"`
		WSEndpoint string `mapstructure:"ws_endpoint" json:"ws_endpoint"`
		UseStreaming bool `mapstructure:"use_streaming" json:"use_streaming"`
	} `mapstructure:"rpc" json:"rpc"`

	Streamer struct {
		Commitment           string `mapstructure:"commitment" json:"commitment"`
		ReconnectDelayMS     int    `mapstructure:"reconnect_delay_ms" json:"reconnect_delay_ms"`
		MaxReconnectDelayMS  int    `mapstructure:"max_reconnect_delay_ms" json:"max_reconnect_delay_ms"`
	} `mapstructure:"streamer" json:"streamer"`

	Poller struct {
		BatchSize              int    `mapstructure:"batch_size" json:"batch_size"`
		PollIntervalMS         int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		Commitment             string `mapstructure:"commitment" json:"commitment"`
		MaxBackoffMS           int    `mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
		MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures" json:"max_consecutive_failures"`
	} `mapstructure:"poller" json:"poller"`

	Fetcher struct {
		WorkerThreads        int `mapstructure:"worker_threads" json:"worker_threads"`
		PerRequestTimeoutMS  int `mapstructure:"per_request_timeout_ms" json:"per_request_timeout_ms"`
		MaxRetries           int `mapstructure:"max_retries" json:"max_retries"`
		RetryBaseDelayMS     int `mapstructure:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	} `mapstructure:"fetcher" json:"fetcher"`

	Backfill struct {
		Enabled            bool   `mapstructure:"enabled" json:"enabled"`
		PollIntervalMS     int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		DesiredLagSlots    uint64 `mapstructure:"desired_lag_slots" json:"desired_lag_slots"`
		BatchSize          uint64 `mapstructure:"batch_size" json:"batch_size"`
		Concurrency        int    `mapstructure:"concurrency" json:"concurrency"`
		MaxDepth           uint64 `mapstructure:"max_depth" json:"max_depth"`
		MaxAttempts        int    `mapstructure:"max_attempts" json:"max_attempts"`
		StartStrategy      string `mapstructure:"start_strategy" json:"start_strategy"`
		StartSlot          uint64 `mapstructure:"start_slot" json:"start_slot"`
		EndSlot            uint64 `mapstructure:"end_slot" json:"end_slot"`
	} `mapstructure:"backfill" json:"backfill"`

	Finalization struct {
		CheckIntervalMS          int `mapstructure:"check_interval_ms" json:"check_interval_ms"`
		StaleTentativeThresholdMS int `mapstructure:"stale_tentative_threshold_ms" json:"stale_tentative_threshold_ms"`
	} `mapstructure:"finalization" json:"finalization"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn"`
	} `mapstructure:"database" json:"database"`

	MetricsNamespace string `mapstructure:"metrics_namespace" json:"metrics_namespace"`
	MetricsAddr      string `mapstructure:"metrics_addr" json:"metrics_addr"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig File

// Load reads configuration files and merges any environment-specific
// overrides under the SOLINDEXER_ prefix. The resulting file-shaped config is
// stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files (e.g. "production" reads config/production.yaml over config/default.yaml).
// If env is empty, only the default configuration is loaded.
func Load(env string) (*File, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, "merge "+env+" config")
		}
	}

	viper.SetEnvPrefix("SOLINDEXER")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SOLINDEXER_ENV environment
// variable to pick the overlay file.
func LoadFromEnv() (*File, error) {
	return Load(utils.EnvOrDefault("SOLINDEXER_ENV", ""))
}

// ToCoreConfig translates the file-shaped configuration into the
// programmatic core.Config the Indexer consumes, converting millisecond ints
// into time.Duration and string enums into their typed equivalents.
func (f *File) ToCoreConfig() core.Config {
	cfg := core.Config{
		IndexFailedTx:      f.IndexFailedTx,
		MaxHandlerAttempts: f.MaxHandlerAttempts,
		UseStreaming:       f.RPC.UseStreaming,
		MetricsNamespace:   f.MetricsNamespace,
	}
	for _, id := range f.ProgramIDs {
		cfg.ProgramIDs = append(cfg.ProgramIDs, core.ProgramID(id))
	}

	var mode core.IndexingMode
	if f.Mode.Inputs {
		mode |= core.ModeInputs
	}
	if f.Mode.Logs {
		mode |= core.ModeLogs
	}
	if f.Mode.Accounts {
		mode |= core.ModeAccounts
	}
	if mode == 0 {
		mode = core.ModeInputs
	}
	cfg.Mode = mode

	cfg.Poller = core.PollerConfig{
		BatchSize:              f.Poller.BatchSize,
		PollInterval:           time.Duration(f.Poller.PollIntervalMS) * time.Millisecond,
		Commitment:             parseCommitment(f.Poller.Commitment),
		MaxBackoff:             time.Duration(f.Poller.MaxBackoffMS) * time.Millisecond,
		MaxConsecutiveFailures: f.Poller.MaxConsecutiveFailures,
	}

	cfg.Streamer = core.StreamerConfig{
		Commitment:        parseCommitment(f.Streamer.Commitment),
		ReconnectDelay:    time.Duration(f.Streamer.ReconnectDelayMS) * time.Millisecond,
		MaxReconnectDelay: time.Duration(f.Streamer.MaxReconnectDelayMS) * time.Millisecond,
	}

	cfg.Fetcher = core.FetcherConfig{
		WorkerThreads:     f.Fetcher.WorkerThreads,
		PerRequestTimeout: time.Duration(f.Fetcher.PerRequestTimeoutMS) * time.Millisecond,
		MaxRetries:        f.Fetcher.MaxRetries,
		RetryBaseDelay:    time.Duration(f.Fetcher.RetryBaseDelayMS) * time.Millisecond,
		Commitment:        parseCommitment(f.Poller.Commitment),
	}

	cfg.Backfill = core.BackfillConfig{
		Enabled:         f.Backfill.Enabled,
		PollInterval:    time.Duration(f.Backfill.PollIntervalMS) * time.Millisecond,
		DesiredLagSlots: core.Slot(f.Backfill.DesiredLagSlots),
		BatchSize:       core.Slot(f.Backfill.BatchSize),
		Concurrency:     f.Backfill.Concurrency,
		MaxDepth:        core.Slot(f.Backfill.MaxDepth),
		MaxAttempts:     f.Backfill.MaxAttempts,
		StartStrategy:   parseStartStrategy(f.Backfill.StartStrategy),
		StartSlot:       core.Slot(f.Backfill.StartSlot),
		EndSlot:         core.Slot(f.Backfill.EndSlot),
	}

	cfg.Finalization = core.FinalizationTrackerConfig{
		CheckInterval:           time.Duration(f.Finalization.CheckIntervalMS) * time.Millisecond,
		StaleTentativeThreshold: time.Duration(f.Finalization.StaleTentativeThresholdMS) * time.Millisecond,
	}

	return cfg
}

func parseCommitment(s string) core.Commitment {
	switch s {
	case "processed":
		return core.CommitmentProcessed
	case "confirmed":
		return core.CommitmentConfirmed
	default:
		return core.CommitmentFinalized
	}
}

func parseStartStrategy(s string) core.StartStrategy {
	switch s {
	case "from_tip":
		return core.StartFromTip
	case "from_slot":
		return core.StartFromSlot
	case "full":
		return core.StartFull
	default:
		return core.StartResume
	}
}
