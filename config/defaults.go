// Package config provides configuration defaults and utilities
// for the daqd application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Directory Defaults
// =============================================================================

const (
	// DefaultDataRoot is the local archive root.
	// Override via config: data_root
	DefaultDataRoot = "~/daqd/data"

	// DefaultStagingRoot is where artifacts wait for the transfer client.
	// Override via config: staging_root
	DefaultStagingRoot = "~/daqd/staging"

	// DefaultStateDir holds the state database, locks and ledger files.
	// Override via config: state_dir
	DefaultStateDir = "~/daqd/state"

	// DefaultTimezone is used for bucket paths, bin labels and record stamps.
	// Override via config: timezone
	DefaultTimezone = "UTC"
)

// =============================================================================
// Scheduler Defaults
// =============================================================================

const (
	// DefaultSchedulerWorkers is the number of concurrent task workers.
	// Zero means one worker per scheduled task, so a hung share or
	// instrument stalls only its own task.
	// Override via config: scheduler.workers
	DefaultSchedulerWorkers = 0

	// DefaultSchedulerQueueSize is the job queue capacity.
	// Override via config: scheduler.queue_size
	DefaultSchedulerQueueSize = 256

	// DefaultSchedulerTickInterval is how often the scheduler checks for due tasks.
	// Override via config: scheduler.tick_interval
	DefaultSchedulerTickInterval = 100 * time.Millisecond

	// DefaultDrainTimeoutSec is how long to wait for in-flight tasks during shutdown.
	// Override via config: scheduler.drain_timeout
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Instrument Defaults
// =============================================================================

const (
	// DefaultPollInterval is how often a poll instrument is queried.
	// Override via config: instruments.<name>.poll_interval
	DefaultPollInterval = time.Minute

	// DefaultPollTimeout bounds one instrument exchange.
	// Override via config: instruments.<name>.poll_timeout
	DefaultPollTimeout = 30 * time.Second

	// DefaultSyncInterval is how often sync and drain tasks run.
	// Override via config: instruments.<name>.sync_interval
	DefaultSyncInterval = 10 * time.Minute

	// DefaultLookbackDays is the bucket lookback window.
	// Override via config: instruments.<name>.lookback_days
	DefaultLookbackDays = 1

	// DefaultReportingIntervalMinutes is the rotation bin size.
	// Override via config: instruments.<name>.reporting_interval_minutes
	DefaultReportingIntervalMinutes = 10

	// DefaultSerialBaudRate is used when serial.baudrate is unset.
	DefaultSerialBaudRate = 9600

	// DefaultSerialTimeout is the read timeout of a serial exchange.
	DefaultSerialTimeout = 2 * time.Second

	// DefaultSocketTimeout is the dial/read timeout of a TCP exchange.
	DefaultSocketTimeout = 5 * time.Second

	// DefaultSocketSleep is the pause between sending a command and reading.
	DefaultSocketSleep = 500 * time.Millisecond

	// DefaultSNMPPort is the SNMP agent port.
	DefaultSNMPPort = 161

	// DefaultSNMPTimeout is the timeout for a single SNMP request.
	DefaultSNMPTimeout = 5 * time.Second

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	DefaultSNMPRetries = 2

	// DefaultDumpPageSize is the number of records fetched per dump command.
	DefaultDumpPageSize = 10
)

// =============================================================================
// Ledger and Stats Defaults
// =============================================================================

const (
	// DefaultLedgerRetention is how long staging ledger files are kept.
	// Override via config: ledger.retention
	DefaultLedgerRetention = 90 * 24 * time.Hour

	// DefaultStatsReportInterval is how often task stats are logged.
	// Override via config: stats.report_interval
	DefaultStatsReportInterval = 15 * time.Minute

	// DefaultStatsAccuracy is the DDSketch relative accuracy.
	// Override via config: stats.accuracy
	DefaultStatsAccuracy = 0.01
)
