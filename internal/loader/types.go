// Package loader - Configuration Types
//
// Defines the YAML configuration structure for daqd.
//
//	data_root:     local archive, <data_root>/<instrument>/...
//	staging_root:  artifacts for the transfer client
//	state_dir:     rotation state database, locks, ledger
//	timezone:      calendar buckets, bin labels, record stamps
//	logging, scheduler, ledger, stats
//	instruments:   name -> poll | sync | drain task settings
package loader

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/constants"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for daqd.
type Config struct {
	DataRoot    string `yaml:"data_root"`
	StagingRoot string `yaml:"staging_root"`
	StateDir    string `yaml:"state_dir"`
	Timezone    string `yaml:"timezone"`

	// Include lists glob patterns of files contributing more instruments.
	// Relative patterns are resolved against the including file.
	Include []string `yaml:"include"`

	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Stats     StatsConfig     `yaml:"stats"`

	Instruments map[string]*InstrumentConfig `yaml:"instruments"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`

	// Dir enables a YYYYMMDD.log file per process start, mirrored to stdout.
	Dir string `yaml:"dir"`
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	// Workers is the number of concurrent task workers.
	// Zero means one per scheduled task.
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	TickInterval Duration `yaml:"tick_interval"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// LedgerConfig holds staging ledger settings.
type LedgerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Retention   Duration `yaml:"retention"`
	Compression string   `yaml:"compression"`
	Digest      bool     `yaml:"digest"`
}

// StatsConfig holds task statistics settings.
type StatsConfig struct {
	ReportInterval Duration `yaml:"report_interval"`
	Accuracy       float64  `yaml:"accuracy"`
}

// =============================================================================
// Instrument Configuration
// =============================================================================

// InstrumentConfig configures one instrument and its task.
type InstrumentConfig struct {
	Kind string `yaml:"kind"`

	// -------------------------------------------------------------------------
	// poll
	// -------------------------------------------------------------------------

	Transport string `yaml:"transport"`

	// ID is the device address sent as byte id+128 before each command.
	// Unset sends commands without an address byte.
	ID *int `yaml:"id"`

	Header    string   `yaml:"header"`
	GetData   string   `yaml:"get_data"`
	GetConfig []string `yaml:"get_config"`
	SetConfig []string `yaml:"set_config"`

	// SyncClock sets the instrument clock at start.
	SyncClock bool `yaml:"sync_clock"`

	TimestampRecords         bool `yaml:"timestamp_records"`
	ReportingIntervalMinutes int  `yaml:"reporting_interval_minutes"`

	PollInterval Duration `yaml:"poll_interval"`
	PollSchedule string   `yaml:"poll_schedule"`
	PollTimeout  Duration `yaml:"poll_timeout"`

	Serial SerialConfig `yaml:"serial"`
	Socket SocketConfig `yaml:"socket"`
	SNMP   SNMPConfig   `yaml:"snmp"`

	// -------------------------------------------------------------------------
	// sync and drain
	// -------------------------------------------------------------------------

	Source               string   `yaml:"source"`
	PartitionMode        string   `yaml:"partition_mode"`
	LookbackDays         int      `yaml:"lookback_days"`
	SettlingDelaySeconds int      `yaml:"settling_delay_seconds"`
	Include              []string `yaml:"include"`
	SyncInterval         Duration `yaml:"sync_interval"`
	SyncSchedule         string   `yaml:"sync_schedule"`

	// StagingAsArchive stages single-entry zip archives instead of raw copies.
	StagingAsArchive bool `yaml:"staging_as_archive"`
}

// SerialConfig holds serial port settings.
type SerialConfig struct {
	Port     string   `yaml:"port"`
	BaudRate int      `yaml:"baudrate"`
	DataBits int      `yaml:"databits"`
	Parity   string   `yaml:"parity"`
	StopBits float64  `yaml:"stopbits"`
	Timeout  Duration `yaml:"timeout"`
}

// SocketConfig holds TCP settings.
type SocketConfig struct {
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Timeout Duration  `yaml:"timeout"`
	Sleep   *Duration `yaml:"sleep"`
}

// SNMPConfig holds SNMP v2c settings.
type SNMPConfig struct {
	Host      string   `yaml:"host"`
	Port      uint16   `yaml:"port"`
	Community string   `yaml:"community"`
	OIDs      []string `yaml:"oids"`
	Timeout   Duration `yaml:"timeout"`
	Retries   int      `yaml:"retries"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DataRoot:    config.DefaultDataRoot,
		StagingRoot: config.DefaultStagingRoot,
		StateDir:    config.DefaultStateDir,
		Timezone:    config.DefaultTimezone,
		Logging: LoggingConfig{
			Level: "info",
		},
		Scheduler: SchedulerConfig{
			Workers:      config.DefaultSchedulerWorkers,
			QueueSize:    config.DefaultSchedulerQueueSize,
			TickInterval: Duration(config.DefaultSchedulerTickInterval),
			DrainTimeout: Duration(time.Duration(config.DefaultDrainTimeoutSec) * time.Second),
		},
		Ledger: LedgerConfig{
			Enabled:     true,
			Retention:   Duration(config.DefaultLedgerRetention),
			Compression: "zstd",
			Digest:      true,
		},
		Stats: StatsConfig{
			ReportInterval: Duration(config.DefaultStatsReportInterval),
			Accuracy:       config.DefaultStatsAccuracy,
		},
		Instruments: make(map[string]*InstrumentConfig),
	}
}

// UnmarshalYAML presets the fields whose zero value is invalid rather than
// unset, so a written zero reaches Validate.
func (ic *InstrumentConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain InstrumentConfig
	raw := plain{LookbackDays: config.DefaultLookbackDays}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*ic = InstrumentConfig(raw)
	return nil
}

// applyDefaults fills unset instrument fields.
func (ic *InstrumentConfig) applyDefaults() {
	switch ic.Kind {
	case constants.KindPoll:
		if ic.ReportingIntervalMinutes == 0 {
			ic.ReportingIntervalMinutes = config.DefaultReportingIntervalMinutes
		}
		if ic.PollInterval == 0 && ic.PollSchedule == "" {
			ic.PollInterval = Duration(config.DefaultPollInterval)
		}
		if ic.PollTimeout == 0 {
			ic.PollTimeout = Duration(config.DefaultPollTimeout)
		}
		if ic.Transport == constants.TransportSNMP && ic.GetData == "" {
			ic.GetData = "get"
		}
		if ic.Socket.Sleep == nil {
			d := Duration(config.DefaultSocketSleep)
			ic.Socket.Sleep = &d
		}
	case constants.KindSync, constants.KindDrain:
		if ic.SyncInterval == 0 && ic.SyncSchedule == "" {
			ic.SyncInterval = Duration(config.DefaultSyncInterval)
		}
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Accepts "90s" style strings or integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		// Plain integers arrive as strings too.
		secs, aerr := strconv.Atoi(strings.TrimSpace(s))
		if aerr != nil {
			return err
		}
		dur = time.Duration(secs) * time.Second
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
