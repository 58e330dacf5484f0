package loader

import (
	"path/filepath"
	"time"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/filesync"
	"github.com/xtxerr/daqd/internal/instrument"
	"github.com/xtxerr/daqd/internal/ledger"
	"github.com/xtxerr/daqd/internal/rotation"
	"github.com/xtxerr/daqd/internal/scheduler"
	"github.com/xtxerr/daqd/internal/staging"
	"github.com/xtxerr/daqd/internal/statestore"
)

// =============================================================================
// Conversion: Config → Process-wide components
// =============================================================================

// Location returns the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// StateDSN is the rotation state database file.
func (c *Config) StateDSN() string {
	return filepath.Join(c.StateDir, "state.duckdb")
}

// LockDir holds per-instrument lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// LedgerDir holds ledger files.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.StateDir, "ledger")
}

// ToSchedulerConfig converts scheduler settings. Zero workers become one
// worker per task.
func ToSchedulerConfig(cfg *SchedulerConfig, tasks int) *scheduler.Config {
	workers := cfg.Workers
	if workers == 0 {
		workers = tasks
	}
	return &scheduler.Config{
		Workers:      workers,
		QueueSize:    cfg.QueueSize,
		ResultsSize:  cfg.QueueSize,
		TickInterval: cfg.TickInterval.Duration(),
		DrainTimeout: cfg.DrainTimeout.Duration(),
	}
}

// ToStatestoreConfig converts the state database settings.
func ToStatestoreConfig(cfg *Config) statestore.Config {
	sc := statestore.DefaultConfig()
	sc.DSN = cfg.StateDSN()
	return sc
}

// ToLedgerOptions converts ledger settings.
func ToLedgerOptions(cfg *Config) ledger.Options {
	return ledger.Options{
		Dir:         cfg.LedgerDir(),
		Compression: cfg.Ledger.Compression,
		Digest:      cfg.Ledger.Digest,
	}
}

// =============================================================================
// Conversion: InstrumentConfig → Task components
// =============================================================================

// ToStagingConfig converts the staging settings of one instrument.
func ToStagingConfig(cfg *Config, ic *InstrumentConfig) staging.Config {
	return staging.Config{
		StagingRoot: cfg.StagingRoot,
		Archive:     ic.StagingAsArchive,
	}
}

// ToInstrumentConfig converts the transport settings of a poll instrument.
func ToInstrumentConfig(name string, ic *InstrumentConfig) instrument.Config {
	id := -1
	if ic.ID != nil {
		id = *ic.ID
	}
	sleep := time.Duration(0)
	if ic.Socket.Sleep != nil {
		sleep = ic.Socket.Sleep.Duration()
	}
	return instrument.Config{
		Name:      name,
		Transport: ic.Transport,
		ID:        id,
		Serial: instrument.SerialConfig{
			Port:     ic.Serial.Port,
			BaudRate: ic.Serial.BaudRate,
			DataBits: ic.Serial.DataBits,
			Parity:   ic.Serial.Parity,
			StopBits: ic.Serial.StopBits,
			Timeout:  ic.Serial.Timeout.Duration(),
		},
		Socket: instrument.SocketConfig{
			Host:    ic.Socket.Host,
			Port:    ic.Socket.Port,
			Timeout: ic.Socket.Timeout.Duration(),
			Sleep:   sleep,
		},
		SNMP: instrument.SNMPConfig{
			Host:      ic.SNMP.Host,
			Port:      ic.SNMP.Port,
			Community: ic.SNMP.Community,
			OIDs:      ic.SNMP.OIDs,
			Timeout:   ic.SNMP.Timeout.Duration(),
			Retries:   ic.SNMP.Retries,
		},
	}
}

// ToCommands converts the command set of a poll instrument.
func ToCommands(ic *InstrumentConfig) instrument.Commands {
	return instrument.Commands{
		GetData:   ic.GetData,
		GetConfig: ic.GetConfig,
		SetConfig: ic.SetConfig,
	}
}

// ToRotationConfig converts the rotation settings of a poll instrument.
func ToRotationConfig(cfg *Config, name string, ic *InstrumentConfig, loc *time.Location) rotation.Config {
	return rotation.Config{
		Instrument:               name,
		DataRoot:                 cfg.DataRoot,
		Header:                   ic.Header,
		ReportingIntervalMinutes: ic.ReportingIntervalMinutes,
		TimestampRecords:         ic.TimestampRecords,
		Location:                 loc,
	}
}

// ToSyncConfig converts the settings of a sync instrument.
func ToSyncConfig(cfg *Config, name string, ic *InstrumentConfig, loc *time.Location) filesync.Config {
	return filesync.Config{
		Instrument:    name,
		Source:        ic.Source,
		ArchiveRoot:   filepath.Join(cfg.DataRoot, name),
		PartitionMode: ic.PartitionMode,
		LookbackDays:  ic.LookbackDays,
		SettlingDelay: time.Duration(ic.SettlingDelaySeconds) * time.Second,
		Include:       ic.Include,
		Location:      loc,
	}
}

// ToDrainConfig converts the settings of a drain instrument.
func ToDrainConfig(cfg *Config, name string, ic *InstrumentConfig) filesync.DrainConfig {
	return filesync.DrainConfig{
		Instrument:    name,
		Source:        ic.Source,
		ArchiveDir:    filepath.Join(cfg.DataRoot, name),
		SettlingDelay: time.Duration(ic.SettlingDelaySeconds) * time.Second,
		Include:       ic.Include,
	}
}

// TaskSchedule returns the schedule of the instrument's task and the
// per-run timeout. Only poll runs are bounded.
func TaskSchedule(ic *InstrumentConfig, loc *time.Location) (scheduler.Schedule, time.Duration, error) {
	interval, expr := ic.SyncInterval, ic.SyncSchedule
	var timeout time.Duration
	if ic.Kind == constants.KindPoll {
		interval, expr = ic.PollInterval, ic.PollSchedule
		timeout = ic.PollTimeout.Duration()
	}

	if expr != "" {
		s, err := scheduler.Cron(expr, loc)
		return s, timeout, err
	}
	return scheduler.Every(interval.Duration()), timeout, nil
}
