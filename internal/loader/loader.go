// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables and home directories
//   - Processing include directives
//   - Converting the YAML representation into component configurations
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/rotation"
	"github.com/xtxerr/daqd/internal/scheduler"
	"github.com/xtxerr/daqd/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file, applies defaults and expands
// paths. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Instruments == nil {
		cfg.Instruments = make(map[string]*InstrumentConfig)
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	for _, ic := range cfg.Instruments {
		if ic != nil {
			ic.applyDefaults()
		}
	}

	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// processIncludes loads and merges included instrument files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		pattern, err := homedir.Expand(pattern)
		if err != nil {
			return fmt.Errorf("expand include %q: %w", pattern, err)
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := doublestar.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}
	return nil
}

// loadInclude merges the instruments of one include file. An instrument
// defined twice is an error.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial struct {
		Instruments map[string]*InstrumentConfig `yaml:"instruments"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for name, ic := range partial.Instruments {
		if _, ok := cfg.Instruments[name]; ok {
			return errors.NewInvalidValue("instruments", name, "defined more than once")
		}
		cfg.Instruments[name] = ic
	}
	return nil
}

func expandPaths(cfg *Config) error {
	paths := []*string{&cfg.DataRoot, &cfg.StagingRoot, &cfg.StateDir, &cfg.Logging.Dir}
	for _, ic := range cfg.Instruments {
		if ic != nil {
			paths = append(paths, &ic.Source)
		}
	}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration, collecting every problem.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	for field, p := range map[string]string{
		"data_root":    cfg.DataRoot,
		"staging_root": cfg.StagingRoot,
		"state_dir":    cfg.StateDir,
	} {
		if err := validation.ValidateRoot(p); err != nil {
			errs.AddField(field, err.Error())
		}
	}
	if cfg.DataRoot != "" && cfg.StagingRoot != "" &&
		(validation.IsWithin(cfg.DataRoot, cfg.StagingRoot) || validation.IsWithin(cfg.StagingRoot, cfg.DataRoot)) {
		errs.AddField("staging_root", "must not overlap data_root")
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs.AddField("timezone", err.Error())
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	if cfg.Scheduler.Workers < 0 {
		errs.AddField("scheduler.workers", "cannot be negative")
	}
	if cfg.Ledger.Enabled && cfg.Ledger.Retention < 0 {
		errs.AddField("ledger.retention", "cannot be negative")
	}
	if cfg.Stats.Accuracy <= 0 || cfg.Stats.Accuracy >= 1 {
		errs.AddField("stats.accuracy", "must be between 0 and 1")
	}

	if len(cfg.Instruments) == 0 {
		errs.AddField("instruments", "at least one instrument is required")
	}

	names := make([]string, 0, len(cfg.Instruments))
	for name := range cfg.Instruments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		validateInstrument(errs, cfg, name, cfg.Instruments[name])
	}

	return errs.Err()
}

func validateInstrument(errs *errors.ValidationErrors, cfg *Config, name string, ic *InstrumentConfig) {
	prefix := "instruments." + name
	if err := validation.ValidateInstrumentName(name); err != nil {
		errs.AddField(prefix, err.Error())
	}
	if ic == nil {
		errs.AddField(prefix, "cannot be empty")
		return
	}

	switch ic.Kind {
	case constants.KindPoll:
		validatePoll(errs, prefix, ic)
	case constants.KindSync, constants.KindDrain:
		validateFileTask(errs, cfg, prefix, name, ic)
	default:
		errs.AddField(prefix+".kind", "must be one of poll|sync|drain")
	}
}

func validatePoll(errs *errors.ValidationErrors, prefix string, ic *InstrumentConfig) {
	if !constants.IsValidTransport(ic.Transport) {
		errs.AddField(prefix+".transport", "must be one of serial|tcp|snmp|simulate")
	}
	if err := rotation.ValidateInterval(ic.ReportingIntervalMinutes); err != nil {
		errs.AddField(prefix+".reporting_interval_minutes", err.Error())
	}
	if ic.ID != nil && (*ic.ID < 0 || *ic.ID > 127) {
		errs.AddField(prefix+".id", "must be 0 to 127")
	}

	if ic.Transport != constants.TransportSNMP {
		if err := validation.ValidateCommand(ic.GetData); err != nil {
			errs.AddField(prefix+".get_data", err.Error())
		}
	}
	for i, cmd := range ic.GetConfig {
		if err := validation.ValidateCommand(cmd); err != nil {
			errs.AddField(fmt.Sprintf("%s.get_config[%d]", prefix, i), err.Error())
		}
	}
	for i, cmd := range ic.SetConfig {
		if err := validation.ValidateCommand(cmd); err != nil {
			errs.AddField(fmt.Sprintf("%s.set_config[%d]", prefix, i), err.Error())
		}
	}

	switch ic.Transport {
	case constants.TransportSerial:
		if ic.Serial.Port == "" {
			errs.AddMissing(prefix + ".serial.port")
		}
	case constants.TransportTCP:
		if ic.Socket.Host == "" {
			errs.AddMissing(prefix + ".socket.host")
		}
		if ic.Socket.Port <= 0 || ic.Socket.Port > 65535 {
			errs.AddField(prefix+".socket.port", "must be 1 to 65535")
		}
	case constants.TransportSNMP:
		if ic.SNMP.Host == "" {
			errs.AddMissing(prefix + ".snmp.host")
		}
		if ic.SNMP.Community == "" {
			errs.AddMissing(prefix + ".snmp.community")
		}
		if len(ic.SNMP.OIDs) == 0 && ic.GetData == "get" {
			errs.AddMissing(prefix + ".snmp.oids")
		}
	}

	validateSchedule(errs, prefix, "poll", ic.PollInterval, ic.PollSchedule)
}

func validateFileTask(errs *errors.ValidationErrors, cfg *Config, prefix, name string, ic *InstrumentConfig) {
	if err := validation.ValidateRoot(ic.Source); err != nil {
		errs.AddField(prefix+".source", err.Error())
	} else if cfg.DataRoot != "" {
		archive := filepath.Join(cfg.DataRoot, name)
		if validation.IsWithin(archive, ic.Source) || validation.IsWithin(ic.Source, archive) {
			errs.AddField(prefix+".source", "must not overlap the instrument's archive directory")
		}
	}

	if ic.Kind == constants.KindSync {
		if !constants.IsValidPartitionMode(ic.PartitionMode) {
			errs.AddField(prefix+".partition_mode", "partitioning mode must be one of none|daily|monthly")
		}
		if ic.LookbackDays <= 0 {
			errs.AddField(prefix+".lookback_days", "must be positive")
		}
	}
	if ic.SettlingDelaySeconds < 0 {
		errs.AddField(prefix+".settling_delay_seconds", "cannot be negative")
	}
	validateSchedule(errs, prefix, "sync", ic.SyncInterval, ic.SyncSchedule)
}

func validateSchedule(errs *errors.ValidationErrors, prefix, task string, interval Duration, expr string) {
	intervalField := prefix + "." + task + "_interval"
	scheduleField := prefix + "." + task + "_schedule"
	if expr != "" {
		if interval != 0 {
			errs.AddField(scheduleField, "cannot be combined with "+task+"_interval")
		}
		if _, err := scheduler.Cron(expr, time.UTC); err != nil {
			errs.AddField(scheduleField, err.Error())
		}
		return
	}
	if interval <= 0 {
		errs.AddField(intervalField, "must be positive")
	}
}
