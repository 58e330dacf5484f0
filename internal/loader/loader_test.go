package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/scheduler"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const mainConfig = `
data_root: ${DAQD_TEST_ROOT}/data
staging_root: ${DAQD_TEST_ROOT}/staging
state_dir: ${DAQD_TEST_ROOT}/state
timezone: Europe/Zurich
include:
  - conf.d/**/*.yaml
ledger:
  retention: 720h
instruments:
  tei49c:
    kind: poll
    transport: tcp
    id: 49
    header: pcdate pctime time date flags o3
    get_data: lrec
    get_config: [mode, range]
    set_config: [set mode remote]
    reporting_interval_minutes: 60
    poll_interval: 60
    socket:
      host: 192.168.0.20
      port: 9880
  ae33:
    kind: sync
    source: /mnt/share/ae33
    partition_mode: monthly
    lookback_days: 40
    include: ["*.dat"]
    staging_as_archive: true
    sync_schedule: "*/10 * * * *"
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DAQD_TEST_ROOT", dir)

	writeFile(t, filepath.Join(dir, "daqd.yaml"), mainConfig)
	writeFile(t, filepath.Join(dir, "conf.d", "site", "drop.yaml"), `
instruments:
  aurora:
    kind: drain
    source: /var/spool/aurora
    settling_delay_seconds: 600
`)

	cfg, err := Load(filepath.Join(dir, "daqd.yaml"))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataRoot)
	assert.Equal(t, 30*24*time.Hour, cfg.Ledger.Retention.Duration())
	assert.Equal(t, config.DefaultStatsAccuracy, cfg.Stats.Accuracy)
	require.Len(t, cfg.Instruments, 3)

	tei := cfg.Instruments["tei49c"]
	assert.Equal(t, time.Minute, tei.PollInterval.Duration())
	assert.Equal(t, config.DefaultPollTimeout, tei.PollTimeout.Duration())
	assert.Equal(t, config.DefaultSocketSleep, tei.Socket.Sleep.Duration())

	ic := ToInstrumentConfig("tei49c", tei)
	assert.Equal(t, 49, ic.ID)
	assert.Equal(t, 9880, ic.Socket.Port)
	assert.Equal(t, []string{"mode", "range"}, ToCommands(tei).GetConfig)

	loc, err := cfg.Location()
	require.NoError(t, err)
	rc := ToRotationConfig(cfg, "tei49c", tei, loc)
	assert.Equal(t, 60, rc.ReportingIntervalMinutes)
	assert.Equal(t, "Europe/Zurich", rc.Location.String())

	ae := cfg.Instruments["ae33"]
	sc := ToSyncConfig(cfg, "ae33", ae, loc)
	assert.Equal(t, filepath.Join(dir, "data", "ae33"), sc.ArchiveRoot)
	assert.Equal(t, 40, sc.LookbackDays)
	assert.Zero(t, sc.SettlingDelay)
	assert.True(t, ToStagingConfig(cfg, ae).Archive)

	dc := ToDrainConfig(cfg, "aurora", cfg.Instruments["aurora"])
	assert.Equal(t, 10*time.Minute, dc.SettlingDelay)
	assert.Equal(t, config.DefaultSyncInterval, cfg.Instruments["aurora"].SyncInterval.Duration())

	assert.Equal(t, filepath.Join(dir, "state", "state.duckdb"), ToStatestoreConfig(cfg).DSN)
	assert.Equal(t, filepath.Join(dir, "state", "ledger"), ToLedgerOptions(cfg).Dir)
}

func TestLoadDuplicateInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "daqd.yaml"), `
include: [more.yaml]
instruments:
  ae33: {kind: drain, source: /x}
`)
	writeFile(t, filepath.Join(dir, "more.yaml"), `
instruments:
  ae33: {kind: drain, source: /y}
`)

	_, err := Load(filepath.Join(dir, "daqd.yaml"))
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataRoot = "/srv/daqd/data"
	cfg.StagingRoot = "/srv/daqd/staging"
	cfg.StateDir = "/srv/daqd/state"
	cfg.Instruments["sim"] = &InstrumentConfig{
		Kind:      constants.KindPoll,
		Transport: constants.TransportSimulate,
		GetData:   "lrec",
	}
	cfg.Instruments["sim"].applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validConfig()))

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad reporting interval", func(c *Config) { c.Instruments["sim"].ReportingIntervalMinutes = 45 }, "reporting_interval_minutes"},
		{"unknown kind", func(c *Config) { c.Instruments["sim"].Kind = "push" }, "kind"},
		{"unknown transport", func(c *Config) { c.Instruments["sim"].Transport = "usb" }, "transport"},
		{"multi-line command", func(c *Config) { c.Instruments["sim"].GetData = "lrec\nflags" }, "get_data"},
		{"relative data root", func(c *Config) { c.DataRoot = "data" }, "data_root"},
		{"overlapping staging", func(c *Config) { c.StagingRoot = "/srv/daqd/data/out" }, "staging_root"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad cron", func(c *Config) {
			c.Instruments["sim"].PollInterval = 0
			c.Instruments["sim"].PollSchedule = "every tuesday"
		}, "poll_schedule"},
		{"interval and cron", func(c *Config) { c.Instruments["sim"].PollSchedule = "@hourly" }, "poll_schedule"},
		{"bad partition mode", func(c *Config) {
			c.Instruments["ae33"] = &InstrumentConfig{Kind: constants.KindSync, Source: "/mnt/ae33", PartitionMode: "weekly", LookbackDays: 1, SyncInterval: Duration(time.Minute)}
		}, "partition_mode"},
		{"negative lookback", func(c *Config) {
			c.Instruments["ae33"] = &InstrumentConfig{Kind: constants.KindSync, Source: "/mnt/ae33", PartitionMode: "daily", LookbackDays: -1, SyncInterval: Duration(time.Minute)}
		}, "lookback_days"},
		{"source inside archive", func(c *Config) {
			c.Instruments["ae33"] = &InstrumentConfig{Kind: constants.KindDrain, Source: "/srv/daqd/data/ae33/in", SyncInterval: Duration(time.Minute)}
		}, "source"},
		{"tcp without host", func(c *Config) { c.Instruments["sim"].Transport = constants.TransportTCP }, "socket.host"},
		{"bad instrument name", func(c *Config) { c.Instruments["a.b"] = c.Instruments["sim"] }, "instruments.a.b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLookbackDays(t *testing.T) {
	var omitted, zero map[string]*InstrumentConfig
	require.NoError(t, yaml.Unmarshal([]byte("ae33:\n  kind: sync\n  source: /mnt/ae33\n"), &omitted))
	require.NoError(t, yaml.Unmarshal([]byte("ae33:\n  kind: sync\n  lookback_days: 0\n"), &zero))

	assert.Equal(t, config.DefaultLookbackDays, omitted["ae33"].LookbackDays)
	assert.Equal(t, "/mnt/ae33", omitted["ae33"].Source)
	assert.Zero(t, zero["ae33"].LookbackDays)

	cfg := validConfig()
	cfg.Instruments["ae33"] = &InstrumentConfig{Kind: constants.KindSync, Source: "/mnt/ae33", PartitionMode: "daily", SyncInterval: Duration(time.Minute)}
	err := Validate(cfg)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
	assert.Contains(t, err.Error(), "lookback_days")
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := validConfig()
	cfg.DataRoot = ""
	cfg.Instruments["sim"].ReportingIntervalMinutes = 45

	var verrs *errors.ValidationErrors
	require.True(t, errors.As(Validate(cfg), &verrs))
	assert.GreaterOrEqual(t, len(verrs.Unwrap()), 2)
}

func TestDurationUnmarshal(t *testing.T) {
	var v struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 90s\nb: 120\n"), &v))
	assert.Equal(t, 90*time.Second, v.A.Duration())
	assert.Equal(t, 2*time.Minute, v.B.Duration())

	assert.Error(t, yaml.Unmarshal([]byte("a: soon\n"), &v))
}

func TestTaskSchedule(t *testing.T) {
	s, timeout, err := TaskSchedule(&InstrumentConfig{
		Kind:         constants.KindPoll,
		PollInterval: Duration(time.Minute),
		PollTimeout:  Duration(10 * time.Second),
	}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)
	assert.Equal(t, scheduler.Every(time.Minute).String(), s.String())

	s, timeout, err = TaskSchedule(&InstrumentConfig{Kind: constants.KindSync, SyncSchedule: "@hourly"}, time.UTC)
	require.NoError(t, err)
	assert.Zero(t, timeout)
	from := time.Date(2024, 3, 7, 10, 7, 0, 0, time.UTC)
	assert.True(t, s.Next(from).Equal(time.Date(2024, 3, 7, 11, 0, 0, 0, time.UTC)))

	sc := ToSchedulerConfig(&SchedulerConfig{}, 4)
	assert.Equal(t, 4, sc.Workers)
}
