// daqd is the data acquisition daemon: it polls instruments into rotated
// archive files, syncs externally written shares and drains drop
// directories, staging every finished file for transfer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/xtxerr/daqd/internal/loader"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/station"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.StringP("config", "c", "/etc/daqd/daqd.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level debug|info|warn|error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON (overrides config)")
	once := flag.Bool("once", false, "run every sync and drain task once and exit")
	dump := flag.String("dump", "", "dump the record buffer of a poll instrument and exit")
	check := flag.Bool("check", false, "validate the configuration and exit")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("daqd", Version)
		return
	}

	if err := run(*cfgPath, *logLevel, *logJSON, *once, *dump, *check); err != nil {
		logging.Error("daqd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, logLevel string, logJSON, once bool, dump string, check bool) error {
	// =========================================================================
	// Load Configuration
	// =========================================================================

	cfg, err := loader.Load(cfgPath)
	if err != nil {
		return err
	}

	// CLI overrides
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logJSON {
		cfg.Logging.JSON = true
	}

	if err := loader.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", cfgPath, err)
	}
	if check {
		fmt.Printf("%s: %d instruments, configuration ok\n", cfgPath, len(cfg.Instruments))
		return nil
	}

	// =========================================================================
	// Logging
	// =========================================================================

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if cfg.Logging.Dir != "" {
		var closer io.Closer
		if closer, err = logging.InitFile(level, cfg.Logging.JSON, cfg.Logging.Dir); err != nil {
			return err
		}
		defer closer.Close()
	} else {
		logging.Init(level, cfg.Logging.JSON)
	}

	logging.Info("daqd starting",
		"version", Version,
		"config", cfgPath,
		"instruments", len(cfg.Instruments),
		"data_root", cfg.DataRoot,
		"staging_root", cfg.StagingRoot)

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case s := <-sig:
			logging.Info("shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	// =========================================================================
	// Build Station (locks every selected instrument)
	// =========================================================================

	opts := station.Options{}
	if dump != "" {
		opts.Instruments = []string{dump}
	}

	st, err := station.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn("station close", "error", err)
		}
	}()

	// =========================================================================
	// Run
	// =========================================================================

	switch {
	case dump != "":
		art, err := st.Dump(ctx, dump)
		if art != nil {
			logging.Info("dump written", "artifact", art.Path)
		}
		return err

	case once:
		err := st.RunOnce(ctx)
		st.Stats().Report()
		return err

	default:
		if err := st.Run(ctx); err != nil {
			return err
		}
		logging.Info("daqd stopped")
		return nil
	}
}
