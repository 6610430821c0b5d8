// Package main implements the pairsync binary: bidirectional synchronization
// of configured table sets between paired local and cloud databases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/pairsync/pairsync/internal/config"
	"github.com/pairsync/pairsync/internal/log"
	pairsync "github.com/pairsync/pairsync/internal/sync"
	"github.com/pairsync/pairsync/internal/worker"
)

// Config holds the application configuration
type Config struct {
	ConfigFile string `short:"c" env:"PAIRSYNC_CONFIG" long:"config" description:"Path to the TOML configuration file" default:"pairsync.toml"`
	LogLevel   string `short:"l" env:"PAIRSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	RunOnce    bool   `long:"run-once" description:"Run a single sync cycle and exit"`
	Scheduled  bool   `long:"scheduled" description:"Run the periodic sync scheduler (the default mode)"`
	Setup      bool   `long:"setup" description:"Create changelog tables and capture triggers, then exit"`
	Teardown   bool   `long:"teardown" description:"Remove capture triggers, then exit"`
	Validate   bool   `long:"validate" description:"Check connectivity and table preconditions, then exit"`
	Version    bool   `short:"v" long:"version" description:"Show version information"`
	Help       bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("pairsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("pairsync logging initialized")
	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	cmdOpts, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(cmdOpts.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	cfg, err := config.Load(cmdOpts.ConfigFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	// A log level in the config file applies unless the flag overrode it.
	if cfg.Sync.LogLevel != "" && cmdOpts.LogLevel == "info" {
		if err := SetupLogging(cfg.Sync.LogLevel); err != nil {
			logrus.WithError(err).Fatal("Failed to setup logging")
		}
	}

	w := worker.New(cfg.Options(), worker.Events{
		Error: func(pair string, err error) {
			logrus.WithField("pair", pair).WithError(err).Error("Pair sync failed")
		},
	})
	pairs := cfg.SyncPairs()
	w.SetPairs(pairs)

	switch {
	case cmdOpts.Setup:
		exitOnErrors(w.SetupInfrastructure(ctx), "Infrastructure setup")
	case cmdOpts.Teardown:
		exitOnErrors(w.TeardownInfrastructure(ctx), "Infrastructure teardown")
	case cmdOpts.Validate:
		exitOnErrors(w.ValidateAll(ctx), "Validation")
	case cmdOpts.RunOnce:
		results, err := w.RunManual(ctx)
		if err != nil {
			logrus.WithError(err).Fatal("Sync run failed to start")
		}
		persistTimestamps(cmdOpts.ConfigFile, cfg, pairs)
		for _, res := range results {
			if !res.Success {
				os.Exit(1)
			}
		}
	default:
		if err := w.StartScheduled(ctx, cfg.Interval()); err != nil {
			logrus.WithError(err).Fatal("Failed to start scheduler")
		}
		<-ctx.Done()
		w.Cleanup()
		persistTimestamps(cmdOpts.ConfigFile, cfg, pairs)
		logrus.Info("Graceful shutdown completed")
	}
}

func exitOnErrors(errs []error, operation string) {
	for _, err := range errs {
		logrus.WithError(err).Error(operation + " reported a problem")
	}
	if len(errs) > 0 {
		os.Exit(1)
	}
	logrus.Info(operation + " completed")
}

// persistTimestamps writes the last-sync bookkeeping back to the config file.
func persistTimestamps(path string, cfg *config.Config, pairs []*pairsync.Pair) {
	cfg.UpdateSyncTimestamps(pairs)
	if err := config.Save(path, cfg); err != nil {
		logrus.WithError(err).Warn("Failed to persist sync timestamps")
	}
}
