// Package cli implements the asset-cache command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/always-cache/asset-cache/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set by the release build.
var Version = "DEV"

type options struct {
	configFile     string
	origin         string
	listen         string
	cacheName      string
	verbose        bool
	verbosityTrace bool
	logFile        string

	logCloser io.Closer
}

// NewRootCommand returns the asset-cache command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "asset-cache",
		Short: "Cache-first asset proxy with versioned precaching.",
		Long: `asset-cache sits in front of a static site and serves its assets cache-first.

A manifest of assets is precached into a named, versioned cache before the
new version takes over. Once it does, caches of older versions are deleted.
Bump the version in the cache name whenever the manifest changes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setupLogging(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file")
	flags.StringVar(&opts.origin, "origin", "", "origin URL to proxy to (overrides config)")
	flags.StringVar(&opts.listen, "listen", "", "address to listen on (overrides config)")
	flags.StringVar(&opts.cacheName, "cache-name", "", "versioned cache name, e.g. restaurant-static-v27 (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbosity: debug logging")
	flags.BoolVar(&opts.verbosityTrace, "vv", false, "verbosity: trace logging")
	flags.StringVar(&opts.logFile, "log-file", "", "log file to use (in addition to stderr)")

	cmd.AddCommand(
		newServeCommand(opts),
		newCachesCommand(opts),
		newRestaurantsCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// Execute runs the command line and exits on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) setupLogging(out io.Writer) error {
	logLevel := zerolog.InfoLevel
	if o.verbose {
		logLevel = zerolog.DebugLevel
	}
	if o.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// log to the console, and to the log file if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: out})
	if o.logFile != "" {
		logFileOutput, err := os.OpenFile(o.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
		o.logCloser = logFileOutput
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", Version).Logger()
	return nil
}

// loadConfig loads the config file and environment, then applies flag overrides.
func (o *options) loadConfig() (config.Config, error) {
	cfg, err := config.Read(o.configFile)
	if err != nil {
		return cfg, err
	}
	if o.origin != "" {
		cfg.Origin = o.origin
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.cacheName != "" {
		cfg.CacheName = o.cacheName
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
