package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/always-cache/precache/config"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile            string
	envFile            string
	verbosityDebugFlag bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "precache",
	Short: "Offline cache worker for the portfolio site",
	Long: `precache stores a fixed list of resources in a versioned bucket on startup
and then answers requests for them cache-first, passing everything else
through to the site or origin unchanged.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
			return err
		}
		return setupLogging()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "precache.yml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with environment variables to load")
	rootCmd.PersistentFlags().BoolVarP(&verbosityDebugFlag, "verbose", "v", false, "Verbosity: debug logging")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

// loadEnvFile loads variables from the env file.
// A missing file is only an error if it was asked for explicitly.
func loadEnvFile(filename string, explicit bool) error {
	if filename == "" {
		return nil
	}
	err := godotenv.Load(filename)
	if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return fmt.Errorf("loading env file %s: %w", filename, err)
	}
	return nil
}

func setupLogging() error {
	logLevel := zerolog.InfoLevel
	if verbosityDebugFlag {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
