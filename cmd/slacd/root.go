package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"slacd/internal/app"
	"slacd/internal/config"
)

var gVersion = "9.9.9" // overwritten by ldflags at build time

var (
	flagDebug    bool
	flagLogLevel string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:               app.Name,
	Short:             app.Name,
	Long:              fmt.Sprintf("%s is the EVSE-side SLAC matching daemon for HomePlug Green PHY, per ISO 15118-3.", app.Name),
	PersistentPreRunE: initializeApplication,
	Version:           gVersion,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().BoolVar(&flagDebug, app.FlagDebugName, false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, app.FlagLogLevelName, "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, app.FlagLogFileName, "", "write logs to this file instead of stdout")
}

// Execute adds all child commands to the root command. Called once by main.
func Execute() {
	cobra.EnableCommandSorting = false
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApplication(cmd *cobra.Command, args []string) error {
	timestamp := time.Now().Local().Format("2006-01-02_15-04-05")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if flagDebug {
		level = slog.LevelDebug
	}
	if flagLogLevel != "" {
		if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
			return fmt.Errorf("invalid --%s %q: %w", app.FlagLogLevelName, flagLogLevel, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: flagDebug}

	var logFilePath string
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G302
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(f, opts)))
		logFilePath = f.Name()
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
	}

	slog.Info("starting up", slog.String("app", app.Name), slog.String("version", gVersion), slog.Int("pid", os.Getpid()), slog.String("arguments", strings.Join(os.Args, " ")))

	target := cmd
	if cmd.Parent() != nil {
		target = cmd.Parent()
	}
	target.SetContext(context.WithValue(context.Background(), app.Context{}, app.Context{
		Timestamp:   timestamp,
		Version:     gVersion,
		Debug:       flagDebug,
		LogFilePath: logFilePath,
	}))
	return nil
}
