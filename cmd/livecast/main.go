// Command livecast runs the scheduled live-streaming bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"livecast/internal/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const stopTimeout = 15 * time.Second

type rootFlags struct {
	config string
	env    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "livecast",
		Short:         "Telegram bot that starts live streams now or at a scheduled time",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(f.env)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), f.config)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config (yaml or json)")
	root.PersistentFlags().StringVar(&f.env, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBot(cmd.Context(), f.config)
			},
		},
		newCheckCmd(f),
		newScheduleCmd(f),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "livecast", version)
			},
		},
	)
	return root
}

// loadEnv reads a dotenv file without overriding variables already set.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func runBot(ctx context.Context, cfgPath string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		return err
	}
	return stopErr
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
