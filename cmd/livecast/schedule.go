package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"livecast/internal/config"
	"livecast/internal/storage"
	logx "livecast/pkg/logx"
)

func newScheduleCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect or clear the persisted schedule (stop the bot first)",
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), f.config, func(ctx context.Context, st storage.Store) error {
				rec, ok, err := st.Load(ctx)
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), rec, ok, asJSON, time.Now())
			})
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw record")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), f.config, func(ctx context.Context, st storage.Store) error {
				if err := st.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schedule cleared")
				return nil
			})
		},
	}

	cmd.AddCommand(show, clearCmd)
	return cmd
}

func withStore(ctx context.Context, cfgPath string, fn func(context.Context, storage.Store) error) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	sc, err := cfg.Storage.StoreConfig()
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func printRecord(w io.Writer, rec storage.Record, ok, asJSON bool, now time.Time) error {
	if !ok {
		_, err := fmt.Fprintln(w, "nothing scheduled")
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	state := "pending"
	if rec.TargetMoment.Before(now) {
		state = "stale (discarded on next start)"
	}
	_, err := fmt.Fprintf(w, "id:          %s\ntarget:      %s (%s)\nstate:       %s\ndestination: %s\npayload:     %s\n",
		rec.ID,
		rec.TargetMoment.Format(time.RFC3339),
		humanize.RelTime(rec.TargetMoment, now, "ago", "from now"),
		state,
		rec.Destination,
		rec.Payload,
	)
	return err
}
