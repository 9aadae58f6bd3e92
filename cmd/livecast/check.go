package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"livecast/internal/app"
)

func newCheckCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and open storage without connecting to Telegram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(cmd.Context(), f.config, app.WithOffline(true))
			if err != nil {
				return err
			}
			if err := a.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok:", f.config)
			return nil
		},
	}
}
