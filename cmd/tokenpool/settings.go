package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	poolcommand "github.com/goliatone/go-tokenpool/command"
	"github.com/spf13/cobra"
)

func newSettingsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change live pool settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-threshold N",
		Short: "Set the consecutive error count that disables a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("threshold must be an integer, got %q", args[0])
			}
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if err := a.facade.Commands().SetErrorBanThreshold.Execute(ctx, poolcommand.SetErrorBanThresholdMessage{Threshold: threshold}); err != nil {
					return err
				}
				fmt.Fprintf(out, "error ban threshold set to %d\n", threshold)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "auto-refresh on|off",
		Short:     "Enable or disable the background refresh scheduler",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if err := a.facade.Commands().SetAutoRefresh.Execute(ctx, poolcommand.SetAutoRefreshMessage{Enabled: enabled}); err != nil {
					return err
				}
				fmt.Fprintf(out, "auto refresh %s\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func parseSwitch(raw string) (bool, error) {
	switch raw {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", raw)
}
