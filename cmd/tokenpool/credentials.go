package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	gocmd "github.com/goliatone/go-command"
	poolcommand "github.com/goliatone/go-tokenpool/command"
	"github.com/goliatone/go-tokenpool/core"
	poolquery "github.com/goliatone/go-tokenpool/query"
	"github.com/spf13/cobra"
)

func newCredentialsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage pooled credentials",
	}
	cmd.AddCommand(
		newCredentialAddCommand(root),
		newCredentialListCommand(root),
		newCredentialImportCommand(root),
		newCredentialIDCommand(root, "enable", "Return a credential to selection", func(ctx context.Context, a *app, out io.Writer, id int64) error {
			if err := a.facade.Commands().EnableCredential.Execute(ctx, poolcommand.EnableCredentialMessage{CredentialID: id}); err != nil {
				return err
			}
			fmt.Fprintf(out, "credential %d enabled\n", id)
			return nil
		}),
		newCredentialIDCommand(root, "disable", "Withdraw a credential from selection", func(ctx context.Context, a *app, out io.Writer, id int64) error {
			if err := a.facade.Commands().DisableCredential.Execute(ctx, poolcommand.DisableCredentialMessage{CredentialID: id}); err != nil {
				return err
			}
			fmt.Fprintf(out, "credential %d disabled\n", id)
			return nil
		}),
		newCredentialIDCommand(root, "delete", "Remove a credential and its history", func(ctx context.Context, a *app, out io.Writer, id int64) error {
			if err := a.facade.Commands().DeleteCredential.Execute(ctx, poolcommand.DeleteCredentialMessage{CredentialID: id}); err != nil {
				return err
			}
			fmt.Fprintf(out, "credential %d deleted\n", id)
			return nil
		}),
		newCredentialIDCommand(root, "refresh", "Exchange the session secret for a new access token", func(ctx context.Context, a *app, out io.Writer, id int64) error {
			collector := gocmd.NewResult[core.RefreshOutcome]()
			err := a.facade.Commands().RefreshCredential.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.RefreshCredentialMessage{CredentialID: id})
			if outcome, ok := collector.Load(); ok {
				fmt.Fprintf(out, "credential %d: %s\n", id, outcome.Status)
			}
			return err
		}),
		newCredentialIDCommand(root, "balance", "Fetch and store the credit balance", func(ctx context.Context, a *app, out io.Writer, id int64) error {
			collector := gocmd.NewResult[core.BalanceOutcome]()
			if err := a.facade.Commands().RefreshBalance.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.RefreshBalanceMessage{CredentialID: id}); err != nil {
				return err
			}
			outcome, _ := collector.Load()
			if outcome.Soft() {
				fmt.Fprintf(out, "credential %d: balance unavailable: %v\n", id, outcome.SoftErr)
				return nil
			}
			fmt.Fprintf(out, "credential %d: %d credits (%s)\n", id, outcome.Balance.Credits, outcome.Balance.PaygateTier)
			return nil
		}),
	)
	return cmd
}

func newCredentialAddCommand(root *rootOptions) *cobra.Command {
	var req core.AddCredentialRequest
	var imageConcurrency, videoConcurrency int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential from its session secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("image-concurrency") {
				req.ImageConcurrency = &imageConcurrency
			}
			if cmd.Flags().Changed("video-concurrency") {
				req.VideoConcurrency = &videoConcurrency
			}
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				collector := gocmd.NewResult[core.Credential]()
				if err := a.facade.Commands().AddCredential.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.AddCredentialMessage{Request: req}); err != nil {
					return err
				}
				added, _ := collector.Load()
				fmt.Fprintf(out, "added credential %d (%s) project %s\n", added.ID, added.Email, added.ProjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.SessionSecret, "secret", "", "Session secret issued by the upstream service")
	cmd.Flags().StringVar(&req.ProjectID, "project-id", "", "Existing project id (created when empty)")
	cmd.Flags().StringVar(&req.ProjectName, "project-name", "", "Name for a created project")
	cmd.Flags().StringVar(&req.Remark, "remark", "", "Operator note")
	cmd.Flags().IntVar(&imageConcurrency, "image-concurrency", core.UnlimitedConcurrency, "Image in-flight cap (-1 unlimited)")
	cmd.Flags().IntVar(&videoConcurrency, "video-concurrency", core.UnlimitedConcurrency, "Video in-flight cap (-1 unlimited)")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newCredentialListCommand(root *rootOptions) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				credentials, err := a.facade.Queries().ListCredentials.Query(ctx, poolquery.ListCredentialsMessage{ActiveOnly: activeOnly})
				if err != nil {
					return err
				}
				return writeCredentialTable(out, credentials)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active credentials")
	return cmd
}

func writeCredentialTable(out io.Writer, credentials []core.Credential) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tACTIVE\tCREDITS\tTIER\tEXPIRES\tUSES\tREMARK")
	for _, credential := range credentials {
		expires := "-"
		if credential.AccessTokenExpiresAt != nil {
			expires = credential.AccessTokenExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%s\t%s\t%d\t%s\n",
			credential.ID,
			credential.Email,
			credential.IsActive,
			credential.Credits,
			credential.PaygateTier,
			expires,
			credential.UseCount,
			credential.Remark,
		)
	}
	return tw.Flush()
}

type importFile struct {
	Credentials []importFileEntry `toml:"credentials"`
}

type importFileEntry struct {
	SessionSecret    string `toml:"session_secret"`
	ProjectID        string `toml:"project_id"`
	ProjectName      string `toml:"project_name"`
	Remark           string `toml:"remark"`
	ImageEnabled     *bool  `toml:"image_enabled"`
	VideoEnabled     *bool  `toml:"video_enabled"`
	ImageConcurrency *int   `toml:"image_concurrency"`
	VideoConcurrency *int   `toml:"video_concurrency"`
	IsActive         *bool  `toml:"is_active"`
}

func readImportFile(path string) ([]core.ImportEntry, error) {
	var file importFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("read import file %s: %w", path, err)
	}
	entries := make([]core.ImportEntry, 0, len(file.Credentials))
	for _, entry := range file.Credentials {
		entries = append(entries, core.ImportEntry{
			SessionSecret:    entry.SessionSecret,
			ProjectID:        entry.ProjectID,
			ProjectName:      entry.ProjectName,
			Remark:           entry.Remark,
			ImageEnabled:     entry.ImageEnabled,
			VideoEnabled:     entry.VideoEnabled,
			ImageConcurrency: entry.ImageConcurrency,
			VideoConcurrency: entry.VideoConcurrency,
			IsActive:         entry.IsActive,
		})
	}
	return entries, nil
}

func newCredentialImportCommand(root *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add or update credentials from a TOML file of [[credentials]] entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := readImportFile(path)
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				collector := gocmd.NewResult[core.ImportReport]()
				if err := a.facade.Commands().ImportCredentials.Execute(gocmd.ContextWithResult(ctx, collector), poolcommand.ImportCredentialsMessage{Entries: entries}); err != nil {
					return err
				}
				report, _ := collector.Load()
				for _, result := range report.Results {
					if result.Error != "" {
						fmt.Fprintf(out, "%s\t%s\t%s\n", result.Secret, result.Action, result.Error)
						continue
					}
					fmt.Fprintf(out, "%s\t%s\t%d\n", result.Secret, result.Action, result.CredentialID)
				}
				fmt.Fprintf(out, "added %d, updated %d, failed %d\n", report.Added, report.Updated, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "Import file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCredentialIDCommand(
	root *rootOptions,
	use string,
	short string,
	run func(ctx context.Context, a *app, out io.Writer, id int64) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCredentialID(args[0])
			if err != nil {
				return err
			}
			return root.withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return run(ctx, a, out, id)
			})
		},
	}
}

func parseCredentialID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("credential id must be a positive integer, got %q", raw)
	}
	return id, nil
}
