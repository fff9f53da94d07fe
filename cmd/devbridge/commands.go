package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/devbridge/internal/app"
	"github.com/skobkin/devbridge/internal/config"
	"github.com/skobkin/devbridge/internal/persistence"
)

type rootOptions struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           app.Name,
		Short:         "Bridge a serial device to a sandboxed filesystem and websocket observers",
		Version:       app.BuildVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is the user config dir)")

	root.AddCommand(
		newServeCommand(opts),
		newJournalCommand(opts),
		newConfigCommand(opts),
	)

	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	rt, err := app.Initialize(ctx, app.Options{
		ConfigPath: opts.configPath,
		Stdout:     opts.stdout,
		Stderr:     opts.stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	return rt.Run(ctx)
}

func newJournalCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the device output journal",
	}

	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(cmd.Context(), opts, func(ctx context.Context, db *sql.DB) error {
				entries, err := persistence.NewJournalRepo(db).Tail(ctx, limit)
				if err != nil {
					return err
				}
				for _, e := range entries {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatJournalEntry(e))
				}

				return nil
			})
		},
	}
	tail.Flags().IntVarP(&limit, "lines", "n", app.JournalTailLimit, "number of entries to print")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every journal entry and the saved display buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withJournal(cmd.Context(), opts, func(ctx context.Context, db *sql.DB) error {
				if err := persistence.ClearDatabase(ctx, db); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "journal cleared")

				return nil
			})
		},
	}

	cmd.AddCommand(tail, clearCmd)

	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				paths, err := app.ResolvePaths()
				if err != nil {
					return err
				}
				path = paths.ConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists: %s (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)

			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)

	return cmd
}

func withJournal(ctx context.Context, opts *rootOptions, fn func(context.Context, *sql.DB) error) error {
	paths, cfg, err := app.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	path := app.JournalPath(paths, cfg)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no journal at %s (enable journal.enabled and run the bridge first)", path)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := persistence.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return fn(ctx, db)
}

func formatJournalEntry(e persistence.JournalEntry) string {
	return fmt.Sprintf("%s [%s] %s", e.At.Local().Format(time.RFC3339), e.Kind, e.Text)
}
