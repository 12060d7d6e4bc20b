package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ephemeral-bot/internal/storage"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create or update every table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(rootOpts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := storage.Migrate(s.db); err != nil {
		return WrapExitError(ExitCommandError, "migration failed", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migration completed successfully")
	return nil
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Yes bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate every table",
		Long: `Drop every table and recreate the schema.

All tracked messages, rules and community records are lost. Messages that were
still pending will never be deleted from the platform.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runReset(opts *ResetOptions, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	if !opts.Yes {
		fmt.Fprint(out, "WARNING: This will delete all data in the database. Are you sure? (y/N): ")
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Operation cancelled")
			return nil
		}
	}

	s, err := openSession(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := storage.Reset(s.db); err != nil {
		return WrapExitError(ExitCommandError, "reset failed", err)
	}
	fmt.Fprintln(out, "Database reset completed successfully")
	return nil
}
