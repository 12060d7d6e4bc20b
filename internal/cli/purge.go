package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/scheduler"
	"ephemeral-bot/internal/storage"
)

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "purge",
		Short:         "Remove deleted records older than the retention window",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(rootOpts, cmd)
		},
	}
}

func runPurge(rootOpts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := newOfflineScheduler(s).PurgeOnce(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "purge failed", err)
	}
	return writeYAML(cmd.OutOrStdout(), report)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [--] <community-id>...",
		Short: "Recompute the stored stats of communities",
		Long: `Recompute tracked, deleted and rule counts of the given communities.

Telegram group IDs are negative; put them after -- so they are not read as flags.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd, args)
		},
	}
}

type statsReport struct {
	Tracked  int64 `yaml:"tracked"`
	Deleted  int64 `yaml:"deleted"`
	Channels int64 `yaml:"channels_with_rules"`
}

func runStats(rootOpts *RootOptions, cmd *cobra.Command, communityIDs []string) error {
	s, err := openSession(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sched := newOfflineScheduler(s)
	out := make(map[string]statsReport, len(communityIDs))
	for _, id := range communityIDs {
		stats, err := sched.RecomputeStats(ctx, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to recompute %s", id), err)
		}
		out[id] = toStatsReport(stats)
	}
	return writeYAML(cmd.OutOrStdout(), out)
}

func toStatsReport(s models.CommunityStats) statsReport {
	return statsReport{
		Tracked:  s.TotalMessagesTracked,
		Deleted:  s.TotalMessagesDeleted,
		Channels: s.ChannelsWithRules,
	}
}

// newOfflineScheduler builds a scheduler for commands that never reach the
// platform, so no gateway is configured.
func newOfflineScheduler(s *session) *scheduler.Scheduler {
	return scheduler.New(scheduler.Deps{
		Messages:    storage.NewMessageRepository(s.db),
		Policies:    storage.NewPolicyRepository(s.db),
		Communities: storage.NewCommunityRepository(s.db),
	}, s.cfg.Scheduler)
}
