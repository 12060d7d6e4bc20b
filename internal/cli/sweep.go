package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"ephemeral-bot/internal/bot"
	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/scheduler"
	"ephemeral-bot/internal/storage"
)

// newDeleter builds the platform gateway for one-off runs. Replaced in tests.
var newDeleter = func(cfg *config.Config) (gateway.Deleter, error) {
	b, err := bot.NewBot(cfg.Bot, logger.GetLevel() == logger.LevelDebug)
	if err != nil {
		return nil, err
	}
	return gateway.NewTelegramDeleter(b, cfg.Scheduler.GatewayRateLimit, cfg.Scheduler.GatewayBurst), nil
}

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	DryRun bool
}

type dueMessage struct {
	MessageID string    `yaml:"message_id"`
	Community string    `yaml:"community"`
	Channel   string    `yaml:"channel"`
	ExpiresAt time.Time `yaml:"expires_at"`
	Overdue   string    `yaml:"overdue"`
}

type dryRunReport struct {
	Due      int          `yaml:"due"`
	Messages []dueMessage `yaml:"messages"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep",
		Long: `Delete overdue pending messages, one batch of at most sweep_batch_limit,
oldest first. Safe to run next to a live bot: each message is claimed atomically
so it is deleted at most once.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list the batch without deleting anything")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	s, err := openSession(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	messages := storage.NewMessageRepository(s.db)

	if opts.DryRun {
		now := time.Now().UTC()
		due, err := messages.FindDue(ctx, now, s.cfg.Scheduler.SweepBatchLimit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find due messages", err)
		}
		report := dryRunReport{Due: len(due), Messages: make([]dueMessage, 0, len(due))}
		for _, m := range due {
			report.Messages = append(report.Messages, dueMessage{
				MessageID: m.MessageID,
				Community: m.CommunityID,
				Channel:   m.ChannelID,
				ExpiresAt: m.ExpiresAt,
				Overdue:   now.Sub(m.ExpiresAt).Truncate(time.Second).String(),
			})
		}
		return writeYAML(cmd.OutOrStdout(), report)
	}

	deleter, err := newDeleter(s.cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create gateway", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Messages:    messages,
		Policies:    storage.NewPolicyRepository(s.db),
		Communities: storage.NewCommunityRepository(s.db),
		Gateway:     deleter,
	}, s.cfg.Scheduler)

	report, err := sched.SweepOnce(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "sweep failed", err)
	}
	if err := sched.FlushStats(ctx); err != nil {
		logger.Warningf("Failed to update community stats: %v", err)
	}
	if err := writeYAML(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, "some messages could not be deleted")
	}
	return nil
}
