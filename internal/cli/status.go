package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"ephemeral-bot/internal/models"
	"ephemeral-bot/internal/storage"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Community string
}

type statusReport struct {
	Driver      string           `yaml:"driver"`
	GeneratedAt time.Time        `yaml:"generated_at"`
	Messages    messageCounts    `yaml:"messages"`
	Communities int64            `yaml:"communities"`
	Community   *communityReport `yaml:"community,omitempty"`
}

type messageCounts struct {
	Pending int64 `yaml:"pending"`
	Deleted int64 `yaml:"deleted"`
	Overdue int64 `yaml:"overdue"`
}

type communityReport struct {
	ID             string       `yaml:"id"`
	Name           string       `yaml:"name,omitempty"`
	Tier           models.Tier  `yaml:"tier"`
	Tracked        int64        `yaml:"tracked"`
	Deleted        int64        `yaml:"deleted"`
	StatsUpdatedAt *time.Time   `yaml:"stats_updated_at,omitempty"`
	Rules          []ruleReport `yaml:"rules"`
}

type ruleReport struct {
	Channel         string `yaml:"channel"`
	Name            string `yaml:"name,omitempty"`
	ExpirationHours int    `yaml:"expiration_hours"`
	PreservePinned  bool   `yaml:"preserve_pinned"`
	Tracked         int64  `yaml:"tracked"`
	Deleted         int64  `yaml:"deleted"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report message counts as YAML",
		Long: `Report how many tracked messages are pending, deleted and overdue.

Overdue messages are pending past their expiry; a steadily growing number means
the sweep is not keeping up or the bot lost its delete permission.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Community, "community", "", "also report rules and stats of this community")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
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
	communities := storage.NewCommunityRepository(s.db)
	now := time.Now().UTC()

	byState, err := messages.CountByState(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count messages", err)
	}
	overdue, err := messages.CountOverdue(ctx, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count overdue messages", err)
	}
	total, err := communities.Count(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count communities", err)
	}

	report := statusReport{
		Driver:      s.cfg.Database.Driver,
		GeneratedAt: now,
		Messages: messageCounts{
			Pending: byState[models.StatePending],
			Deleted: byState[models.StateDeleted],
			Overdue: overdue,
		},
		Communities: total,
	}

	if opts.Community != "" {
		c, err := communities.Get(ctx, opts.Community)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load community", err)
		}
		if c == nil {
			return NewExitError(ExitFailure, "unknown community "+opts.Community)
		}
		policies, err := storage.NewPolicyRepository(s.db).ListActive(ctx, opts.Community)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list rules", err)
		}
		report.Community = newCommunityReport(c, policies, now)
	}

	return writeYAML(cmd.OutOrStdout(), report)
}

func newCommunityReport(c *models.Community, policies []models.Policy, now time.Time) *communityReport {
	r := &communityReport{
		ID:             c.CommunityID,
		Name:           c.Name,
		Tier:           c.EffectiveTier(now),
		Tracked:        c.TotalMessagesTracked,
		Deleted:        c.TotalMessagesDeleted,
		StatsUpdatedAt: c.StatsUpdatedAt,
		Rules:          make([]ruleReport, 0, len(policies)),
	}
	for _, p := range policies {
		r.Rules = append(r.Rules, ruleReport{
			Channel:         p.ChannelID,
			Name:            p.ChannelName,
			ExpirationHours: p.ExpirationHours,
			PreservePinned:  p.PreservePinned,
			Tracked:         p.MessagesTracked,
			Deleted:         p.MessagesDeleted,
		})
	}
	return r
}
