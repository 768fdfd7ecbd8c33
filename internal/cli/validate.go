package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/server"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and content without running",
		Long: `Load the configuration, condition catalogue, severity table, roster and
rule scripts, and build the session without starting it.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runValidate(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer env.close(ctx)

	content, err := server.LoadContent(env.cfg.Content)
	if err != nil {
		return err
	}
	sess, err := server.NewSession(env.cfg, content, diceSource(opts), env.logger)
	if err != nil {
		return err
	}
	if err := sess.Stop(ctx); err != nil {
		return err
	}
	env.logger.Debug("content valid",
		zap.Int("conditions", len(content.Conditions.All())),
		zap.Int("participants", len(content.Roster.Participants)),
		zap.Int("attacks", len(content.Roster.Attacks)),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %d conditions, %d participants, %d scripted attacks\n",
		len(content.Conditions.All()), len(content.Roster.Participants), len(content.Roster.Attacks))
	return nil
}
