package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/skirmish/internal/automation"
	"github.com/cory-johannsen/skirmish/internal/server"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	// Serve keeps the session running after the scripted attacks until a
	// termination signal.
	Serve bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play the roster's scripted attacks",
		Long: `Build the session from the configured content, enable combat automation,
play every scripted attack in the roster and print each engagement summary.

Example:
  skirmish run --config configs/skirmish.yaml --seed 7
  skirmish run --serve`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runSession(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Serve, "serve", false, "keep the session running until SIGINT/SIGTERM")
	return cmd
}

func runSession(ctx context.Context, opts *RunOptions, out io.Writer) error {
	env, err := setup(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.close(ctx)

	content, err := server.LoadContent(env.cfg.Content)
	if err != nil {
		return err
	}
	sess, err := server.NewSession(env.cfg, content, diceSource(opts.RootOptions), env.logger)
	if err != nil {
		return err
	}

	play := func(ctx context.Context) error {
		msgs, err := sess.Play(ctx, content.Roster.Attacks)
		printMessages(out, msgs)
		printStats(out, sess.Automation.Stats())
		return err
	}

	if !opts.Serve {
		if err := sess.Start(ctx); err != nil {
			_ = sess.Stop(ctx)
			return err
		}
		playErr := play(ctx)
		if err := sess.Stop(ctx); err != nil && playErr == nil {
			playErr = err
		}
		return playErr
	}

	lc := server.NewLifecycle(env.logger)
	lc.Add("session", sess)
	lc.Add("roster", server.FuncService{RunFn: func(ctx context.Context) error {
		err := automation.PollUntil(ctx, 10*time.Millisecond, 5*time.Second, func(context.Context) (bool, error) {
			return sess.Automation.Enabled(), nil
		})
		if err != nil {
			return err
		}
		if err := play(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}})
	return lc.Run(ctx)
}

func printMessages(out io.Writer, msgs []automation.Message) {
	for _, m := range msgs {
		fmt.Fprintf(out, "%s\n\n", m.Text)
	}
}

func printStats(out io.Writer, s automation.Stats) {
	fmt.Fprintf(out, "engagements: %d handled, %d reported, %d damaged, %d timed out, %d failed\n",
		s.Handled, s.Reported, s.DamageApplied, s.TimedOut, s.Failed)
}
