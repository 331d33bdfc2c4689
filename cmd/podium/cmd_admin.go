package main

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/podium/pkg/competition"
	"github.com/spf13/cobra"
)

func (c *cli) frozenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frozen",
		Short: "Inspect and manage the frozen snapshot archive",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List frozen competitions",
			Args:  cobra.NoArgs,
			RunE: c.run(func(_ context.Context, a *app, cmd *cobra.Command, _ []string) error {
				snaps := a.freezer.List()
				w := cmd.OutOrStdout()
				if c.jsonOut {
					printJSON(w, snaps)
					return nil
				}
				if len(snaps) == 0 {
					fmt.Fprintln(w, "no frozen competitions")
					return nil
				}
				for _, s := range snaps {
					fmt.Fprintf(w, "%-24s ended %s  frozen %s  %d entries\n", s.CompetitionID,
						s.EndTime.Format(time.RFC3339), s.FrozenAt.Format(time.RFC3339), len(s.Leaderboard))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "show <competition-id>",
			Short: "Show a frozen leaderboard",
			Args:  cobra.ExactArgs(1),
			RunE: c.run(func(_ context.Context, a *app, cmd *cobra.Command, args []string) error {
				snap, ok := a.freezer.Get(args[0])
				if !ok {
					return fmt.Errorf("%s is not frozen", args[0])
				}
				if c.jsonOut {
					printJSON(cmd.OutOrStdout(), snap)
					return nil
				}
				frozenAt := snap.FrozenAt
				c.printView(cmd.OutOrStdout(), competition.View{
					CompetitionID: snap.CompetitionID,
					Status:        "FROZEN",
					Entries:       snap.Leaderboard,
					Teams:         snap.Teams,
					Participants:  snap.Participants,
					FrozenAt:      &frozenAt,
				})
				return nil
			}),
		},
		&cobra.Command{
			Use:   "purge <competition-id>",
			Short: "Delete a frozen snapshot so the competition is rebuilt on next read",
			Args:  cobra.ExactArgs(1),
			RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
				if !a.freezer.IsFrozen(args[0]) {
					return fmt.Errorf("%s is not frozen", args[0])
				}
				if err := a.freezer.Purge(ctx, args[0]); err != nil {
					return err
				}
				a.svc.Invalidate(ctx, args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the durable read cache",
	}
	var competitionID bool
	invalidate := &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: `Drop cache entries matching a glob such as "leaderboard:*"`,
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var n int
			if competitionID {
				n = a.svc.Invalidate(ctx, args[0])
			} else {
				n = a.cache.Invalidate(ctx, args[0])
			}
			a.cache.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		}),
	}
	invalidate.Flags().BoolVar(&competitionID, "competition", false, "treat the argument as a competition id and drop all of its entries")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries from the durable cache",
		Args:  cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			n := a.cache.PruneExpired(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
			return nil
		}),
	}
	cmd.AddCommand(invalidate, prune)
	return cmd
}
