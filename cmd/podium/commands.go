package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/daviddao/podium/pkg/competition"
	"github.com/daviddao/podium/pkg/config"
	"github.com/daviddao/podium/pkg/leaderboard"
	"github.com/spf13/cobra"
)

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "podium",
		Short: "Leaderboards for fitness competitions on a replicated event log",
		Long: `podium builds competition leaderboards from workout records published to
one or more event-log replicas. Live boards are cached; boards of finished
competitions are frozen permanently and served without network access.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", envOr(config.EnvConfig, ""), "config file (default "+config.DefaultFile+")")
	pf.StringVar(&c.logLevel, "log-level", envOr(config.EnvLogLevel, ""), "debug, info, warn or error")
	pf.BoolVar(&c.jsonOut, "json", false, "JSON output")

	root.AddCommand(
		c.leaderboardCmd(),
		c.refreshCmd(),
		c.joinCmd(),
		c.activeCmd(),
		c.watchCmd(),
		c.frozenCmd(),
		c.cacheCmd(),
		c.importGPXCmd(),
		c.publishCompetitionCmd(),
		c.serveCmd(),
		versionCmd(),
	)
	return root
}

// run wraps a subcommand body with app setup and teardown.
func (c *cli) run(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		if c.logLevel != "" {
			cfg.LogLevel = c.logLevel
		}
		logger := newLogger(cmd.ErrOrStderr(), config.ParseLevel(cfg.LogLevel))
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func (c *cli) leaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "leaderboard <competition-id>",
		Aliases: []string{"lb"},
		Short:   "Show a competition leaderboard",
		Args:    cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			c.printView(cmd.OutOrStdout(), a.svc.GetLeaderboard(ctx, args[0]))
			return nil
		}),
	}
}

func (c *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <competition-id>",
		Short: "Rebuild a leaderboard from the network, bypassing caches",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			c.printView(cmd.OutOrStdout(), a.svc.Refresh(ctx, args[0]))
			return nil
		}),
	}
}

func (c *cli) joinCmd() *cobra.Command {
	var req competition.JoinRequest
	cmd := &cobra.Command{
		Use:   "join <competition-id>",
		Short: "Publish a join record for the configured participant",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			req.CompetitionID = args[0]
			res := a.svc.Join(ctx, req)
			if c.jsonOut {
				printJSON(cmd.OutOrStdout(), res)
			}
			if !res.Success {
				if res.CanRetry {
					return fmt.Errorf("join: %s (safe to retry)", res.Error)
				}
				return fmt.Errorf("join: %s", res.Error)
			}
			if !c.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "joined %s (record %s, %d replica(s))\n", req.CompetitionID, res.JoinRecordID, res.Accepted)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.ParticipantID, "participant", "", "participant id (default: configured participant)")
	cmd.Flags().StringVar(&req.Team, "team", "", "team to join")
	cmd.Flags().BoolVar(&req.Private, "private", false, "hide your entry from other participants")
	cmd.Flags().BoolVar(&req.PledgeCommitted, "pledge-committed", false, "a pledge has already been made; failures are retryable")
	return cmd
}

func (c *cli) activeCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "active [participant]",
		Short: "List competitions a participant is in that have not ended",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var flagVal string
			if len(args) == 1 {
				flagVal = args[0]
			}
			participant, err := a.resolveParticipant(flagVal)
			if err != nil {
				return err
			}
			when := a.clock.Now()
			if asOf != "" {
				if when, err = parseWhen(asOf); err != nil {
					return err
				}
			}
			list, err := a.svc.ActiveCompetitions(ctx, participant, when)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if c.jsonOut {
				printJSON(w, list)
				return nil
			}
			if len(list) == 0 {
				fmt.Fprintf(w, "%s has no active competitions\n", participant)
				return nil
			}
			for _, comp := range list {
				state := "upcoming"
				if !when.Before(comp.Start) {
					state = "live"
				}
				fmt.Fprintf(w, "%-24s %-8s %s  %s -> %s\n", comp.ID, state, comp.Scoring,
					comp.Start.Format(time.DateOnly), comp.End.Format(time.DateOnly))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "reference time (RFC 3339, YYYY-MM-DD or unix seconds)")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <competition-id>",
		Short: "Follow a leaderboard through its lifecycle until it is frozen",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			every := interval
			if every <= 0 {
				every = a.cfg.WatchInterval
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (check every %s, ctrl-c to stop)\n", args[0], every)
			for v := range a.svc.Watch(ctx, args[0], every) {
				c.printView(cmd.OutOrStdout(), v)
			}
			if ctx.Err() != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "stopped")
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "re-check interval (default from config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "podium", version)
		},
	}
}

// printView renders v as text, or as one JSON object with --json.
func (c *cli) printView(w io.Writer, v competition.View) {
	if c.jsonOut {
		printJSON(w, v)
		return
	}
	title := v.CompetitionID
	if v.Competition != nil && v.Competition.Title != "" {
		title = fmt.Sprintf("%s (%s)", v.Competition.Title, v.CompetitionID)
	}
	state := string(v.Status)
	if state == "" {
		state = "UNKNOWN"
	}
	if v.FromCache {
		state += ", cached"
	}
	if v.IsLoading {
		state += ", refreshing"
	}
	fmt.Fprintf(w, "%s [%s]\n", title, state)
	if v.Error != "" {
		suffix := ""
		if v.Retryable {
			suffix = " (retryable)"
		}
		fmt.Fprintf(w, "  error: %s%s\n", v.Error, suffix)
	}
	if v.FrozenAt != nil {
		fmt.Fprintf(w, "  frozen at %s\n", v.FrozenAt.Format(time.RFC3339))
	}
	for _, e := range v.Entries {
		fmt.Fprintf(w, "  %3d. %-24s %12s  %s\n", e.Rank, e.ParticipantID, e.Score, leaderboard.FormatWorkouts(e.WorkoutCount))
	}
	for _, t := range v.Teams {
		fmt.Fprintf(w, "  %3d. %-24s %12s  %d members\n", t.Rank, t.Team, t.Score, t.MemberCount)
	}
	if len(v.Entries) == 0 && len(v.Teams) == 0 && v.Error == "" {
		fmt.Fprintln(w, "  no entries yet")
	}
	fmt.Fprintf(w, "  %d participants\n", len(v.Participants))
}

// parseWhen accepts RFC 3339, a bare date (UTC midnight) or unix seconds.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q: want RFC 3339, YYYY-MM-DD or unix seconds", s)
}
