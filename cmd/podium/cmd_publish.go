package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/daviddao/podium/pkg/activity"
	"github.com/daviddao/podium/pkg/competition"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/leaderboard"
	"github.com/daviddao/podium/pkg/model"
	"github.com/spf13/cobra"
)

// published is the result printed by the publishing commands.
type published struct {
	ID       string `json:"id"`
	Kind     int    `json:"kind"`
	Accepted int    `json:"accepted"`
}

func (c *cli) publish(ctx context.Context, a *app, cmd *cobra.Command, e eventlog.Event, what string) error {
	signed, err := a.sign(ctx, e)
	if err != nil {
		return err
	}
	n, err := a.pool.Publish(ctx, signed)
	if err != nil {
		return fmt.Errorf("publish %s: %w", what, err)
	}
	if c.jsonOut {
		printJSON(cmd.OutOrStdout(), published{ID: signed.ID, Kind: signed.Kind, Accepted: n})
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s %s to %d replica(s)\n", what, signed.ID, n)
	return nil
}

func (c *cli) importGPXCmd() *cobra.Command {
	var activityType string
	cmd := &cobra.Command{
		Use:   "import-gpx <file.gpx>",
		Short: "Publish a workout record built from a GPX track",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rec, err := activity.FromGPX(data, activityType)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			author, err := a.resolveParticipant("")
			if err != nil {
				return err
			}
			if !c.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s, %s in %s\n", rec.StartTime.Format("2006-01-02 15:04"),
					rec.Type, leaderboard.FormatDistance(rec.DistanceMeters), activity.FormatDuration(rec.DurationSec))
			}
			return c.publish(ctx, a, cmd, activity.WorkoutEvent(rec, author), "workout")
		}),
	}
	cmd.Flags().StringVar(&activityType, "type", "run", "exercise type (run, walk, ride, swim, hike)")
	return cmd
}

func (c *cli) publishCompetitionCmd() *cobra.Command {
	var (
		comp           model.Competition
		scoring        string
		start, end     string
		qualifying     string
		qualifyingUnit string
		teams          map[string]string
	)
	cmd := &cobra.Command{
		Use:   "publish-competition <competition-id>",
		Short: "Publish a competition definition organized by the configured participant",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			organizer, err := a.resolveParticipant("")
			if err != nil {
				return err
			}
			comp.ID = args[0]
			comp.Organizer = organizer
			comp.Scoring = model.ScoringRule(scoring)
			if !comp.Scoring.Valid() {
				return fmt.Errorf("unknown scoring rule %q", scoring)
			}
			if comp.Start, err = parseWhen(start); err != nil {
				return err
			}
			if comp.End, err = parseWhen(end); err != nil {
				return err
			}
			if !comp.End.After(comp.Start) {
				return fmt.Errorf("end %s is not after start %s", end, start)
			}
			if qualifying != "" {
				if comp.QualifyingDistance, err = activity.ParseDistance(qualifying, qualifyingUnit); err != nil {
					return err
				}
			}
			if comp.ActivityType != "" {
				comp.ActivityType = activity.NormalizeType(comp.ActivityType)
			}
			if len(teams) > 0 {
				comp.Teams = make(map[string]string, len(teams))
				for p, t := range teams {
					comp.Teams[strings.TrimSpace(p)] = strings.TrimSpace(t)
				}
			}

			e := competition.DefinitionEvent(comp)
			// The definition must round-trip before anyone else reads it.
			if _, err := competition.ParseCompetition(eventlog.WithID(e)); err != nil {
				return err
			}
			if err := c.publish(ctx, a, cmd, e, "competition"); err != nil {
				return err
			}
			a.svc.Invalidate(ctx, comp.ID)
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVar(&comp.Title, "name", "", "display name")
	f.StringVar(&comp.ActivityType, "type", "", "exercise type; empty accepts every type")
	f.StringVar(&scoring, "scoring", string(model.ScoreMostDistance), "fastest_time, most_distance or participation")
	f.StringVar(&start, "start", "", "start time (RFC 3339, YYYY-MM-DD or unix seconds)")
	f.StringVar(&end, "end", "", "end time (RFC 3339, YYYY-MM-DD or unix seconds)")
	f.StringVar(&qualifying, "qualifying", "", "minimum record distance for fastest_time")
	f.StringVar(&qualifyingUnit, "qualifying-unit", "m", "unit of --qualifying: m, km or mi")
	f.StringSliceVar(&comp.Participants, "participant", nil, "allowed participant (repeatable)")
	f.BoolVar(&comp.TeamMode, "team-mode", false, "rank teams instead of individuals")
	f.StringToStringVar(&teams, "team", nil, "participant=team assignment (repeatable)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}
