// Package leaderboard ranks aggregated participant metrics under a scoring
// rule.
//
//   - fastest_time: only participants with a record at or above the
//     qualifying distance are eligible; the score is their lowest such
//     duration and lower wins.
//   - most_distance: the score is cumulative distance and higher wins.
//     Participants with no distance are left out.
//   - participation: everyone with at least one record is included, all at
//     rank 1, in input order. It is a set, not a ranking.
//
// Sorting is stable. Equal scores keep input order unless a TieBreak says
// otherwise, and ranks are assigned sequentially.
package leaderboard

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/daviddao/podium/pkg/model"
)

// TieBreak orders entries with equal scores.
type TieBreak string

const (
	// TieBreakInput keeps input order.
	TieBreakInput TieBreak = "input"
	// TieBreakEarliestActivity favours whoever recorded their first
	// counted activity earlier.
	TieBreakEarliestActivity TieBreak = "earliest_activity"
	// TieBreakParticipantID orders by participant (or team) identifier.
	TieBreakParticipantID TieBreak = "participant_id"
)

// Valid reports whether t is a known tie-break. The empty value means input.
func (t TieBreak) Valid() bool {
	switch t {
	case "", TieBreakInput, TieBreakEarliestActivity, TieBreakParticipantID:
		return true
	}
	return false
}

// Options configures Build and BuildTeams.
type Options struct {
	Rule               model.ScoringRule
	QualifyingDistance float64
	// Allowed restricts the board to these participants when non-nil.
	Allowed []string
	// Private marks participants whose entries only they may see.
	Private  map[string]bool
	TieBreak TieBreak
}

// candidate is one scored row before ranking.
type candidate struct {
	id       string
	raw      float64
	count    int
	earliest time.Time
	members  int
}

// Build ranks metrics under opts.Rule.
func Build(metrics []model.ParticipantMetrics, opts Options) []model.LeaderboardEntry {
	allowed := allowSet(opts.Allowed)
	var cands []candidate
	for _, m := range metrics {
		if allowed != nil && !allowed[m.ParticipantID] {
			continue
		}
		c, ok := score(m, opts)
		if !ok {
			continue
		}
		cands = append(cands, c)
	}
	rank(cands, opts)

	entries := make([]model.LeaderboardEntry, 0, len(cands))
	for i, c := range cands {
		entries = append(entries, model.LeaderboardEntry{
			ParticipantID: c.id,
			Rank:          rankAt(i, opts.Rule),
			Score:         FormatScore(opts.Rule, c.raw),
			RawScore:      c.raw,
			WorkoutCount:  c.count,
			Private:       opts.Private[c.id],
		})
	}
	return entries
}

// BuildTeams ranks teams. teams maps participant to team name; members
// without a team are ignored. most_distance sums members' distance,
// fastest_time takes the best qualifying member time, and participation
// includes every team with at least one active member.
func BuildTeams(metrics []model.ParticipantMetrics, teams map[string]string, opts Options) []model.TeamEntry {
	allowed := allowSet(opts.Allowed)
	byTeam := make(map[string]*candidate)
	var order []string
	for _, m := range metrics {
		if allowed != nil && !allowed[m.ParticipantID] {
			continue
		}
		team := teams[m.ParticipantID]
		if team == "" {
			continue
		}
		t, ok := byTeam[team]
		if !ok {
			t = &candidate{id: team, raw: math.NaN()}
			byTeam[team] = t
			order = append(order, team)
		}
		t.members++
		c, ok := score(m, opts)
		if !ok {
			continue
		}
		t.count += c.count
		if t.earliest.IsZero() || (!c.earliest.IsZero() && c.earliest.Before(t.earliest)) {
			t.earliest = c.earliest
		}
		switch {
		case math.IsNaN(t.raw):
			t.raw = c.raw
		case opts.Rule == model.ScoreMostDistance:
			t.raw += c.raw
		case opts.Rule == model.ScoreFastestTime:
			t.raw = math.Min(t.raw, c.raw)
		case opts.Rule == model.ScoreParticipation:
			t.raw += c.raw
		}
	}

	var cands []candidate
	for _, name := range order {
		if t := byTeam[name]; !math.IsNaN(t.raw) {
			cands = append(cands, *t)
		}
	}
	rank(cands, opts)

	entries := make([]model.TeamEntry, 0, len(cands))
	for i, c := range cands {
		entries = append(entries, model.TeamEntry{
			Team:         c.id,
			MemberCount:  c.members,
			Rank:         rankAt(i, opts.Rule),
			Score:        FormatScore(opts.Rule, c.raw),
			RawScore:     c.raw,
			WorkoutCount: c.count,
		})
	}
	return entries
}

// VisibleTo hides private entries from everyone but their owner. Ranks are
// left as computed.
func VisibleTo(entries []model.LeaderboardEntry, viewer string) []model.LeaderboardEntry {
	out := make([]model.LeaderboardEntry, 0, len(entries))
	for _, e := range entries {
		if e.Private && e.ParticipantID != viewer {
			continue
		}
		out = append(out, e)
	}
	return out
}

// score computes m's raw score, reporting false if m is not eligible.
func score(m model.ParticipantMetrics, opts Options) (candidate, bool) {
	c := candidate{id: m.ParticipantID, count: m.WorkoutCount}
	switch opts.Rule {
	case model.ScoreFastestTime:
		best := int64(-1)
		for _, r := range m.Records {
			if r.DurationSec <= 0 || r.DistanceMeters < opts.QualifyingDistance {
				continue
			}
			if best < 0 || r.DurationSec < best {
				best = r.DurationSec
			}
			if c.earliest.IsZero() || r.StartTime.Before(c.earliest) {
				c.earliest = r.StartTime
			}
		}
		if best < 0 {
			return candidate{}, false
		}
		c.raw = float64(best)
	case model.ScoreMostDistance:
		if m.TotalDistance <= 0 {
			return candidate{}, false
		}
		c.raw = m.TotalDistance
		c.earliest = earliestStart(m.Records)
	case model.ScoreParticipation:
		if m.WorkoutCount < 1 {
			return candidate{}, false
		}
		c.raw = float64(m.WorkoutCount)
		c.earliest = earliestStart(m.Records)
	default:
		return candidate{}, false
	}
	return c, true
}

// rank sorts cands in place. Participation keeps input order.
func rank(cands []candidate, opts Options) {
	if opts.Rule == model.ScoreParticipation {
		return
	}
	ascending := opts.Rule == model.ScoreFastestTime
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.raw != b.raw {
			if ascending {
				return a.raw < b.raw
			}
			return a.raw > b.raw
		}
		switch opts.TieBreak {
		case TieBreakEarliestActivity:
			if !a.earliest.Equal(b.earliest) {
				return !a.earliest.IsZero() && (b.earliest.IsZero() || a.earliest.Before(b.earliest))
			}
		case TieBreakParticipantID:
			return a.id < b.id
		}
		return false
	})
}

func rankAt(i int, rule model.ScoringRule) int {
	if rule == model.ScoreParticipation {
		return 1
	}
	return i + 1
}

func earliestStart(records []model.ActivityRecord) time.Time {
	var t time.Time
	for _, r := range records {
		if t.IsZero() || r.StartTime.Before(t) {
			t = r.StartTime
		}
	}
	return t
}

func allowSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// FormatScore renders a raw score for display under rule.
func FormatScore(rule model.ScoringRule, raw float64) string {
	switch rule {
	case model.ScoreFastestTime:
		return FormatTime(int64(raw))
	case model.ScoreMostDistance:
		return FormatDistance(raw)
	case model.ScoreParticipation:
		return FormatWorkouts(int(raw))
	}
	return fmt.Sprintf("%g", raw)
}

// FormatTime renders seconds as H:MM:SS, or M:SS under an hour.
func FormatTime(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec%3600)/60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatDistance renders meters as kilometers with two decimals.
func FormatDistance(meters float64) string {
	return fmt.Sprintf("%.2f km", meters/1000)
}

// FormatWorkouts renders a workout count.
func FormatWorkouts(n int) string {
	if n == 1 {
		return "1 workout"
	}
	return fmt.Sprintf("%d workouts", n)
}
