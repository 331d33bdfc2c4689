// Package model defines the core domain types for podium.
//
// Podium turns workout records published to a decentralized event network
// into competition leaderboards. Two ideas shape the types here:
//
//   - Records are immutable observations. An ActivityRecord is identified by
//     its record ID alone; the same record seen from two replicas is one
//     record. Everything derived from records (ParticipantMetrics,
//     LeaderboardEntry) is recomputed on every query.
//
//   - Competitions are time boxes. A competition is read continuously while
//     it is running and frozen exactly once after its end time passes. The
//     FrozenSnapshot is permanent truth regardless of later network state.
package model

import (
	"fmt"
	"time"
)

// ActivityRecord is one completed exercise session.
type ActivityRecord struct {
	ID             string     `json:"id"`
	Author         string     `json:"author"`
	Type           string     `json:"type"`
	StartTime      time.Time  `json:"start_time"`
	DurationSec    int64      `json:"duration_sec"`
	DistanceMeters float64    `json:"distance_m"`
	Calories       int        `json:"calories,omitempty"`
	HeartRate      *HeartRate `json:"heart_rate,omitempty"`
	PublishedAt    time.Time  `json:"published_at"`
}

// HeartRate holds optional heart-rate statistics in beats per minute.
type HeartRate struct {
	Avg int `json:"avg,omitempty"`
	Max int `json:"max,omitempty"`
}

// ParticipantMetrics is the per-participant aggregate over a date range and
// activity-type filter.
type ParticipantMetrics struct {
	ParticipantID   string           `json:"participant_id"`
	TotalDistance   float64          `json:"total_distance_m"`
	LongestDistance float64          `json:"longest_distance_m"`
	TotalDuration   int64            `json:"total_duration_sec"`
	LongestDuration int64            `json:"longest_duration_sec"`
	WorkoutCount    int              `json:"workout_count"`
	ActiveDays      int              `json:"active_days"`
	Streak          int              `json:"streak"`
	AvgPaceSecPerKm float64          `json:"avg_pace_sec_per_km,omitempty"`
	AvgSpeedKmh     float64          `json:"avg_speed_kmh,omitempty"`
	LastActivity    time.Time        `json:"last_activity,omitempty"`
	Records         []ActivityRecord `json:"records,omitempty"`
}

// ScoringRule selects how a leaderboard ranks participants.
type ScoringRule string

const (
	ScoreFastestTime   ScoringRule = "fastest_time"
	ScoreMostDistance  ScoringRule = "most_distance"
	ScoreParticipation ScoringRule = "participation"
)

// Valid reports whether r is a known scoring rule.
func (r ScoringRule) Valid() bool {
	switch r {
	case ScoreFastestTime, ScoreMostDistance, ScoreParticipation:
		return true
	}
	return false
}

// LeaderboardEntry is one ranked row of an individual leaderboard.
type LeaderboardEntry struct {
	ParticipantID string  `json:"participant_id"`
	Rank          int     `json:"rank"`
	Score         string  `json:"score"`
	RawScore      float64 `json:"raw_score"`
	WorkoutCount  int     `json:"workout_count"`
	Private       bool    `json:"private,omitempty"`
}

// TeamEntry is one ranked row of a team leaderboard.
type TeamEntry struct {
	Team         string  `json:"team"`
	MemberCount  int     `json:"member_count"`
	Rank         int     `json:"rank"`
	Score        string  `json:"score"`
	RawScore     float64 `json:"raw_score"`
	WorkoutCount int     `json:"workout_count"`
}

// Competition is the time-boxed configuration of one contest.
type Competition struct {
	ID                 string            `json:"id"`
	Organizer          string            `json:"organizer"`
	Title              string            `json:"title"`
	ActivityType       string            `json:"activity_type"`
	Scoring            ScoringRule       `json:"scoring"`
	Start              time.Time         `json:"start"`
	End                time.Time         `json:"end"`
	QualifyingDistance float64           `json:"qualifying_distance_m,omitempty"`
	Participants       []string          `json:"participants,omitempty"`
	TeamMode           bool              `json:"team_mode,omitempty"`
	Teams              map[string]string `json:"teams,omitempty"`
}

// Address returns the addressable reference used by join records:
// "<kind>:<organizer>:<id>".
func (c Competition) Address() string {
	return fmt.Sprintf("%d:%s:%s", KindCompetition, c.Organizer, c.ID)
}

// FrozenSnapshot is the permanent record of a finished competition.
type FrozenSnapshot struct {
	CompetitionID string             `json:"competition_id"`
	Organizer     string             `json:"organizer"`
	Participants  []string           `json:"participants"`
	Leaderboard   []LeaderboardEntry `json:"leaderboard"`
	Teams         []TeamEntry        `json:"teams,omitempty"`
	FrozenAt      time.Time          `json:"frozen_at"`
	EndTime       time.Time          `json:"end_time"`
}

// Status is the lifecycle state of a competition as observed at read time.
type Status string

const (
	StatusUpcoming Status = "UPCOMING"
	StatusLive     Status = "LIVE"
	StatusEnded    Status = "ENDED"
	StatusFrozen   Status = "FROZEN"
)

// Event kinds understood on the event network.
const (
	KindWorkout     = 1301
	KindJoin        = 1105
	KindCompetition = 30101
)
