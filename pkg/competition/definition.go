package competition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/podium/pkg/activity"
	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/model"
)

// Competition definition and join record tags.
const (
	tagD          = "d"
	tagName       = "name"
	tagExercise   = "exercise"
	tagScoring    = "scoring"
	tagStart      = "start"
	tagEnd        = "end"
	tagQualifying = "qualifying_distance"
	tagP          = "p"
	tagTeamMode   = "team_mode"
	tagTeam       = "team"
	tagA          = "a"
	tagVisibility = "visibility"
)

// ParseCompetition reads a competition definition event.
func ParseCompetition(e eventlog.Event) (model.Competition, error) {
	if e.Kind != model.KindCompetition {
		return model.Competition{}, fmt.Errorf("event %s: kind %d is not a competition", e.ID, e.Kind)
	}
	id, ok := e.Tag(tagD)
	if !ok || id == "" {
		return model.Competition{}, fmt.Errorf("event %s: missing d tag", e.ID)
	}
	c := model.Competition{
		ID:        id,
		Organizer: e.PubKey,
		Scoring:   model.ScoreMostDistance,
	}
	c.Title, _ = e.Tag(tagName)
	if t, ok := e.Tag(tagExercise); ok {
		c.ActivityType = activity.NormalizeType(t)
	}
	if s, ok := e.Tag(tagScoring); ok {
		rule := model.ScoringRule(strings.ToLower(strings.TrimSpace(s)))
		if !rule.Valid() {
			return model.Competition{}, fmt.Errorf("competition %s: unknown scoring rule %q", id, s)
		}
		c.Scoring = rule
	}

	var err error
	if c.Start, err = unixTag(e, tagStart); err != nil {
		return model.Competition{}, fmt.Errorf("competition %s: %w", id, err)
	}
	if c.End, err = unixTag(e, tagEnd); err != nil {
		return model.Competition{}, fmt.Errorf("competition %s: %w", id, err)
	}
	if !c.End.After(c.Start) {
		return model.Competition{}, fmt.Errorf("competition %s: end %v is not after start %v", id, c.End, c.Start)
	}

	if full, ok := e.TagFull(tagQualifying); ok && len(full) >= 2 {
		unit := "m"
		if len(full) >= 3 {
			unit = full[2]
		}
		if c.QualifyingDistance, err = activity.ParseDistance(full[1], unit); err != nil {
			return model.Competition{}, fmt.Errorf("competition %s: %w", id, err)
		}
	}

	c.Participants = e.TagValues(tagP)
	if v, ok := e.Tag(tagTeamMode); ok {
		c.TeamMode, _ = strconv.ParseBool(v)
	}
	for _, t := range e.Tags {
		if len(t) >= 3 && t[0] == tagTeam && t[1] != "" && t[2] != "" {
			if c.Teams == nil {
				c.Teams = make(map[string]string)
			}
			c.Teams[t[1]] = t[2]
		}
	}
	return c, nil
}

func unixTag(e eventlog.Event, name string) (time.Time, error) {
	v, ok := e.Tag(name)
	if !ok {
		return time.Time{}, fmt.Errorf("missing %s tag", name)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s tag %q: %w", name, v, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// DefinitionEvent renders c as an unsigned competition definition.
func DefinitionEvent(c model.Competition) eventlog.Event {
	tags := [][]string{
		{tagD, c.ID},
		{tagStart, strconv.FormatInt(c.Start.Unix(), 10)},
		{tagEnd, strconv.FormatInt(c.End.Unix(), 10)},
		{tagScoring, string(c.Scoring)},
	}
	if c.Title != "" {
		tags = append(tags, []string{tagName, c.Title})
	}
	if c.ActivityType != "" {
		tags = append(tags, []string{tagExercise, c.ActivityType})
	}
	if c.QualifyingDistance > 0 {
		tags = append(tags, []string{tagQualifying, strconv.FormatFloat(c.QualifyingDistance, 'f', -1, 64), "m"})
	}
	for _, p := range c.Participants {
		tags = append(tags, []string{tagP, p})
	}
	if c.TeamMode {
		tags = append(tags, []string{tagTeamMode, "true"})
	}
	members := make([]string, 0, len(c.Teams))
	for p := range c.Teams {
		members = append(members, p)
	}
	sort.Strings(members)
	for _, p := range members {
		tags = append(tags, []string{tagTeam, p, c.Teams[p]})
	}
	return eventlog.Event{PubKey: c.Organizer, Kind: model.KindCompetition, Tags: tags}
}

// join is a parsed join record.
type join struct {
	Participant string
	Address     string
	Team        string
	Private     bool
	At          int64
	ID          string
}

func parseJoin(e eventlog.Event) (join, bool) {
	if e.Kind != model.KindJoin || e.PubKey == "" {
		return join{}, false
	}
	addr, ok := e.Tag(tagA)
	if !ok || addr == "" {
		return join{}, false
	}
	j := join{Participant: e.PubKey, Address: addr, At: e.CreatedAt, ID: e.ID}
	j.Team, _ = e.Tag(tagTeam)
	if v, ok := e.Tag(tagVisibility); ok && v == "private" {
		j.Private = true
	}
	return j, true
}

// joinEvent renders an unsigned join record.
func joinEvent(c model.Competition, req JoinRequest) eventlog.Event {
	tags := [][]string{{tagA, c.Address()}, {tagD, c.ID}}
	if req.Team != "" {
		tags = append(tags, []string{tagTeam, req.Team})
	}
	if req.Private {
		tags = append(tags, []string{tagVisibility, "private"})
	}
	return eventlog.Event{PubKey: req.ParticipantID, Kind: model.KindJoin, Tags: tags}
}

// parseAddress splits "<kind>:<organizer>:<id>".
func parseAddress(addr string) (organizer, id string, ok bool) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 || parts[0] != strconv.Itoa(model.KindCompetition) || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
