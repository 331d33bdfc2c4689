package activity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/podium/pkg/eventlog"
	"github.com/daviddao/podium/pkg/model"
)

// Workout record tags.
const (
	tagExercise = "exercise"
	tagType     = "type"
	tagStart    = "start"
	tagDuration = "duration"
	tagDistance = "distance"
	tagCalories = "calories"
	tagHRAvg    = "heart_rate_avg"
	tagHRMax    = "heart_rate_max"
)

const metersPerMile = 1609.344

// ParseRecord builds an ActivityRecord from a workout event. It never
// fails: missing or garbled fields are defaulted (duration 0, distance 0,
// start = publish time) and ok reports whether every required field
// parsed cleanly. Required fields are the activity type and the duration;
// distance is optional but must parse when present.
func ParseRecord(e eventlog.Event) (rec model.ActivityRecord, ok bool) {
	ok = e.Kind == model.KindWorkout && e.ID != "" && e.PubKey != ""
	rec = model.ActivityRecord{
		ID:          e.ID,
		Author:      e.PubKey,
		PublishedAt: e.Time(),
	}
	rec.StartTime = rec.PublishedAt

	typ, found := e.Tag(tagExercise)
	if !found {
		typ, found = e.Tag(tagType)
	}
	if found && strings.TrimSpace(typ) != "" {
		rec.Type = NormalizeType(typ)
	} else {
		ok = false
	}

	if v, found := e.Tag(tagStart); found {
		if sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && sec > 0 {
			rec.StartTime = time.Unix(sec, 0).UTC()
		} else {
			ok = false
		}
	}

	if v, found := e.Tag(tagDuration); found {
		d, err := ParseDuration(v)
		if err != nil {
			ok = false
		}
		rec.DurationSec = d
	} else {
		ok = false
	}

	if full, found := e.TagFull(tagDistance); found {
		unit := ""
		if len(full) >= 3 {
			unit = full[2]
		}
		value := ""
		if len(full) >= 2 {
			value = full[1]
		}
		m, err := ParseDistance(value, unit)
		if err != nil {
			ok = false
		}
		rec.DistanceMeters = m
	}

	if v, found := e.Tag(tagCalories); found {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			rec.Calories = n
		}
	}

	hrAvg := atoiTag(e, tagHRAvg)
	hrMax := atoiTag(e, tagHRMax)
	if hrAvg > 0 || hrMax > 0 {
		rec.HeartRate = &model.HeartRate{Avg: hrAvg, Max: hrMax}
	}
	return rec, ok
}

func atoiTag(e eventlog.Event, name string) int {
	v, found := e.Tag(name)
	if !found {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseDuration accepts "HH:MM:SS", "MM:SS" or a plain number of seconds.
// On error it returns 0.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("duration %q: too many fields", s)
	}
	if len(parts) == 1 {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("duration %q: not a number of seconds", s)
		}
		return int64(f), nil
	}
	var total int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("duration %q: bad field %q", s, p)
		}
		// Minutes and seconds are bounded; the leading field is not.
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("duration %q: field %q out of range", s, p)
		}
		total = total*60 + n
	}
	return total, nil
}

// ParseDistance converts value in unit to meters. Units are m, km and mi
// (and their long forms); an empty unit means km. On error it returns 0.
func ParseDistance(value, unit string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("distance %q: not a number", value)
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "m", "meter", "meters", "metre", "metres":
		return f, nil
	case "", "km", "kilometer", "kilometers", "kilometre", "kilometres":
		return f * 1000, nil
	case "mi", "mile", "miles":
		return f * metersPerMile, nil
	default:
		return 0, fmt.Errorf("distance unit %q not supported", unit)
	}
}

// NormalizeType maps free-form activity names onto the canonical set:
// run, walk, ride, swim, hike. Anything else is lowercased and kept.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "run", "running", "jog", "jogging":
		return "run"
	case "walk", "walking":
		return "walk"
	case "ride", "cycling", "cycle", "bike", "biking", "bicycle":
		return "ride"
	case "swim", "swimming":
		return "swim"
	case "hike", "hiking":
		return "hike"
	}
	return t
}

// MatchesType reports whether a record of type got satisfies the filter
// want. An empty filter, "any" or "all" matches everything.
func MatchesType(got, want string) bool {
	switch strings.ToLower(strings.TrimSpace(want)) {
	case "", "any", "all":
		return true
	}
	return NormalizeType(got) == NormalizeType(want)
}

// FormatDuration renders seconds as HH:MM:SS.
func FormatDuration(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

// WorkoutEvent renders rec as an unsigned workout event authored by
// author. The signer fills in the id and signature.
func WorkoutEvent(rec model.ActivityRecord, author string) eventlog.Event {
	created := rec.PublishedAt
	if created.IsZero() {
		created = rec.StartTime.Add(time.Duration(rec.DurationSec) * time.Second)
	}
	tags := [][]string{
		{tagExercise, NormalizeType(rec.Type)},
		{tagStart, strconv.FormatInt(rec.StartTime.Unix(), 10)},
		{tagDuration, FormatDuration(rec.DurationSec)},
		{tagDistance, strconv.FormatFloat(rec.DistanceMeters/1000, 'f', 3, 64), "km"},
	}
	if rec.Calories > 0 {
		tags = append(tags, []string{tagCalories, strconv.Itoa(rec.Calories)})
	}
	if rec.HeartRate != nil {
		if rec.HeartRate.Avg > 0 {
			tags = append(tags, []string{tagHRAvg, strconv.Itoa(rec.HeartRate.Avg)})
		}
		if rec.HeartRate.Max > 0 {
			tags = append(tags, []string{tagHRMax, strconv.Itoa(rec.HeartRate.Max)})
		}
	}
	return eventlog.Event{
		PubKey:    author,
		CreatedAt: created.Unix(),
		Kind:      model.KindWorkout,
		Tags:      tags,
	}
}
