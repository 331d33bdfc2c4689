package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/podium/pkg/model"
	"github.com/tkrajina/gpxgo/gpx"
)

// FromGPX builds a record draft from a GPX track. Distance is the 2D
// length of every segment and duration runs from the first to the last
// timestamped point. The draft has no id, author or publish time.
func FromGPX(data []byte, activityType string) (model.ActivityRecord, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return model.ActivityRecord{}, fmt.Errorf("parse gpx: %w", err)
	}

	var (
		distance    float64
		first, last time.Time
	)
	for _, track := range g.Tracks {
		for _, segment := range track.Segments {
			for i := range segment.Points {
				point := segment.Points[i]
				if !point.Timestamp.IsZero() {
					if first.IsZero() || point.Timestamp.Before(first) {
						first = point.Timestamp
					}
					if point.Timestamp.After(last) {
						last = point.Timestamp
					}
				}
				if i == 0 {
					continue
				}
				prev := segment.Points[i-1]
				distance += prev.Distance2D(&point)
			}
		}
	}
	if distance == 0 && first.IsZero() {
		return model.ActivityRecord{}, errors.New("gpx: no track points")
	}

	start := first
	if g.Time != nil && !g.Time.IsZero() {
		start = *g.Time
	}
	rec := model.ActivityRecord{
		Type:           NormalizeType(activityType),
		StartTime:      start.UTC(),
		DistanceMeters: distance,
	}
	if !first.IsZero() && last.After(first) {
		rec.DurationSec = int64(last.Sub(first).Seconds())
	}
	return rec, nil
}
