// Package eventlog is the read/publish boundary to the event network.
//
// The network is a set of independent replicas, each holding a partial and
// possibly stale copy of the signed event log. No replica is authoritative:
// the same query against two replicas may return different results, and a
// replica may not answer at all. Everything in this package is shaped by
// that:
//
//   - Collect always resolves. It returns whatever arrived before the end of
//     stored results or the timeout, never an error.
//   - Pool fans a filter out to every replica and merges the streams,
//     deduplicating by event id.
//   - Author and time predicates are reliable at the replica; tag
//     predicates are not, so callers must re-check them with Filter.Matches.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event is one signed record on the network.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// Time returns CreatedAt as a time.Time.
func (e Event) Time() time.Time { return time.Unix(e.CreatedAt, 0).UTC() }

// Tag returns the first value of the first tag named name.
func (e Event) Tag(name string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}

// TagFull returns the first tag named name including all its values.
func (e Event) TagFull(name string) ([]string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 1 && t[0] == name {
			return t, true
		}
	}
	return nil, false
}

// TagValues returns the first value of every tag named name.
func (e Event) TagValues(name string) []string {
	var out []string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}

// ComputeID returns the canonical id of e: the hex sha256 of the JSON array
// [0, pubkey, created_at, kind, tags, content].
func ComputeID(e Event) string {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	b, _ := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Filter selects events. Zero-valued fields do not constrain.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"tags,omitempty"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// Matches reports whether e satisfies every predicate of f except Limit.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	for name, want := range f.Tags {
		found := false
		for _, v := range e.TagValues(name) {
			if containsString(want, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String renders f compactly for logs.
func (f Filter) String() string {
	b, _ := json.Marshal(f)
	return string(b)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// Unix converts t to a filter bound, mapping the zero time to "unset".
func Unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FormatInt is a small helper for building numeric tag values.
func FormatInt(n int64) string { return strconv.FormatInt(n, 10) }

// Validate checks the structural integrity of e before it is stored:
// an author, a non-negative kind and an id matching ComputeID.
func Validate(e Event) error {
	if e.PubKey == "" {
		return errors.New("event: missing pubkey")
	}
	if e.Kind < 0 {
		return fmt.Errorf("event: invalid kind %d", e.Kind)
	}
	if e.ID == "" {
		return errors.New("event: missing id")
	}
	if want := ComputeID(e); e.ID != want {
		return fmt.Errorf("event: id %s does not match content hash %s", e.ID, want)
	}
	return nil
}

// WithID returns e with its canonical id filled in.
func WithID(e Event) Event {
	e.ID = ComputeID(e)
	return e
}
