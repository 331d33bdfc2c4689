package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/podium/pkg/competition"
	"github.com/daviddao/podium/pkg/config"
	"github.com/daviddao/podium/pkg/model"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_PODIUM_ENV", "hello")
	if got := envOr("TEST_PODIUM_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_PODIUM_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

func TestEnvOr_EmptyEnv(t *testing.T) {
	t.Setenv("TEST_PODIUM_EMPTY", "")
	if got := envOr("TEST_PODIUM_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr with empty env: got %q, want %q", got, "default")
	}
}

// --- resolveParticipant tests ---

func TestResolveParticipant_FlagValue(t *testing.T) {
	a := &app{cfg: config.Config{Participant: "env-runner"}}
	got, err := a.resolveParticipant("flag-runner")
	if err != nil || got != "flag-runner" {
		t.Fatalf("resolveParticipant with flag: got %q, err=%v", got, err)
	}
}

func TestResolveParticipant_ConfigFallback(t *testing.T) {
	a := &app{cfg: config.Config{Participant: "env-runner"}}
	got, err := a.resolveParticipant("")
	if err != nil || got != "env-runner" {
		t.Fatalf("resolveParticipant fallback: got %q, err=%v", got, err)
	}
}

func TestResolveParticipant_NoneSet(t *testing.T) {
	a := &app{}
	if _, err := a.resolveParticipant(""); err == nil {
		t.Fatal("resolveParticipant with nothing set should fail")
	}
}

// --- parseWhen tests ---

func TestParseWhen(t *testing.T) {
	want := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-06-01T00:00:00Z", "2026-06-01", "1780272000"} {
		got, err := parseWhen(in)
		if err != nil {
			t.Fatalf("parseWhen(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parseWhen(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseWhen("next tuesday"); err == nil {
		t.Fatal("parseWhen should reject free text")
	}
}

// --- printView tests ---

func TestPrintView_Text(t *testing.T) {
	frozenAt := time.Date(2026, 6, 8, 1, 0, 0, 0, time.UTC)
	v := competition.View{
		CompetitionID: "june-5k",
		Competition:   &model.Competition{ID: "june-5k", Title: "June 5k"},
		Status:        model.StatusFrozen,
		Entries: []model.LeaderboardEntry{
			{ParticipantID: "C", Rank: 1, Score: "23:20", WorkoutCount: 1},
			{ParticipantID: "A", Rank: 2, Score: "25:00", WorkoutCount: 3},
		},
		Participants: []string{"A", "B", "C"},
		FrozenAt:     &frozenAt,
	}
	var buf bytes.Buffer
	(&cli{}).printView(&buf, v)
	out := buf.String()
	for _, want := range []string{"June 5k (june-5k) [FROZEN]", "frozen at 2026-06-08T01:00:00Z", "1. C", "23:20", "3 workouts", "3 participants"} {
		if !strings.Contains(out, want) {
			t.Fatalf("printView output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintView_ErrorAndEmpty(t *testing.T) {
	var buf bytes.Buffer
	(&cli{}).printView(&buf, competition.View{CompetitionID: "nope", Error: "competition not found", Retryable: true})
	out := buf.String()
	if !strings.Contains(out, "nope [UNKNOWN]") || !strings.Contains(out, "(retryable)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "no entries yet") {
		t.Fatalf("error views should not claim to be empty:\n%s", out)
	}
}

func TestPrintView_JSON(t *testing.T) {
	var buf bytes.Buffer
	(&cli{jsonOut: true}).printView(&buf, competition.View{CompetitionID: "x", Entries: []model.LeaderboardEntry{}, Participants: []string{}})
	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("printView --json produced invalid JSON: %v\n%s", err, buf.String())
	}
	if got["competition_id"] != "x" {
		t.Fatalf("competition_id = %v, want x", got["competition_id"])
	}
}

// --- end to end ---

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>Morning run</name><trkseg>
    <trkpt lat="52.5200" lon="13.4050"><time>2025-03-01T07:00:00Z</time></trkpt>
    <trkpt lat="52.5250" lon="13.4150"><time>2025-03-01T07:05:00Z</time></trkpt>
    <trkpt lat="52.5300" lon="13.4250"><time>2025-03-01T07:10:00Z</time></trkpt>
  </trkseg></trk>
</gpx>`

// podium runs the CLI in-process and returns stdout.
func podium(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("podium %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestCLI_PublishImportAndRead(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvStore, "sqlite")
	t.Setenv(config.EnvStorePath, filepath.Join(dir, "state", "cache.db"))
	t.Setenv(config.EnvReplicas, filepath.Join(dir, "a.db")+","+filepath.Join(dir, "b.db"))
	t.Setenv(config.EnvParticipant, "runner-1")
	t.Setenv(config.EnvLogLevel, "error")

	out := podium(t, "publish-competition", "spring-run",
		"--name", "Spring run", "--type", "run", "--scoring", "most_distance",
		"--start", "2025-01-01", "--end", "2099-01-01", "--participant", "runner-1")
	if !strings.Contains(out, "to 2 replica(s)") {
		t.Fatalf("publish-competition output: %s", out)
	}

	gpxPath := filepath.Join(dir, "run.gpx")
	if err := os.WriteFile(gpxPath, []byte(sampleGPX), 0o644); err != nil {
		t.Fatal(err)
	}
	out = podium(t, "import-gpx", gpxPath)
	if !strings.Contains(out, "published workout") {
		t.Fatalf("import-gpx output: %s", out)
	}

	var v competition.View
	if err := json.Unmarshal([]byte(podium(t, "--json", "leaderboard", "spring-run")), &v); err != nil {
		t.Fatalf("leaderboard --json: %v", err)
	}
	if v.Error != "" {
		t.Fatalf("leaderboard error: %s", v.Error)
	}
	if v.Status != model.StatusLive {
		t.Fatalf("status = %s, want LIVE", v.Status)
	}
	if len(v.Entries) != 1 || v.Entries[0].ParticipantID != "runner-1" {
		t.Fatalf("entries = %+v, want runner-1 alone", v.Entries)
	}
	if v.Entries[0].RawScore < 1000 {
		t.Fatalf("distance %.0f m looks wrong for the sample track", v.Entries[0].RawScore)
	}

	// The leaderboard is served from the durable cache by the next process.
	if err := json.Unmarshal([]byte(podium(t, "--json", "leaderboard", "spring-run")), &v); err != nil {
		t.Fatalf("leaderboard --json: %v", err)
	}
	if !v.FromCache {
		t.Fatal("second process should read the durable cache")
	}

	var active []model.Competition
	if err := json.Unmarshal([]byte(podium(t, "--json", "active")), &active); err != nil {
		t.Fatalf("active --json: %v", err)
	}
	if len(active) != 1 || active[0].ID != "spring-run" {
		t.Fatalf("active = %+v, want spring-run", active)
	}

	if out := podium(t, "frozen", "list"); !strings.Contains(out, "no frozen competitions") {
		t.Fatalf("frozen list: %s", out)
	}
	if out := podium(t, "cache", "invalidate", "--competition", "spring-run"); !strings.Contains(out, "removed") {
		t.Fatalf("cache invalidate: %s", out)
	}
}

func TestCLI_Version(t *testing.T) {
	if out := podium(t, "version"); strings.TrimSpace(out) != "podium "+version {
		t.Fatalf("version output %q", out)
	}
}
