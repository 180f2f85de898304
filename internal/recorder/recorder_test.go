package recorder_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/migrate"
	"storyline/internal/recorder"
	"storyline/internal/repo"
)

func newRecorder(t *testing.T) (recorder.Recorder, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	seedStory(t, ctx, conn)
	return recorder.New(conn), ctx
}

func seedStory(t *testing.T, ctx context.Context, conn *sql.DB) {
	t.Helper()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertStoryTx(ctx, tx, domain.Story{ID: "S1", Title: "story", Status: domain.StoryToDo, UpdatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert story: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestLogsAppendOnlyAndOrdered(t *testing.T) {
	rec, ctx := newRecorder(t)

	for i, msg := range []string{"first", "second", "third"} {
		if _, err := rec.Log(ctx, "S1", "S1.T01", "Backend", domain.LevelInfo, msg, map[string]string{"n": string(rune('0' + i))}); err != nil {
			t.Fatalf("log %s: %v", msg, err)
		}
	}
	first, err := rec.LogsFor(ctx, "S1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(first))
	}
	for i, want := range []string{"first", "second", "third"} {
		if first[i].Message != want {
			t.Fatalf("logs out of order: %+v", first)
		}
	}

	// Later writes never mutate the rows an earlier call returned.
	if _, err := rec.Log(ctx, "S1", "S1.T01", "QA", domain.LevelWarn, "fourth", nil); err != nil {
		t.Fatalf("log fourth: %v", err)
	}
	again, err := rec.LogsFor(ctx, "S1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(again) != 4 {
		t.Fatalf("expected 4 logs, got %d", len(again))
	}
	for i := range first {
		if again[i].ID != first[i].ID || again[i].Message != first[i].Message {
			t.Fatalf("earlier rows changed: %+v vs %+v", again[i], first[i])
		}
	}
}

func TestArtifactHistoryPerPath(t *testing.T) {
	rec, ctx := newRecorder(t)

	a1, err := rec.Artifact(ctx, "S1", "S1.T01", "web/dashboard.tsx", []byte("v1"), "code", nil)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	a2, err := rec.Artifact(ctx, "S1", "S1.T01", "web/dashboard.tsx", []byte("v2"), "code", map[string]string{"rev": "2"})
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if a1.Hash == a2.Hash {
		t.Fatalf("expected distinct hashes for distinct content")
	}

	all, err := rec.ArtifactsFor(ctx, "S1")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both history rows, got %d", len(all))
	}
	if all[0].ID != a1.ID || all[1].ID != a2.ID {
		t.Fatalf("expected timestamp order, got %+v", all)
	}
}

// fixedClock returns each stamp once, then keeps returning the last one.
func fixedClock(stamps ...time.Time) func() time.Time {
	return func() time.Time {
		ts := stamps[0]
		if len(stamps) > 1 {
			stamps = stamps[1:]
		}
		return ts
	}
}

func TestLogOrderSurvivesTrimmedFractionalSeconds(t *testing.T) {
	rec, ctx := newRecorder(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	// .5s would serialize shorter than .51s under a trimming layout, and a
	// lexicographic ORDER BY would then flip the two rows.
	rec.Now = fixedClock(base.Add(500*time.Millisecond), base.Add(510*time.Millisecond))

	for _, msg := range []string{"earlier", "later"} {
		if _, err := rec.Log(ctx, "S1", "S1.T01", "Backend", domain.LevelInfo, msg, nil); err != nil {
			t.Fatalf("log %s: %v", msg, err)
		}
	}
	logs, err := rec.LogsFor(ctx, "S1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "earlier" || logs[1].Message != "later" {
		t.Fatalf("logs misordered: %+v", logs)
	}
	if logs[0].TS >= logs[1].TS {
		t.Fatalf("stored timestamps not ascending: %q then %q", logs[0].TS, logs[1].TS)
	}
}

func TestArtifactOrderSurvivesTrimmedFractionalSeconds(t *testing.T) {
	rec, ctx := newRecorder(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rec.Now = fixedClock(base.Add(500*time.Millisecond), base.Add(510*time.Millisecond))

	a1, err := rec.Artifact(ctx, "S1", "S1.T01", "api/routes.go", []byte("v1"), "code", nil)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	a2, err := rec.Artifact(ctx, "S1", "S1.T01", "api/routes.go", []byte("v2"), "code", nil)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	all, err := rec.ArtifactsFor(ctx, "S1")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(all) != 2 || all[0].ID != a1.ID || all[1].ID != a2.ID {
		t.Fatalf("artifacts misordered: %+v", all)
	}
}

func TestArtifactRejectsUnknownKind(t *testing.T) {
	rec, ctx := newRecorder(t)
	if _, err := rec.Artifact(ctx, "S1", "S1.T01", "notes.txt", []byte("x"), "scribble", nil); err == nil {
		t.Fatalf("expected kind validation error")
	}
}
