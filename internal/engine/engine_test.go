package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/graph"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	ctx := context.Background()
	if _, err := eng.CreateStory(ctx, "S1", "Frontend dashboard", "FE"); err != nil {
		t.Fatalf("create story: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedTask(t *testing.T, env testEnv, id, role, size string, deps ...string) domain.Task {
	t.Helper()
	created, err := env.Engine.CreateTasks(env.Ctx, "S1", []engine.TaskDraft{{
		ID:           id,
		Kind:         "impl",
		Description:  "work on " + id,
		Role:         role,
		Size:         size,
		Dependencies: deps,
	}})
	if err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return created[0]
}

func mustTransition(t *testing.T, env testEnv, task domain.Task, to string) domain.Task {
	t.Helper()
	updated, err := env.Engine.TransitionTask(env.Ctx, task.ID, task.Version, to, task.Role)
	if err != nil {
		t.Fatalf("transition %s -> %s: %v", task.ID, to, err)
	}
	return updated
}

func TestTaskTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, "S1.T01", "Backend", "S")

	task = mustTransition(t, env, task, domain.TaskInProgress)

	// in_progress -> qa_failed is disallowed; must pass through coding_complete.
	_, err := env.Engine.TransitionTask(env.Ctx, task.ID, task.Version, domain.TaskQAFailed, "QA")
	var it *engine.IllegalTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if it.From != domain.TaskInProgress || it.To != domain.TaskQAFailed {
		t.Fatalf("unexpected pair %s -> %s", it.From, it.To)
	}

	task = mustTransition(t, env, task, domain.TaskCodingComplete)
	task = mustTransition(t, env, task, domain.TaskQAFailed)
	task = mustTransition(t, env, task, domain.TaskInProgress)
	task = mustTransition(t, env, task, domain.TaskCodingComplete)
	task = mustTransition(t, env, task, domain.TaskDone)

	// done is terminal for tasks.
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, task.Version, domain.TaskInProgress, "Backend"); !errors.As(err, &it) {
		t.Fatalf("expected illegal transition from done, got %v", err)
	}
}

func TestVersionConflictLeavesRowUnchanged(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, "S1.T01", "Backend", "S")

	claimed := mustTransition(t, env, task, domain.TaskInProgress)
	if claimed.Version != task.Version+1 {
		t.Fatalf("expected version %d, got %d", task.Version+1, claimed.Version)
	}

	// Using the pre-claim version must fail and not move the row.
	_, err := env.Engine.TransitionTask(env.Ctx, task.ID, task.Version, domain.TaskCodingComplete, "Backend")
	var vc *engine.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if vc.Expected != task.Version || vc.Actual != claimed.Version {
		t.Fatalf("conflict reported expected=%d actual=%d", vc.Expected, vc.Actual)
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != domain.TaskInProgress || stored.Version != claimed.Version {
		t.Fatalf("row changed despite conflict: %+v", stored)
	}
}

func TestClaimNextRespectsRoleAndOrder(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "S1.T01", "Backend", "L")
	seedTask(t, env, "S1.T02", "Backend", "S")
	seedTask(t, env, "S1.T03", "QA", "S")

	claimed, err := env.Engine.ClaimNext(env.Ctx, "S1", "Backend")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "S1.T02" {
		t.Fatalf("expected smallest backend task first, got %s", claimed.ID)
	}
	if claimed.Status != domain.TaskInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.Status)
	}

	if _, err := env.Engine.ClaimNext(env.Ctx, "S1", "Frontend"); !errors.Is(err, engine.ErrNoneAvailable) {
		t.Fatalf("expected none available for Frontend, got %v", err)
	}

	// The claim is observable in the audit trail.
	logs, err := env.Engine.Recorder.LogsFor(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	found := false
	for _, l := range logs {
		if l.TaskID == claimed.ID && l.Message == "claimed" && l.Level == domain.LevelInfo {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a claimed log entry, got %+v", logs)
	}
}

func TestClaimRaceSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "S1.T01", "Backend", "S")

	const workers = 5
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ClaimNext(env.Ctx, "S1", "Backend")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, empties := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrNoneAvailable):
			empties++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || empties != workers-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d empties", wins, empties)
	}
}

func TestDependencyGatedEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	t1 := seedTask(t, env, "S1.T01", "Backend", "S")
	seedTask(t, env, "S1.T02", "QA", "M", "S1.T01")

	ready, err := env.Engine.ReadyTasks(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "S1.T01" {
		t.Fatalf("expected [S1.T01], got %+v", ready)
	}

	t1 = mustTransition(t, env, t1, domain.TaskInProgress)
	story, _ := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if story.Status != domain.StoryInProgress {
		t.Fatalf("expected story in_progress after first claim, got %s", story.Status)
	}

	t1 = mustTransition(t, env, t1, domain.TaskCodingComplete)
	t1 = mustTransition(t, env, t1, domain.TaskDone)

	ready, err = env.Engine.ReadyTasks(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "S1.T02" {
		t.Fatalf("expected [S1.T02], got %+v", ready)
	}

	t2 := ready[0]
	t2 = mustTransition(t, env, t2, domain.TaskInProgress)
	t2 = mustTransition(t, env, t2, domain.TaskCodingComplete)
	t2 = mustTransition(t, env, t2, domain.TaskDone)

	story, err = env.Engine.Repo.GetStory(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if story.Status != domain.StoryDone {
		t.Fatalf("expected story done, got %s", story.Status)
	}
}

func TestStoryRevertsFromQAOnRework(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env, "S1.T01", "Backend", "S")

	task = mustTransition(t, env, task, domain.TaskInProgress)
	task = mustTransition(t, env, task, domain.TaskCodingComplete)

	story, _ := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if story.Status != domain.StoryQA {
		t.Fatalf("expected story qa, got %s", story.Status)
	}

	task = mustTransition(t, env, task, domain.TaskQAFailed)
	story, _ = env.Engine.Repo.GetStory(env.Ctx, "S1")
	if story.Status != domain.StoryInProgress {
		t.Fatalf("expected story back to in_progress, got %s", story.Status)
	}

	task = mustTransition(t, env, task, domain.TaskInProgress)
	n, err := env.Engine.Repo.ReworkCount(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("rework count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 rework, got %d", n)
	}
}

func TestConstructionRejectsBadGraph(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTasks(env.Ctx, "S1", []engine.TaskDraft{
		{ID: "S1.T01", Kind: "impl", Role: "Backend", Dependencies: []string{"S1.T02"}},
		{ID: "S1.T02", Kind: "impl", Role: "Backend", Dependencies: []string{"S1.T01"}},
	})
	var ge *graph.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected graph error, got %v", err)
	}
	tasks, _ := env.Engine.Repo.TasksForStory(env.Ctx, "S1")
	if len(tasks) != 0 {
		t.Fatalf("expected nothing written, got %d tasks", len(tasks))
	}
}

func TestCyclicGraphFailsStoryAtQuery(t *testing.T) {
	env := newTestEnv(t)
	// Bypass construction-time validation to simulate a corrupted graph.
	now := domain.FormatTime(time.Now())
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: env.Engine.DB}
	for _, task := range []domain.Task{
		{ID: "S1.T01", StoryID: "S1", Kind: "impl", Role: "Backend", Size: "S", Status: domain.TaskToDo, Dependencies: []string{"S1.T02"}, UpdatedAt: now},
		{ID: "S1.T02", StoryID: "S1", Kind: "impl", Role: "Backend", Size: "S", Status: domain.TaskToDo, Dependencies: []string{"S1.T01"}, UpdatedAt: now},
	} {
		if err := r.InsertTaskTx(env.Ctx, tx, task); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.ReadyTasks(env.Ctx, "S1")
	var ge *graph.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected graph error, got %v", err)
	}
	story, err := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if story.Status != domain.StoryFailed {
		t.Fatalf("expected story failed, got %s", story.Status)
	}
}

func TestStoryFailTerminal(t *testing.T) {
	env := newTestEnv(t)
	story, err := env.Engine.Repo.GetStory(env.Ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	failed, err := env.Engine.TransitionStory(env.Ctx, "S1", story.Version, domain.StoryFailed, "Backend")
	if err != nil {
		t.Fatalf("fail story: %v", err)
	}
	var it *engine.IllegalTransitionError
	if _, err := env.Engine.TransitionStory(env.Ctx, "S1", failed.Version, domain.StoryInProgress, "Backend"); !errors.As(err, &it) {
		t.Fatalf("expected terminal story, got %v", err)
	}
}
