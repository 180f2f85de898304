// Package engine enforces the story/task status lifecycle and the claim
// protocol. Every mutating operation is one serializable transaction scoped
// to the affected row plus its audit insert; optimistic version counters are
// the only synchronization between concurrent workers.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/graph"
	"storyline/internal/recorder"
	"storyline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Recorder recorder.Recorder
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Recorder: recorder.New(db),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return domain.FormatTime(e.now())
}

func taskTransitionAllowed(from, to string) bool {
	switch from {
	case domain.TaskToDo:
		return to == domain.TaskInProgress
	case domain.TaskInProgress:
		// QA rejection must pass through coding_complete first.
		return to == domain.TaskCodingComplete
	case domain.TaskCodingComplete:
		return to == domain.TaskDone || to == domain.TaskQAFailed
	case domain.TaskQAFailed:
		return to == domain.TaskInProgress
	}
	return false
}

func storyTransitionAllowed(from, to string) bool {
	if to == domain.StoryFailed {
		return from != domain.StoryDone && from != domain.StoryFailed
	}
	switch from {
	case domain.StoryToDo:
		return to == domain.StoryInProgress
	case domain.StoryInProgress:
		return to == domain.StoryQA
	case domain.StoryQA:
		// qa -> in_progress is the rework revert: a task left
		// coding_complete/done while the story sat in QA.
		return to == domain.StoryDone || to == domain.StoryInProgress
	}
	return false
}

// TransitionTask performs one atomic read-modify-write on a task, gated on
// the version the caller last observed. On success the version is
// incremented, the timestamp refreshed and one audit row written, all in the
// same transaction; the owning story is then re-evaluated.
func (e Engine) TransitionTask(ctx context.Context, taskID string, expectedVersion int64, to, role string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.transitionTaskTx(ctx, tx, taskID, expectedVersion, to, role, "status changed")
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.evaluateStoryTx(ctx, tx, t.StoryID, role); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, expectedVersion int64, to, role, message string) (domain.Task, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !taskTransitionAllowed(t.Status, to) {
		return domain.Task{}, &IllegalTransitionError{Entity: "task", From: t.Status, To: to}
	}
	now := e.nowString()
	n, err := e.Repo.CompareAndSetTaskStatus(ctx, tx, taskID, expectedVersion, to, now)
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		return domain.Task{}, &VersionConflictError{Entity: "task", ID: taskID, Expected: expectedVersion, Actual: t.Version}
	}
	from := t.Status
	t.Status = to
	t.Version = expectedVersion + 1
	t.UpdatedAt = now
	if _, err := e.Recorder.LogTx(ctx, tx, t.StoryID, t.ID, role, domain.LevelInfo, message, map[string]string{
		"from": from,
		"to":   to,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TransitionStory applies an explicit story transition, e.g. a fail reported
// by an agent or a reconciliation job. Same optimistic protocol as tasks.
func (e Engine) TransitionStory(ctx context.Context, storyID string, expectedVersion int64, to, role string) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	s, err := e.transitionStoryTx(ctx, tx, storyID, expectedVersion, to, role, "status changed")
	if err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

func (e Engine) transitionStoryTx(ctx context.Context, tx *sql.Tx, storyID string, expectedVersion int64, to, role, message string) (domain.Story, error) {
	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		return domain.Story{}, err
	}
	if !storyTransitionAllowed(s.Status, to) {
		return domain.Story{}, &IllegalTransitionError{Entity: "story", From: s.Status, To: to}
	}
	now := e.nowString()
	n, err := e.Repo.CompareAndSetStoryStatus(ctx, tx, storyID, expectedVersion, to, now)
	if err != nil {
		return domain.Story{}, err
	}
	if n == 0 {
		return domain.Story{}, &VersionConflictError{Entity: "story", ID: storyID, Expected: expectedVersion, Actual: s.Version}
	}
	from := s.Status
	s.Status = to
	s.Version = expectedVersion + 1
	s.UpdatedAt = now
	level := domain.LevelInfo
	if to == domain.StoryFailed {
		level = domain.LevelError
	}
	if _, err := e.Recorder.LogTx(ctx, tx, s.ID, "", role, level, message, map[string]string{
		"from": from,
		"to":   to,
	}); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

// evaluateStoryTx derives the story status from its tasks and walks the
// story through the legal transitions until it matches. Runs inside the
// transaction of the task change that triggered it.
func (e Engine) evaluateStoryTx(ctx context.Context, tx *sql.Tx, storyID, role string) error {
	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		return err
	}
	if s.Status == domain.StoryDone || s.Status == domain.StoryFailed {
		return nil
	}
	tasks, err := e.Repo.TasksForStoryTx(ctx, tx, storyID)
	if err != nil {
		return err
	}
	target := derivedStoryStatus(tasks)
	for s.Status != target {
		next, ok := nextStoryStep(s.Status, target)
		if !ok {
			return nil
		}
		s, err = e.transitionStoryTx(ctx, tx, storyID, s.Version, next, role, "auto-evaluated")
		if err != nil {
			return err
		}
	}
	return nil
}

func derivedStoryStatus(tasks []domain.Task) string {
	if len(tasks) == 0 {
		return domain.StoryToDo
	}
	allDone := true
	allSettled := true
	anyStarted := false
	for _, t := range tasks {
		if t.Status != domain.TaskDone {
			allDone = false
		}
		if t.Status != domain.TaskDone && t.Status != domain.TaskCodingComplete {
			allSettled = false
		}
		if t.Status != domain.TaskToDo {
			anyStarted = true
		}
	}
	switch {
	case allDone:
		return domain.StoryDone
	case allSettled:
		return domain.StoryQA
	case anyStarted:
		return domain.StoryInProgress
	default:
		return domain.StoryToDo
	}
}

func nextStoryStep(from, target string) (string, bool) {
	switch from {
	case domain.StoryToDo:
		if target != domain.StoryToDo {
			return domain.StoryInProgress, true
		}
	case domain.StoryInProgress:
		if target == domain.StoryQA || target == domain.StoryDone {
			return domain.StoryQA, true
		}
	case domain.StoryQA:
		if target == domain.StoryDone {
			return domain.StoryDone, true
		}
		if target == domain.StoryInProgress || target == domain.StoryToDo {
			return domain.StoryInProgress, true
		}
	}
	return "", false
}

// ReadyTasks returns the story's eligible tasks ordered for scheduling. A
// malformed dependency graph flags the story failed and surfaces the graph
// error to the caller.
func (e Engine) ReadyTasks(ctx context.Context, storyID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	tasks, err := e.Repo.TasksForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	ready, err := graph.Ready(storyID, tasks)
	if err != nil {
		var ge *graph.Error
		if errors.As(err, &ge) {
			if failErr := e.failStory(ctx, storyID, "system", err.Error()); failErr != nil {
				return nil, failErr
			}
		}
		return nil, err
	}
	return ready, nil
}

func (e Engine) failStory(ctx context.Context, storyID, role, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		return err
	}
	if s.Status == domain.StoryDone || s.Status == domain.StoryFailed {
		return nil
	}
	if _, err := e.transitionStoryTx(ctx, tx, storyID, s.Version, domain.StoryFailed, role, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNext hands the requesting role its next eligible task. Ready tasks
// matching the role are tried in scheduling order; a version conflict on one
// candidate (another worker won the race) moves on to the next rather than
// failing the call. At most one caller ever claims a given task.
func (e Engine) ClaimNext(ctx context.Context, storyID, role string) (domain.Task, error) {
	if !domain.ValidRole(role) {
		return domain.Task{}, fmt.Errorf("unknown role %q", role)
	}
	ready, err := e.ReadyTasks(ctx, storyID)
	if err != nil {
		return domain.Task{}, err
	}
	var candidates []domain.Task
	for _, t := range ready {
		if t.Role == role {
			candidates = append(candidates, t)
		}
	}
	if max := e.Config.MaxCandidates(); len(candidates) > max {
		candidates = candidates[:max]
	}
	for _, c := range candidates {
		t, err := e.claimTask(ctx, c, role)
		if err != nil {
			var vc *VersionConflictError
			var it *IllegalTransitionError
			if errors.As(err, &vc) || errors.As(err, &it) {
				continue
			}
			return domain.Task{}, err
		}
		return t, nil
	}
	return domain.Task{}, ErrNoneAvailable
}

func (e Engine) claimTask(ctx context.Context, c domain.Task, role string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.transitionTaskTx(ctx, tx, c.ID, c.Version, domain.TaskInProgress, role, "claimed")
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.evaluateStoryTx(ctx, tx, t.StoryID, role); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CreateStory registers a story produced by backlog decomposition.
func (e Engine) CreateStory(ctx context.Context, id, title, epic string) (domain.Story, error) {
	if id == "" {
		return domain.Story{}, errors.New("story id is required")
	}
	if title == "" {
		return domain.Story{}, errors.New("story title is required")
	}
	s := domain.Story{
		ID:        id,
		Title:     title,
		Epic:      epic,
		Status:    domain.StoryToDo,
		Version:   0,
		UpdatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStoryTx(ctx, tx, s); err != nil {
		return domain.Story{}, fmt.Errorf("insert story: %w", err)
	}
	if _, err := e.Recorder.LogTx(ctx, tx, s.ID, "", domain.RolePM, domain.LevelInfo, "story created", nil); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

// TaskDraft is the planner's input for one decomposed task.
type TaskDraft struct {
	ID           string
	Kind         string
	Description  string
	Role         string
	Size         string
	Dependencies []string
	Acceptance   []string
}

// CreateTasks inserts a batch of decomposed tasks for a story. Dependency
// membership and acyclicity are validated here, at construction time; a
// violated graph is rejected before anything is written.
func (e Engine) CreateTasks(ctx context.Context, storyID string, drafts []TaskDraft) ([]domain.Task, error) {
	if len(drafts) == 0 {
		return nil, errors.New("no tasks given")
	}
	existing, err := e.Repo.TasksForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	now := e.nowString()
	var created []domain.Task
	for _, d := range drafts {
		if d.ID == "" {
			return nil, errors.New("task id is required")
		}
		if !domain.ValidTaskKind(d.Kind) {
			return nil, fmt.Errorf("task %s: unknown kind %q", d.ID, d.Kind)
		}
		if !domain.ValidRole(d.Role) {
			return nil, fmt.Errorf("task %s: unknown role %q", d.ID, d.Role)
		}
		size := d.Size
		if size == "" {
			size = "M"
		}
		if !domain.ValidSize(size) {
			return nil, fmt.Errorf("task %s: unknown size %q", d.ID, size)
		}
		created = append(created, domain.Task{
			ID:           d.ID,
			StoryID:      storyID,
			Kind:         d.Kind,
			Description:  d.Description,
			Role:         d.Role,
			Size:         size,
			Status:       domain.TaskToDo,
			Dependencies: d.Dependencies,
			Acceptance:   d.Acceptance,
			Version:      0,
			UpdatedAt:    now,
		})
	}
	if err := graph.Validate(storyID, append(existing, created...)); err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetStoryTx(ctx, tx, storyID); err != nil {
		return nil, err
	}
	for _, t := range created {
		if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
			return nil, fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	if _, err := e.Recorder.LogTx(ctx, tx, storyID, "", domain.RolePM, domain.LevelInfo, "tasks created", map[string]string{
		"count": fmt.Sprintf("%d", len(created)),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// SetRoomDoc records the story's narrative room document path.
func (e Engine) SetRoomDoc(ctx context.Context, storyID, path string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetStoryRoomDoc(ctx, tx, storyID, path, e.nowString()); err != nil {
		return err
	}
	return tx.Commit()
}
