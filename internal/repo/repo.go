package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const storyColumns = `id,title,COALESCE(epic,'') AS epic,status,room_doc_path,version,updated_at`

func scanStory(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	var roomDoc sql.NullString
	err := scan(&s.ID, &s.Title, &s.Epic, &s.Status, &roomDoc, &s.Version, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if roomDoc.Valid {
		s.RoomDocPath = &roomDoc.String
	}
	return s, nil
}

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(id,title,epic,status,room_doc_path,version,updated_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Title, nullable(s.Epic), s.Status, nullableStringPtr(s.RoomDocPath), s.Version, s.UpdatedAt)
	return err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	return scanStory(row.Scan)
}

func (r Repo) ListStories(ctx context.Context) ([]domain.Story, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CompareAndSetStoryStatus updates status, bumps the version and refreshes
// updated_at in one statement, gated on the version the caller observed.
// Returns the number of rows changed; zero means the row moved underneath the
// caller or does not exist.
func (r Repo) CompareAndSetStoryStatus(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, status, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		status, now, id, expectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetStoryRoomDoc records the narrative room document path. The write bumps
// the version like any other story mutation.
func (r Repo) SetStoryRoomDoc(ctx context.Context, tx *sql.Tx, id, path, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET room_doc_path=?, version=version+1, updated_at=? WHERE id=?`, path, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,story_id,kind,description,assignee_role,estimate,status,dependencies,acceptance,version,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var deps, acceptance string
	err := scan(&t.ID, &t.StoryID, &t.Kind, &t.Description, &t.Role, &t.Size, &t.Status, &deps, &acceptance, &t.Version, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Dependencies, err = decodeStrings(deps); err != nil {
		return t, fmt.Errorf("task %s dependencies: %w", t.ID, err)
	}
	if t.Acceptance, err = decodeStrings(acceptance); err != nil {
		return t, fmt.Errorf("task %s acceptance: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	deps, err := encodeStrings(t.Dependencies)
	if err != nil {
		return err
	}
	acceptance, err := encodeStrings(t.Acceptance)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,story_id,kind,description,assignee_role,estimate,status,dependencies,acceptance,version,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.StoryID, t.Kind, t.Description, t.Role, t.Size, t.Status, deps, acceptance, t.Version, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) TasksForStory(ctx context.Context, storyID string) ([]domain.Task, error) {
	return tasksForStory(ctx, r.DB.QueryContext, storyID)
}

func (r Repo) TasksForStoryTx(ctx context.Context, tx *sql.Tx, storyID string) ([]domain.Task, error) {
	return tasksForStory(ctx, tx.QueryContext, storyID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func tasksForStory(ctx context.Context, query queryFunc, storyID string) ([]domain.Task, error) {
	rows, err := query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE story_id=? ORDER BY id ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompareAndSetTaskStatus is the optimistic-concurrency write for tasks: the
// status change, version bump and timestamp refresh land in one statement
// gated on the observed version.
func (r Repo) CompareAndSetTaskStatus(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64, status, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		status, now, id, expectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountTasksByStatus(ctx context.Context, storyID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE story_id=? GROUP BY status`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertLogTx(ctx context.Context, tx *sql.Tx, l domain.LogEntry) error {
	meta, err := encodeMeta(l.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO logs(story_id,task_id,role,level,message,meta,ts) VALUES (?,?,?,?,?,?,?)`,
		l.StoryID, nullable(l.TaskID), l.Role, l.Level, l.Message, meta, l.TS)
	return err
}

const logColumns = `id,story_id,COALESCE(task_id,'') AS task_id,role,level,message,meta,ts`

func (r Repo) LogsForStory(ctx context.Context, storyID string) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM logs WHERE story_id=? ORDER BY id ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var l domain.LogEntry
		var meta sql.NullString
		if err := rows.Scan(&l.ID, &l.StoryID, &l.TaskID, &l.Role, &l.Level, &l.Message, &meta, &l.TS); err != nil {
			return nil, err
		}
		if l.Meta, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ReworkCount reports how many times a task has been sent back from QA.
func (r Repo) ReworkCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM logs WHERE task_id=? AND meta LIKE '%"from":"qa_failed"%' AND meta LIKE '%"to":"in_progress"%'`,
		taskID).Scan(&n)
	return n, err
}

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	meta, err := encodeMeta(a.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,story_id,task_id,path,hash,kind,meta,ts) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.StoryID, a.TaskID, a.Path, a.Hash, a.Kind, meta, a.TS)
	return err
}

func (r Repo) ArtifactsForStory(ctx context.Context, storyID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,story_id,task_id,path,hash,kind,meta,ts FROM artifacts WHERE story_id=? ORDER BY ts ASC, id ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.StoryID, &a.TaskID, &a.Path, &a.Hash, &a.Kind, &meta, &a.TS); err != nil {
			return nil, err
		}
		if a.Meta, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- serialization helpers ---

func encodeStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeMeta(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMeta(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
