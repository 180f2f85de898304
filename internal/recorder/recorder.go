// Package recorder is the append-only audit trail: agent activity logs and
// produced file artifacts. Rows are inserted once and never touched again, so
// none of these writes participate in the version-counter scheme.
package recorder

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

type Recorder struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Recorder {
	return Recorder{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Log appends one audit entry in its own transaction.
func (r Recorder) Log(ctx context.Context, storyID, taskID, role, level, message string, meta map[string]string) (domain.LogEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LogEntry{}, err
	}
	defer tx.Rollback()
	entry, err := r.LogTx(ctx, tx, storyID, taskID, role, level, message, meta)
	if err != nil {
		return domain.LogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// LogTx appends an audit entry inside a caller-owned transaction, used by the
// lifecycle engine to make a status change and its audit record atomic.
func (r Recorder) LogTx(ctx context.Context, tx *sql.Tx, storyID, taskID, role, level, message string, meta map[string]string) (domain.LogEntry, error) {
	if level == "" {
		level = domain.LevelInfo
	}
	entry := domain.LogEntry{
		StoryID: storyID,
		TaskID:  taskID,
		Role:    role,
		Level:   level,
		Message: message,
		Meta:    meta,
		TS:      domain.FormatTime(r.now()),
	}
	if err := r.Repo.InsertLogTx(ctx, tx, entry); err != nil {
		return domain.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	return entry, nil
}

// Artifact registers a produced file. The content hash is computed here and a
// new row is always inserted, even for a path seen before; history is kept.
func (r Recorder) Artifact(ctx context.Context, storyID, taskID, path string, content []byte, kind string, meta map[string]string) (domain.Artifact, error) {
	if !domain.ValidArtifactKind(kind) {
		return domain.Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	sum := sha256.Sum256(content)
	a := domain.Artifact{
		ID:      uuid.New().String(),
		StoryID: storyID,
		TaskID:  taskID,
		Path:    path,
		Hash:    hex.EncodeToString(sum[:]),
		Kind:    kind,
		Meta:    meta,
		TS:      domain.FormatTime(r.now()),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// LogsFor returns the story's audit trail, oldest first. The result is a
// snapshot taken at call time; callers re-iterating see later rows by calling
// again.
func (r Recorder) LogsFor(ctx context.Context, storyID string) ([]domain.LogEntry, error) {
	return r.Repo.LogsForStory(ctx, storyID)
}

// ArtifactsFor returns the story's artifact history, oldest first.
func (r Recorder) ArtifactsFor(ctx context.Context, storyID string) ([]domain.Artifact, error) {
	return r.Repo.ArtifactsForStory(ctx, storyID)
}
