// Package backlog renders workflow state to Markdown mirrors: the backlog
// file and per-story room documents. It is a read-only consumer of the store;
// it never mutates workflow state.
package backlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storyline/internal/repo"
)

type Renderer struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (r Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Render produces the backlog Markdown from a snapshot of all stories and
// their tasks.
func (r Renderer) Render(ctx context.Context) (string, error) {
	stories, err := r.Repo.ListStories(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("source: mirror-from-db\n")
	fmt.Fprintf(&b, "generated_at: %s\n", r.now().UTC().Format(time.RFC3339))
	b.WriteString("---\n\n")
	b.WriteString("# Project Backlog\n")
	b.WriteString("_This file is auto-generated from the database. Do not edit manually._\n")

	if len(stories) == 0 {
		b.WriteString("\n*No stories found.*\n")
		return b.String(), nil
	}
	for _, s := range stories {
		fmt.Fprintf(&b, "\n## %s - %s\n", s.ID, s.Title)
		fmt.Fprintf(&b, "- **Status:** `%s`\n", s.Status)
		if s.Epic != "" {
			fmt.Fprintf(&b, "- **Epic:** %s\n", s.Epic)
		}
		tasks, err := r.Repo.TasksForStory(ctx, s.ID)
		if err != nil {
			return "", err
		}
		if len(tasks) == 0 {
			b.WriteString("- **Tasks:** None\n")
			continue
		}
		b.WriteString("- **Tasks:**\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "  - **%s:** %s (`%s` | `%s` | `%s`)\n", t.ID, t.Description, t.Role, t.Size, t.Status)
		}
	}
	return b.String(), nil
}

// RenderToFile writes the backlog mirror to path.
func (r Renderer) RenderToFile(ctx context.Context, path string) error {
	content, err := r.Render(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// RoomDocPath returns the conventional room document location for a story.
func RoomDocPath(docsDir, storyID string) string {
	return filepath.Join(docsDir, fmt.Sprintf("US-%s.md", storyID))
}

// EnsureRoomDoc creates the story's room document if it does not exist yet
// and returns its path.
func EnsureRoomDoc(docsDir, storyID, title string) (string, error) {
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return "", err
	}
	path := RoomDocPath(docsDir, storyID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	header := fmt.Sprintf("# User Story: %s\n\nObjective: %s\n\n", storyID, title)
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// AppendRoomLog appends a timestamped role section to a room document.
func AppendRoomLog(path, role, title string, bodyLines []string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	ts := time.Now().UTC().Format("2006-01-02 15:04 UTC")
	lines := append([]string{"", fmt.Sprintf("### %s - %s: %s", ts, role, title), ""}, bodyLines...)
	lines = append(lines, "")
	_, err = f.WriteString(strings.Join(lines, "\n"))
	return err
}
