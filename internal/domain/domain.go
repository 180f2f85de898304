package domain

import "time"

// TimeLayout pads the fractional second to nine digits. RFC3339Nano drops
// trailing zeros, which would break lexicographic ORDER BY over the stored
// strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Story statuses. done and failed are terminal.
const (
	StoryToDo       = "todo"
	StoryInProgress = "in_progress"
	StoryQA         = "qa"
	StoryDone       = "done"
	StoryFailed     = "failed"
)

// Task statuses.
const (
	TaskToDo           = "todo"
	TaskInProgress     = "in_progress"
	TaskCodingComplete = "coding_complete"
	TaskQAFailed       = "qa_failed"
	TaskDone           = "done"
)

// Log levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Agent roles.
const (
	RolePM       = "PM"
	RoleDevOps   = "DevOps"
	RoleBackend  = "Backend"
	RoleFrontend = "Frontend"
	RoleML       = "ML"
	RoleQA       = "QA"
)

// Task kinds.
const (
	TaskKindSpec   = "spec"
	TaskKindPlan   = "plan"
	TaskKindDesign = "design"
	TaskKindImpl   = "impl"
	TaskKindTest   = "test"
	TaskKindDocs   = "docs"
	TaskKindReview = "review"
	TaskKindPR     = "pr"
)

// Roles is the closed set of agent roles a task can be assigned to.
var Roles = []string{RolePM, RoleDevOps, RoleBackend, RoleFrontend, RoleML, RoleQA}

// TaskKinds is the closed set of work natures.
var TaskKinds = []string{
	TaskKindSpec, TaskKindPlan, TaskKindDesign, TaskKindImpl,
	TaskKindTest, TaskKindDocs, TaskKindReview, TaskKindPR,
}

// ArtifactKinds is the closed set of artifact categories.
var ArtifactKinds = []string{"spec", "design", "code", "test", "report"}

// SizeRank orders size estimates for scheduling (small first).
func SizeRank(size string) int {
	switch size {
	case "S":
		return 0
	case "M":
		return 1
	case "L":
		return 2
	default:
		return 3
	}
}

func ValidRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

func ValidTaskKind(kind string) bool {
	for _, k := range TaskKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func ValidArtifactKind(kind string) bool {
	for _, k := range ArtifactKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func ValidSize(size string) bool {
	return size == "S" || size == "M" || size == "L"
}

type Story struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Epic        string  `json:"epic,omitempty"`
	Status      string  `json:"status" enum:"todo,in_progress,qa,done,failed"`
	RoomDocPath *string `json:"room_doc_path,omitempty"`
	Version     int64   `json:"version"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID           string   `json:"id"`
	StoryID      string   `json:"story_id"`
	Kind         string   `json:"kind" enum:"spec,plan,design,impl,test,docs,review,pr"`
	Description  string   `json:"description"`
	Role         string   `json:"role" enum:"PM,DevOps,Backend,Frontend,ML,QA"`
	Size         string   `json:"size" enum:"S,M,L"`
	Status       string   `json:"status" enum:"todo,in_progress,coding_complete,qa_failed,done"`
	Dependencies []string `json:"dependencies"`
	Acceptance   []string `json:"acceptance"`
	Version      int64    `json:"version"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

// LogEntry is an append-only audit record. Rows are never updated or deleted.
type LogEntry struct {
	ID      int64             `json:"id"`
	StoryID string            `json:"story_id"`
	TaskID  string            `json:"task_id,omitempty"`
	Role    string            `json:"role"`
	Level   string            `json:"level" enum:"INFO,WARN,ERROR"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
	TS      string            `json:"ts" format:"date-time"`
}

// Artifact is an append-only file record. Repeated paths accumulate history
// rows distinguished by hash and timestamp.
type Artifact struct {
	ID      string            `json:"id"`
	StoryID string            `json:"story_id"`
	TaskID  string            `json:"task_id"`
	Path    string            `json:"path"`
	Hash    string            `json:"hash"`
	Kind    string            `json:"kind" enum:"spec,design,code,test,report"`
	Meta    map[string]string `json:"meta,omitempty"`
	TS      string            `json:"ts" format:"date-time"`
}
