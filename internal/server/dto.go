package server

import (
	"storyline/internal/domain"
)

type CreateStoryRequest struct {
	ID    string `json:"id" example:"S1"`
	Title string `json:"title" example:"Checkout flow"`
	Epic  string `json:"epic,omitempty" example:"payments"`
}

type TaskDraftRequest struct {
	ID           string   `json:"id" example:"S1.T01"`
	Kind         string   `json:"kind" example:"impl"`
	Description  string   `json:"description"`
	Role         string   `json:"role" example:"Backend"`
	Size         string   `json:"size" example:"M"`
	Dependencies []string `json:"dependencies,omitempty"`
	Acceptance   []string `json:"acceptance,omitempty"`
}

type CreateTasksRequest struct {
	Tasks []TaskDraftRequest `json:"tasks"`
}

type TransitionRequest struct {
	Status  string `json:"status" example:"in_progress"`
	Version int64  `json:"version" example:"1"`
}

type ClaimNextRequest struct {
	Role string `json:"role" example:"Backend"`
}

type AppendLogRequest struct {
	TaskID  *string           `json:"task_id,omitempty"`
	Level   string            `json:"level" example:"INFO"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type RecordArtifactRequest struct {
	TaskID  *string           `json:"task_id,omitempty"`
	Path    string            `json:"path" example:"services/api/handler.go"`
	Content string            `json:"content"`
	Kind    string            `json:"kind" example:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type StoryDetailResponse struct {
	Story domain.Story  `json:"story"`
	Tasks []domain.Task `json:"tasks"`
}

type ClaimResponse struct {
	Available bool         `json:"available"`
	Task      *domain.Task `json:"task,omitempty"`
}

type StoryStatusResponse struct {
	Story      domain.Story   `json:"story"`
	TaskCounts map[string]int `json:"task_counts"`
	Reworks    int            `json:"reworks"`
}
