package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"storyline/internal/backlog"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/graph"
	"storyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"task S1.T01: expected version 2, found 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStories(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTrail(group, cfg.Engine)
	registerBacklog(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var vc *engine.VersionConflictError
	if errors.As(err, &vc) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"entity":   vc.Entity,
			"id":       vc.ID,
			"expected": vc.Expected,
			"actual":   vc.Actual,
		})
	}
	var it *engine.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"entity": it.Entity,
			"from":   it.From,
			"to":     it.To,
		})
	}
	var ge *graph.Error
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "graph_error", err.Error(), map[string]any{
			"story_id": ge.StoryID,
			"task_id":  ge.TaskID,
			"reason":   ge.Reason,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "already exists"), strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "illegal_transition"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-story",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Create story",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateStoryRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		s, err := e.CreateStory(ctx, input.Body.ID, input.Body.Title, input.Body.Epic)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Story `json:"body"`
	}, error) {
		items, err := e.Repo.ListStories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Story `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story with tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body StoryDetailResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.TasksForStory(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StoryDetailResponse `json:"body"`
		}{Body: StoryDetailResponse{Story: s, Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "story-status",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/status",
		Summary:     "Story status with task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body StoryStatusResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStory(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.TasksForStory(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		reworks := 0
		for _, t := range tasks {
			n, err := e.Repo.ReworkCount(ctx, t.ID)
			if err != nil {
				return nil, handleError(err)
			}
			reworks += n
		}
		return &struct {
			Body StoryStatusResponse `json:"body"`
		}{Body: StoryStatusResponse{Story: s, TaskCounts: counts, Reworks: reworks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/transition",
		Summary:     "Transition story status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string            `path:"story_id"`
		Body    TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Story `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		s, err := e.TransitionStory(ctx, input.StoryID, input.Body.Version, input.Body.Status, roleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Story `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-tasks",
		Method:        http.MethodPost,
		Path:          "/stories/{story_id}/tasks",
		Summary:       "Create tasks under a story",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string             `path:"story_id"`
		Body    CreateTasksRequest `json:"body"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tasks is required", nil)
		}
		drafts := make([]engine.TaskDraft, 0, len(input.Body.Tasks))
		for _, t := range input.Body.Tasks {
			drafts = append(drafts, engine.TaskDraft{
				ID:           t.ID,
				Kind:         t.Kind,
				Description:  t.Description,
				Role:         t.Role,
				Size:         t.Size,
				Dependencies: t.Dependencies,
				Acceptance:   t.Acceptance,
			})
		}
		tasks, err := e.CreateTasks(ctx, input.StoryID, drafts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/ready",
		Summary:     "List ready tasks",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.ReadyTasks(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/claim-next",
		Summary:     "Claim the next ready task for a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		StoryID string           `path:"story_id"`
		Body    ClaimNextRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		role := input.Body.Role
		if role == "" {
			role = roleFromContext(ctx)
		}
		t, err := e.ClaimNext(ctx, input.StoryID, role)
		if errors.Is(err, engine.ErrNoneAvailable) {
			return &struct {
				Body ClaimResponse `json:"body"`
			}{Body: ClaimResponse{Available: false}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Available: true, Task: &t}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Transition task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		t, err := e.TransitionTask(ctx, input.TaskID, input.Body.Version, input.Body.Status, roleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerTrail(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "story-logs",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/logs",
		Summary:     "Story audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetStory(ctx, input.StoryID); err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Recorder.LogsFor(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: logs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-log",
		Method:        http.MethodPost,
		Path:          "/stories/{story_id}/logs",
		Summary:       "Append a log entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string           `path:"story_id"`
		Body    AppendLogRequest `json:"body"`
	}) (*struct {
		Body domain.LogEntry `json:"body"`
	}, error) {
		if input.Body.Message == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		level := input.Body.Level
		if level == "" {
			level = domain.LevelInfo
		}
		if _, err := e.Repo.GetStory(ctx, input.StoryID); err != nil {
			return nil, handleError(err)
		}
		taskID := ""
		if input.Body.TaskID != nil {
			taskID = *input.Body.TaskID
		}
		entry, err := e.Recorder.Log(ctx, input.StoryID, taskID, roleFromContext(ctx), level, input.Body.Message, input.Body.Meta)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LogEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "story-artifacts",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}/artifacts",
		Summary:     "Story artifact history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		if _, err := e.Repo.GetStory(ctx, input.StoryID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Recorder.ArtifactsFor(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-artifact",
		Method:        http.MethodPost,
		Path:          "/stories/{story_id}/artifacts",
		Summary:       "Record an artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string                `path:"story_id"`
		Body    RecordArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		if input.Body.Path == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "path is required", nil)
		}
		if _, err := e.Repo.GetStory(ctx, input.StoryID); err != nil {
			return nil, handleError(err)
		}
		taskID := ""
		if input.Body.TaskID != nil {
			taskID = *input.Body.TaskID
		}
		a, err := e.Recorder.Artifact(ctx, input.StoryID, taskID, input.Body.Path, []byte(input.Body.Content), input.Body.Kind, input.Body.Meta)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})
}

func registerBacklog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "render-backlog",
		Method:      http.MethodGet,
		Path:        "/backlog",
		Summary:     "Render the backlog Markdown mirror",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		r := backlog.Renderer{Repo: e.Repo, Now: e.Now}
		md, err := r.Render(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/markdown; charset=utf-8", Body: []byte(md)}, nil
	})
}
