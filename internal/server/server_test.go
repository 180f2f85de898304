package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
)

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedStoryWithTask(t *testing.T, srv *testServer) domain.Task {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories", CreateStoryRequest{
		ID:    "S1",
		Title: "Checkout flow",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create story status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/S1/tasks", CreateTasksRequest{
		Tasks: []TaskDraftRequest{{
			ID:          "S1.T01",
			Kind:        "impl",
			Description: "implement handler",
			Role:        domain.RoleBackend,
			Size:        "S",
		}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tasks status %d: %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	return tasks[0]
}

func TestClaimNextAndNoneAvailable(t *testing.T) {
	srv := newTestServer(t)
	task := seedStoryWithTask(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/S1/claim-next", ClaimNextRequest{Role: domain.RoleBackend}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if !claim.Available || claim.Task == nil {
		t.Fatalf("expected a claimed task, got %s", string(data))
	}
	if claim.Task.ID != task.ID || claim.Task.Status != domain.TaskInProgress {
		t.Fatalf("unexpected claimed task %+v", claim.Task)
	}

	// The only backlog item is now in progress, so a second claim drains empty.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/S1/claim-next", ClaimNextRequest{Role: domain.RoleBackend}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal second claim: %v", err)
	}
	if claim.Available {
		t.Fatalf("expected none available, got %s", string(data))
	}
}

func TestTransitionVersionConflictIs409(t *testing.T) {
	srv := newTestServer(t)
	task := seedStoryWithTask(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", TransitionRequest{
		Status:  domain.TaskInProgress,
		Version: task.Version,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	// Replay with the stale version.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", TransitionRequest{
		Status:  domain.TaskCodingComplete,
		Version: task.Version,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict, got %q", envelope.Error.Code)
	}
}

func TestIllegalTransitionIs422(t *testing.T) {
	srv := newTestServer(t)
	task := seedStoryWithTask(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", TransitionRequest{
		Status:  domain.TaskDone,
		Version: task.Version,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %q", envelope.Error.Code)
	}
}

func TestAppendLogAndReadTrail(t *testing.T) {
	srv := newTestServer(t)
	task := seedStoryWithTask(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/stories/S1/logs", AppendLogRequest{
		TaskID:  &task.ID,
		Level:   domain.LevelInfo,
		Message: "handler scaffolded",
	}, map[string]string{"X-Actor-Role": domain.RoleBackend})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append log status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stories/S1/logs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read logs status %d: %s", res.StatusCode, string(data))
	}
	var logs []domain.LogEntry
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	found := false
	for _, l := range logs {
		if l.Message == "handler scaffolded" && l.Role == domain.RoleBackend {
			found = true
		}
	}
	if !found {
		t.Fatalf("appended log entry missing from trail: %+v", logs)
	}
}

func TestBearerAuthRequiredWhenSecretSet(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}()
	url := "http://" + ln.Addr().String()
	client := &http.Client{}

	res, data := doJSON(t, client, http.MethodGet, url+"/v1/stories", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}

	token, err := IssueToken("test-secret", "agent-1", domain.RoleBackend, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, url+"/v1/stories", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, url+"/v1/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}

func TestOpenAPISpecConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	const fetchers = 8
	bodies := make([][]byte, fetchers)
	var wg sync.WaitGroup
	for i := 0; i < fetchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				t.Errorf("fetch spec: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("fetch spec status %d", res.StatusCode)
				return
			}
			bodies[i], err = io.ReadAll(res.Body)
			if err != nil {
				t.Errorf("read spec: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		if len(body) == 0 {
			t.Fatalf("fetcher %d got an empty document", i)
		}
		if !bytes.Equal(body, bodies[0]) {
			t.Fatalf("fetcher %d got a different document", i)
		}
	}
}
