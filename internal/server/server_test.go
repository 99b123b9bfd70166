package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clipsmith/clipsmith/internal/convo"
	"github.com/clipsmith/clipsmith/internal/jobs"
	"github.com/clipsmith/clipsmith/internal/llm"
	"github.com/clipsmith/clipsmith/internal/tools"
)

func testServer(t *testing.T, client llm.Client) (*Server, *jobs.Manager) {
	t.Helper()

	reg := tools.NewRegistry()
	reg.MustRegister(tools.FinalAnswerDescriptor())

	store := convo.NewMemStore()
	store.AddSession("sess-1")

	mgr := jobs.NewManager(nil)
	runner := &jobs.Runner{
		Manager:  mgr,
		Convo:    store,
		Client:   client,
		Registry: reg,
		Model:    "claude-sonnet-4-5",
	}
	return New(mgr, runner, "You edit videos.", nil), mgr
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockResponse{Parts: []llm.Part{llm.TextPart("trimmed")}},
	)
	srv, mgr := testServer(t, client)

	rec := postJSON(t, srv.Handler(), "/api/jobs", createJobRequest{
		SessionID: "sess-1",
		Input:     "trim my clip",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" {
		t.Fatal("no job_id returned")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok := mgr.GetStatus(resp.JobID)
		if ok && status.Terminal() {
			if status.State != jobs.StateCompleted {
				t.Fatalf("terminal state = %s (%s)", status.State, status.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv, _ := testServer(t, llm.NewMockClient())

	rec := postJSON(t, srv.Handler(), "/api/jobs", createJobRequest{Input: "no session"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing session: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader([]byte("{not json")))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
}

func TestGetAndListJobs(t *testing.T) {
	srv, mgr := testServer(t, llm.NewMockClient())

	job := jobs.NewJob("sess-1", "video_edit", nil)
	if err := mgr.Create(job); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("get: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs?session_id=sess-1", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("list: status = %d", rec.Code)
	}
	var listed struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != job.ID {
		t.Errorf("listed = %+v", listed.Jobs)
	}
}

func TestCancelJob(t *testing.T) {
	srv, mgr := testServer(t, llm.NewMockClient())

	job := jobs.NewJob("sess-1", "video_edit", nil)
	if err := mgr.Create(job); err != nil {
		t.Fatal(err)
	}
	control := make(chan jobs.Control, 1)
	mgr.RegisterControl(job.ID, control)
	defer mgr.UnregisterControl(job.ID)

	rec := postJSON(t, srv.Handler(), "/api/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d body = %s", rec.Code, rec.Body)
	}
	select {
	case cmd := <-control:
		if cmd.Kind != jobs.ControlCancel {
			t.Errorf("kind = %v", cmd.Kind)
		}
	default:
		t.Error("cancel not delivered")
	}

	rec = postJSON(t, srv.Handler(), "/api/jobs/missing/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel missing: status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t, llm.NewMockClient())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}
