package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipsmith/clipsmith/internal/jobs"
)

func dialTest(t *testing.T, srv *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=" + session
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProgressDelivery(t *testing.T) {
	mgr := jobs.NewManager(nil)
	srv := httptest.NewServer(NewServer(mgr, nil))
	defer srv.Close()

	conn := dialTest(t, srv, "sess-1")

	// Give the server a moment to register the subscription.
	deadline := time.Now().Add(2 * time.Second)
	var update jobs.ProgressUpdate
	for {
		mgr.SendProgress("sess-1", jobs.NewProgress("job-1", "trimming", jobs.Running("trim", 40, 2, 5)))
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if err := conn.ReadJSON(&update); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no progress update delivered")
		}
	}

	if update.JobID != "job-1" || update.Message != "trimming" {
		t.Errorf("unexpected update: %+v", update)
	}
	if update.Status.State != jobs.StateRunning || update.Status.StepsDone != 2 {
		t.Errorf("status not carried: %+v", update.Status)
	}
}

func TestRejectsMissingSession(t *testing.T) {
	mgr := jobs.NewManager(nil)
	srv := httptest.NewServer(NewServer(mgr, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without session_id")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected 400, got %+v", resp)
	}
}

func TestCancelCommand(t *testing.T) {
	mgr := jobs.NewManager(nil)
	job := jobs.NewJob("sess-1", "video_edit", nil)
	if err := mgr.Create(job); err != nil {
		t.Fatal(err)
	}
	control := make(chan jobs.Control, 1)
	mgr.RegisterControl(job.ID, control)
	defer mgr.UnregisterControl(job.ID)

	srv := httptest.NewServer(NewServer(mgr, nil))
	defer srv.Close()

	conn := dialTest(t, srv, "sess-1")
	if err := conn.WriteJSON(ClientCommand{Type: "cancel", JobID: job.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ack Ack
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !ack.OK || ack.JobID != job.ID {
		t.Errorf("unexpected ack: %+v", ack)
	}

	select {
	case cmd := <-control:
		if cmd.Kind != jobs.ControlCancel {
			t.Errorf("kind = %v", cmd.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("control command not delivered")
	}
}

func TestCommandScopedToSession(t *testing.T) {
	mgr := jobs.NewManager(nil)
	job := jobs.NewJob("sess-other", "video_edit", nil)
	if err := mgr.Create(job); err != nil {
		t.Fatal(err)
	}
	control := make(chan jobs.Control, 1)
	mgr.RegisterControl(job.ID, control)
	defer mgr.UnregisterControl(job.ID)

	srv := httptest.NewServer(NewServer(mgr, nil))
	defer srv.Close()

	conn := dialTest(t, srv, "sess-1")
	if err := conn.WriteJSON(ClientCommand{Type: "cancel", JobID: job.ID}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ack Ack
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.OK || ack.Error != "unknown job" {
		t.Errorf("cross-session command should be refused: %+v", ack)
	}
	select {
	case cmd := <-control:
		t.Errorf("command leaked across sessions: %+v", cmd)
	default:
	}
}

func TestUnknownCommandType(t *testing.T) {
	mgr := jobs.NewManager(nil)
	srv := httptest.NewServer(NewServer(mgr, nil))
	defer srv.Close()

	conn := dialTest(t, srv, "sess-1")
	if err := conn.WriteJSON(ClientCommand{Type: "explode", JobID: "job-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var ack Ack
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.OK || !strings.Contains(ack.Error, "unknown command type") {
		t.Errorf("unexpected ack: %+v", ack)
	}
}
