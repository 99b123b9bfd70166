package jobs

import (
	"testing"
	"time"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil)
	job := NewJob("sess-1", "video_edit", map[string]any{"input": "trim"})

	if err := m.Create(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Create(job); err == nil {
		t.Fatal("duplicate create should fail")
	}

	if err := m.UpdateStatus(job.ID, Running("Starting", 0, 0, 5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, ok := m.Get(job.ID)
	if !ok {
		t.Fatal("job not found after start")
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not recorded on first Running")
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt set before completion")
	}

	if err := m.UpdateStatus(job.ID, Completed("done", nil, 1.5)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = m.Get(job.ID)
	if got.CompletedAt == nil {
		t.Error("CompletedAt not recorded on terminal state")
	}

	if err := m.UpdateStatus(job.ID, Running("again", 0, 0, 0)); err == nil {
		t.Error("transition out of terminal state should fail")
	}
}

func TestManagerUpdateUnknownJob(t *testing.T) {
	m := NewManager(nil)
	if err := m.UpdateStatus("no-such-job", Running("", 0, 0, 0)); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestManagerListBySession(t *testing.T) {
	m := NewManager(nil)
	a := NewJob("sess-1", "video_edit", nil)
	a.CreatedAt = time.Now().Add(-2 * time.Hour)
	b := NewJob("sess-1", "video_edit", nil)
	b.CreatedAt = time.Now().Add(-1 * time.Hour)
	c := NewJob("sess-2", "video_edit", nil)
	for _, j := range []*Job{a, b, c} {
		if err := m.Create(j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got := m.ListBySession("sess-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(got))
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Error("jobs not ordered newest first")
	}
}

func TestSubscribeAndProgress(t *testing.T) {
	m := NewManager(nil)
	ch, unsub := m.Subscribe("sess-1")
	defer unsub()

	m.SendProgress("sess-1", NewProgress("job-1", "working", Running("trim", 20, 1, 5)))

	select {
	case u := <-ch:
		if u.JobID != "job-1" || u.Message != "working" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	// Progress for other sessions must not arrive here.
	m.SendProgress("sess-2", NewProgress("job-2", "other", Pending()))
	select {
	case u := <-ch:
		t.Errorf("received update for foreign session: %+v", u)
	default:
	}
}

func TestSendProgressNeverBlocks(t *testing.T) {
	m := NewManager(nil)
	_, unsub := m.Subscribe("sess-1")
	defer unsub()

	// No reader drains the channel. Flooding past the buffer must not
	// block the producer; overflow updates are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			m.SendProgress("sess-1", NewProgress("job-1", "tick", Running("", 0, 0, 0)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendProgress blocked on a full subscriber")
	}
}

func TestSendProgressDuringUnsubscribe(t *testing.T) {
	m := NewManager(nil)

	// Churn subscriptions while a producer emits. A send racing a
	// close panics, so surviving the churn is the assertion.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, unsub := m.Subscribe("sess-1")
			unsub()
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
			m.SendProgress("sess-1", NewProgress("job-1", "tick", Running("", 0, 0, 0)))
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(nil)
	ch, unsub := m.Subscribe("sess-1")
	unsub()

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Sending after unsubscribe must not panic.
	m.SendProgress("sess-1", NewProgress("job-1", "late", Pending()))
}

func TestSendControl(t *testing.T) {
	m := NewManager(nil)
	ch := make(chan Control, 1)
	m.RegisterControl("job-1", ch)
	defer m.UnregisterControl("job-1")

	if err := m.SendControl("job-1", Control{Kind: ControlCancel}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmd := <-ch; cmd.Kind != ControlCancel {
		t.Errorf("got %v", cmd.Kind)
	}

	if err := m.SendControl("missing", Control{Kind: ControlCancel}); err == nil {
		t.Error("expected error for unknown job")
	}

	// Fill the channel; next send reports backpressure instead of blocking.
	ch <- Control{Kind: ControlPause}
	if err := m.SendControl("job-1", Control{Kind: ControlResume}); err == nil {
		t.Error("expected error when control channel is full")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	m := NewManager(nil)

	finished := NewJob("sess-1", "video_edit", nil)
	pending := NewJob("sess-1", "video_edit", nil)
	active := NewJob("sess-1", "video_edit", nil)

	for _, j := range []*Job{finished, pending, active} {
		if err := m.Create(j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	mustUpdate := func(id string, s Status) {
		t.Helper()
		if err := m.UpdateStatus(id, s); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}
	mustUpdate(finished.ID, Running("", 0, 0, 0))
	mustUpdate(finished.ID, Completed("", nil, 0))
	mustUpdate(active.ID, Running("still going", 0, 0, 0))

	// A long retention keeps everything.
	if removed := m.CleanupOlderThan(24 * time.Hour); removed != 0 {
		t.Fatalf("expected 0 removals with long retention, got %d", removed)
	}

	// A negative retention puts the cutoff in the future, so only the
	// terminal job is eligible.
	if removed := m.CleanupOlderThan(-time.Minute); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := m.Get(finished.ID); ok {
		t.Error("finished job survived cleanup")
	}
	if _, ok := m.Get(active.ID); !ok {
		t.Error("running job was cleaned up")
	}
	if _, ok := m.Get(pending.ID); !ok {
		t.Error("pending job was cleaned up")
	}
}
