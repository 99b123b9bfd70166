package jobs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/clipsmith/clipsmith/internal/telemetry"
)

// ControlKind discriminates job control commands.
type ControlKind int

const (
	ControlCancel ControlKind = iota
	ControlPause
	ControlResume
	ControlQuestion
	ControlNewInstruction
)

// Control is one command sent to a running job.
type Control struct {
	Kind ControlKind
	Text string
}

// ProgressUpdate is one status snapshot fanned out to the session's
// listeners.
type ProgressUpdate struct {
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Status    Status         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewProgress builds an update stamped with the current time.
func NewProgress(jobID, message string, status Status) ProgressUpdate {
	return ProgressUpdate{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Status:    status,
	}
}

// Job is one background execution of the agent loop.
type Job struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id,omitempty"`
	Type        string         `json:"job_type"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      Status         `json:"status"`
	Input       map[string]any `json:"input_data,omitempty"`
}

// NewJob creates a Pending job with a fresh ULID.
func NewJob(session, jobType string, input map[string]any) *Job {
	return &Job{
		ID:        ulid.Make().String(),
		SessionID: session,
		Type:      jobType,
		CreatedAt: time.Now().UTC(),
		Status:    Pending(),
		Input:     input,
	}
}

// Manager is the process-wide job registry. All maps are guarded by
// one mutex; nothing is held across channel operations.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	progress map[string][]chan ProgressUpdate // keyed by session id
	control  map[string]chan<- Control        // keyed by job id
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:     make(map[string]*Job),
		progress: make(map[string][]chan ProgressUpdate),
		control:  make(map[string]chan<- Control),
		logger:   logger,
	}
}

// Create registers a job. The job must be Pending.
func (m *Manager) Create(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("jobs: %s already registered", job.ID)
	}
	job.Status = Pending()
	m.jobs[job.ID] = job
	telemetry.JobsCreated.Inc()
	return nil
}

// UpdateStatus applies a monotonic transition. Running timestamps are
// recorded on first entry; terminal states record completion time.
func (m *Manager) UpdateStatus(jobID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("jobs: unknown job %s", jobID)
	}
	if err := validateTransition(job.Status.State, status.State); err != nil {
		return err
	}

	now := time.Now().UTC()
	if status.State == StateRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
		telemetry.JobsFinished.WithLabelValues(string(status.State)).Inc()
	}
	job.Status = status
	return nil
}

// GetStatus returns the job's current status.
func (m *Manager) GetStatus(jobID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Status{}, false
	}
	return job.Status, true
}

// Get returns a copy of the job record.
func (m *Manager) Get(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// ListBySession returns the session's jobs, newest first.
func (m *Manager) ListBySession(session string) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Job
	for _, job := range m.jobs {
		if job.SessionID == session {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe registers a progress listener for a session. The returned
// channel is buffered; updates overflowing the buffer are dropped.
// Call the cancel func to unsubscribe.
func (m *Manager) Subscribe(session string) (<-chan ProgressUpdate, func()) {
	ch := make(chan ProgressUpdate, 64)

	m.mu.Lock()
	m.progress[session] = append(m.progress[session], ch)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		listeners := m.progress[session]
		for i, c := range listeners {
			if c == ch {
				m.progress[session] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
		if len(m.progress[session]) == 0 {
			delete(m.progress, session)
		}
		close(ch)
	}
}

// SendProgress fans an update out to the session's listeners. Slow
// listeners lose updates rather than blocking the producer. The read
// lock is held across the sends: unsubscribe closes channels under the
// write lock, so a send can never hit a closed channel.
func (m *Manager) SendProgress(session string, update ProgressUpdate) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.progress[session] {
		select {
		case ch <- update:
		default:
			m.logger.Debug("progress update dropped", "session", session, "job", update.JobID)
		}
	}
}

// RegisterControl installs the job's control channel.
func (m *Manager) RegisterControl(jobID string, ch chan<- Control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control[jobID] = ch
}

// UnregisterControl removes the job's control channel.
func (m *Manager) UnregisterControl(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.control, jobID)
}

// SendControl delivers a command to a running job. Non-blocking; a
// full control channel is an error rather than a hang.
func (m *Manager) SendControl(jobID string, cmd Control) error {
	m.mu.RLock()
	ch, ok := m.control[jobID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("jobs: no control channel for %s", jobID)
	}
	select {
	case ch <- cmd:
		return nil
	default:
		return fmt.Errorf("jobs: control channel for %s is full", jobID)
	}
}

// Shutdown cancels every non-terminal job by pushing Cancel on its
// control channel.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.control))
	for id := range m.control {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.SendControl(id, Control{Kind: ControlCancel})
	}
}

// CleanupOlderThan drops terminal jobs whose completion predates the
// cutoff. Returns the number removed.
func (m *Manager) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().UTC().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// StartCleanup schedules periodic removal of old terminal jobs. The
// returned cron is already running; stop it on shutdown.
func (m *Manager) StartCleanup(schedule string, age time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := m.CleanupOlderThan(age); n > 0 {
			m.logger.Info("cleaned up finished jobs", "removed", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: cleanup schedule: %w", err)
	}
	c.Start()
	return c, nil
}
