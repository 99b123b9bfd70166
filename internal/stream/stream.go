// Package stream delivers job progress to clients over WebSocket and
// relays their control commands back to the job manager.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clipsmith/clipsmith/internal/jobs"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 45 * time.Second
	maxMessageSize = 4096
)

// ClientCommand is the inbound message shape. Clients steer running
// jobs through the same socket that carries their progress.
type ClientCommand struct {
	Type  string `json:"type"` // cancel, pause, resume, question, new_instruction
	JobID string `json:"job_id"`
	Text  string `json:"text,omitempty"`
}

// Ack reports the outcome of a client command.
type Ack struct {
	Type  string `json:"type"` // always "ack"
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Server upgrades HTTP connections and bridges them to the manager's
// per-session progress feeds.
type Server struct {
	manager  *jobs.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(manager *jobs.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws/progress?session_id=... upgrades.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session_id")
	if session == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	log := s.logger.With("conn_id", connID, "session_id", session)
	log.Info("progress stream opened")

	updates, unsubscribe := s.manager.Subscribe(session)

	// gorilla allows one concurrent writer, so command acks are routed
	// through the write pump instead of being written by the reader.
	acks := make(chan Ack, 8)
	done := make(chan struct{})
	go s.readPump(conn, session, acks, done, log)
	s.writePump(conn, updates, acks, done, log)

	unsubscribe()
	conn.Close()
	log.Info("progress stream closed")
}

// readPump consumes client commands until the connection drops. Closing
// done tells the writer to stop.
func (s *Server) readPump(conn *websocket.Conn, session string, acks chan<- Ack, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var cmd ClientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			log.Warn("unparseable client command", "error", err)
			continue
		}
		s.dispatch(session, cmd, acks, log)
	}
}

func (s *Server) dispatch(session string, cmd ClientCommand, acks chan<- Ack, log *slog.Logger) {
	ack := Ack{Type: "ack", JobID: cmd.JobID}

	kind, ok := controlKind(cmd.Type)
	switch {
	case !ok:
		ack.Error = "unknown command type: " + cmd.Type
	default:
		// A client may only steer jobs in its own session.
		job, exists := s.manager.Get(cmd.JobID)
		if !exists || job.SessionID != session {
			ack.Error = "unknown job"
			break
		}
		if err := s.manager.SendControl(cmd.JobID, jobs.Control{Kind: kind, Text: cmd.Text}); err != nil {
			log.Warn("control delivery failed", "job_id", cmd.JobID, "error", err)
			ack.Error = err.Error()
			break
		}
		ack.OK = true
	}

	select {
	case acks <- ack:
	default:
		log.Warn("ack dropped, outbound queue full", "job_id", cmd.JobID)
	}
}

// writePump forwards progress updates and keeps the connection alive
// with pings. Returns when the subscription closes or the reader ends.
func (s *Server) writePump(conn *websocket.Conn, updates <-chan jobs.ProgressUpdate, acks <-chan Ack, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ack := <-acks:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ack); err != nil {
				log.Warn("ack write failed", "error", err)
				return
			}
		case update, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				log.Warn("progress write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func controlKind(t string) (jobs.ControlKind, bool) {
	switch t {
	case "cancel":
		return jobs.ControlCancel, true
	case "pause":
		return jobs.ControlPause, true
	case "resume":
		return jobs.ControlResume, true
	case "question":
		return jobs.ControlQuestion, true
	case "new_instruction":
		return jobs.ControlNewInstruction, true
	default:
		return 0, false
	}
}
