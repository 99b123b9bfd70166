// Package memory provides semantic recall over past conversation
// turns. Turns are embedded, stored with their payload, and recalled
// by cosine similarity scoped to a session.
package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Turn is one indexed (user, assistant) exchange.
type Turn struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	UserText        string    `json:"user_text"`
	AssistantText   string    `json:"assistant_text"`
	FilesReferenced []string  `json:"files_referenced,omitempty"`
	Score           float64   `json:"score,omitempty"`
}

// Store indexes and recalls conversation turns.
type Store interface {
	// Index embeds the user text and stores the exchange. A disabled
	// store (zero-vector embedder) ignores the call.
	Index(ctx context.Context, t Turn) error
	// Recall returns the top-k most similar turns within the session.
	Recall(ctx context.Context, session, query string, k int) ([]Turn, error)
	// Recent returns the last n turns of a session, newest first. No
	// vector math involved.
	Recent(ctx context.Context, session string, n int) ([]Turn, error)
	Close() error
}

// BuildContext renders recent history plus semantically similar past
// turns into a prompt block. Returns "" when nothing is found, so
// callers can skip the block entirely.
func BuildContext(ctx context.Context, s Store, session, query string) string {
	if s == nil {
		return ""
	}

	recent, err := s.Recent(ctx, session, 5)
	if err != nil {
		recent = nil
	}
	similar, err := s.Recall(ctx, session, query, 3)
	if err != nil {
		similar = nil
	}
	if len(recent) == 0 && len(similar) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("[RELEVANT PAST CONVERSATIONS]\n")

	if len(recent) > 0 {
		b.WriteString("Recent conversation history:\n")
		// Recent is newest-first; render chronologically.
		for i := len(recent) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", recent[i].UserText, recent[i].AssistantText)
		}
	}
	if len(similar) > 0 {
		b.WriteString("Similar past conversations:\n")
		for _, t := range similar {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", t.UserText, t.AssistantText)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// cosineSimilarity computes similarity between two vectors of the same
// dimension.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("memory: dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
