package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// bagEmbedder maps text into a fixed vocabulary bag, giving
// deterministic vectors where shared words mean similarity.
type bagEmbedder struct {
	vocab []string
}

func newBagEmbedder(vocab ...string) *bagEmbedder {
	return &bagEmbedder{vocab: vocab}
}

func (e *bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(e.vocab))
	lower := strings.ToLower(text)
	for i, w := range e.vocab {
		if strings.Contains(lower, w) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (e *bagEmbedder) Dimensions() int { return len(e.vocab) }
func (e *bagEmbedder) Name() string    { return "bag" }

// zeroEmbedder simulates a misconfigured embedder that only produces
// zero vectors.
type zeroEmbedder struct{ dims int }

func (e *zeroEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, e.dims), nil
}
func (e *zeroEmbedder) Dimensions() int { return e.dims }
func (e *zeroEmbedder) Name() string    { return "zero" }

func openTestStore(t *testing.T, emb Embedder) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"), emb)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexAndRecall(t *testing.T) {
	emb := newBagEmbedder("trim", "merge", "audio", "overlay")
	s := openTestStore(t, emb)
	ctx := context.Background()

	turns := []Turn{
		{SessionID: "s1", UserText: "trim the intro", AssistantText: "trimmed"},
		{SessionID: "s1", UserText: "merge the clips", AssistantText: "merged"},
		{SessionID: "s1", UserText: "extract the audio track", AssistantText: "extracted"},
	}
	for _, turn := range turns {
		if err := s.Index(ctx, turn); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	got, err := s.Recall(ctx, "s1", "please trim this video", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(got))
	}
	if got[0].UserText != "trim the intro" {
		t.Errorf("recalled wrong turn: %q", got[0].UserText)
	}
	if got[0].Score <= 0 {
		t.Errorf("expected positive score, got %f", got[0].Score)
	}
}

func TestRecallScopedToSession(t *testing.T) {
	emb := newBagEmbedder("trim", "merge")
	s := openTestStore(t, emb)
	ctx := context.Background()

	if err := s.Index(ctx, Turn{SessionID: "s1", UserText: "trim it", AssistantText: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Index(ctx, Turn{SessionID: "s2", UserText: "trim that", AssistantText: "ok"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recall(ctx, "s2", "trim", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != "s2" {
		t.Errorf("recall leaked across sessions: %+v", got)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	emb := newBagEmbedder("a", "b")
	s := openTestStore(t, emb)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first a", "second a", "third a"} {
		err := s.Index(ctx, Turn{
			SessionID: "s1",
			UserText:  text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserText != "third a" || got[1].UserText != "second a" {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestZeroVectorDisablesStore(t *testing.T) {
	s := openTestStore(t, &zeroEmbedder{dims: 4})
	ctx := context.Background()

	if err := s.Index(ctx, Turn{SessionID: "s1", UserText: "anything"}); err != nil {
		t.Fatalf("Index with zero embedder should be a no-op, got %v", err)
	}
	got, err := s.Recall(ctx, "s1", "anything", 3)
	if err != nil {
		t.Fatalf("Recall on disabled store: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("disabled store returned turns: %+v", got)
	}
}

func TestDimensionPinning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := NewSQLiteStore(path, newBagEmbedder("a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopening with a different dimensionality must refuse.
	if _, err := NewSQLiteStore(path, newBagEmbedder("a", "b")); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestBuildContext(t *testing.T) {
	emb := newBagEmbedder("trim", "merge")
	s := openTestStore(t, emb)
	ctx := context.Background()

	if err := s.Index(ctx, Turn{SessionID: "s1", UserText: "trim the intro", AssistantText: "done trimming"}); err != nil {
		t.Fatal(err)
	}

	block := BuildContext(ctx, s, "s1", "trim again")
	if !strings.HasPrefix(block, "[RELEVANT PAST CONVERSATIONS]") {
		t.Errorf("missing header: %q", block)
	}
	if !strings.Contains(block, "User: trim the intro") || !strings.Contains(block, "Assistant: done trimming") {
		t.Errorf("missing turn: %q", block)
	}

	if got := BuildContext(ctx, s, "empty-session", "anything"); got != "" {
		t.Errorf("empty session should produce no block, got %q", got)
	}
	if got := BuildContext(ctx, nil, "s1", "anything"); got != "" {
		t.Errorf("nil store should produce no block, got %q", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	same, err := cosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || same < 0.999 {
		t.Errorf("identical vectors: %f, %v", same, err)
	}

	orth, err := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil || orth != 0 {
		t.Errorf("orthogonal vectors: %f, %v", orth, err)
	}

	if _, err := cosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("dimension mismatch should error")
	}
}
