package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/windrose-im/windrose/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	msg := models.QueuedMessage{
		LocalID:        "l1",
		ConversationID: "conv-1",
		Content:        "hello",
		ReplyTo:        "m9",
		Attachments:    []models.Attachment{{ID: "a1", URL: "https://cdn.example.com/a1"}},
	}
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].LocalID != "l1" || got[0].Content != "hello" || got[0].ReplyTo != "m9" {
		t.Errorf("round-trip mismatch: %+v", got[0])
	}
	if got[0].Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for fresh message", got[0].Attempts)
	}
	if len(got[0].Attachments) != 1 || got[0].Attachments[0].ID != "a1" {
		t.Errorf("attachments not preserved: %+v", got[0].Attachments)
	}
}

func TestListIsFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"first", "second", "third"} {
		err := store.Enqueue(ctx, models.QueuedMessage{
			LocalID:        id,
			ConversationID: "conv-1",
			Content:        id,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].LocalID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].LocalID, want)
		}
	}
}

func TestEnqueueDuplicateLocalIDIsNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	msg := models.QueuedMessage{LocalID: "l1", ConversationID: "conv-1", Content: "original"}
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "replayed"
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 after duplicate enqueue", len(got))
	}
	if got[0].Content != "original" {
		t.Errorf("duplicate enqueue overwrote the original row")
	}
}

func TestRemoveAndIncrementAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, models.QueuedMessage{LocalID: "l1", ConversationID: "c", Content: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := store.IncrementAttempts(ctx, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := store.IncrementAttempts(ctx, "l1"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.List(ctx)
	if got[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got[0].Attempts)
	}

	if err := store.Remove(ctx, "l1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("count after remove = %d, want 0", n)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, models.QueuedMessage{LocalID: "survivor", ConversationID: "c", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulated process restart.
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].LocalID != "survivor" {
		t.Fatalf("message lost across restart: %+v", got)
	}
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Enqueue(ctx, models.QueuedMessage{LocalID: id, ConversationID: "c", Content: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("count after clear = %d, want 0", n)
	}
}

func TestStorageErrorsWrapErrQueueStorage(t *testing.T) {
	store := openTestStore(t)
	store.Close()

	err := store.Enqueue(context.Background(), models.QueuedMessage{LocalID: "l1"})
	if !errors.Is(err, ErrQueueStorage) {
		t.Errorf("err = %v, want ErrQueueStorage", err)
	}
}
