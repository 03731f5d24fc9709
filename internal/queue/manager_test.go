package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	"github.com/aperturehq/aperture-sync/internal/store"
)

// failingStore simulates a durable backend whose appends fault.
type failingStore struct {
	store.Store
	appendErr error
}

func (f *failingStore) Append(ctx context.Context, m *mutation.QueuedMutation) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.Store.Append(ctx, m)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestEnqueueValidates(t *testing.T) {
	mgr := New(store.NewMemory(), quietLogger())
	ctx := context.Background()

	if _, err := mgr.Enqueue(ctx, mutation.Kind("rename-note"), json.RawMessage(`{"id":"n-1"}`)); !errors.Is(err, mutation.ErrUnknownKind) {
		t.Fatalf("unknown kind: got %v, want ErrUnknownKind", err)
	}
	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":""}`)); !errors.Is(err, mutation.ErrInvalidPayload) {
		t.Fatalf("bad payload: got %v, want ErrInvalidPayload", err)
	}

	n, err := mgr.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected enqueues must not reach the store, count = %d", n)
	}
}

func TestEnqueueStampsMutation(t *testing.T) {
	mgr := New(store.NewMemory(), quietLogger())
	ctx := context.Background()

	before := time.Now().UTC()
	id, err := mgr.Enqueue(ctx, mutation.KindCreateNote, json.RawMessage(`{"temp_id":"local-1","content":"hi"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == 0 {
		t.Error("expected a non-zero id")
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(list))
	}
	m := list[0]
	if m.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", m.RetryCount)
	}
	if m.EnqueuedAt.Before(before) || m.EnqueuedAt.After(time.Now().UTC()) {
		t.Errorf("enqueued_at %v outside expected window", m.EnqueuedAt)
	}
}

// A durable append fault must not fail the caller: the mutation lands
// in the memory overlay and stays replayable for the process lifetime.
func TestEnqueueAppendFaultDegradesToMemory(t *testing.T) {
	faulty := &failingStore{Store: store.NewMemory(), appendErr: errors.New("disk full")}
	mgr := New(faulty, quietLogger())
	ctx := context.Background()

	id, err := mgr.Enqueue(ctx, mutation.KindDeleteArticle, json.RawMessage(`{"id":"a-1"}`))
	if err != nil {
		t.Fatalf("append fault should not surface to caller, got %v", err)
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected overlay mutation in list, got %d entries", len(list))
	}
	if list[0].ID != id {
		t.Errorf("listed id %d != returned id %d", list[0].ID, id)
	}

	// The overlay id routes Remove away from the durable store.
	if err := mgr.Remove(ctx, id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	n, _ := mgr.Count(ctx)
	if n != 0 {
		t.Errorf("count = %d after remove, want 0", n)
	}
}

func TestListMergesInEnqueueOrder(t *testing.T) {
	backing := store.NewMemory()
	faulty := &failingStore{Store: backing}
	mgr := New(faulty, quietLogger())
	ctx := context.Background()

	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	faulty.appendErr = errors.New("io error")
	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":"n-2"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	faulty.appendErr = nil
	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":"n-3"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 mutations, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].EnqueuedAt.Before(list[i-1].EnqueuedAt) {
			t.Errorf("merged list out of enqueue order at index %d", i)
		}
	}
	var got []string
	for _, m := range list {
		got = append(got, mutation.TargetID(m.Kind, m.Payload))
	}
	want := []string{"n-1", "n-2", "n-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	faulty := &failingStore{Store: store.NewMemory()}
	mgr := New(faulty, quietLogger())
	ctx := context.Background()

	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":"n-1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	faulty.appendErr = errors.New("io error")
	if _, err := mgr.Enqueue(ctx, mutation.KindDeleteNote, json.RawMessage(`{"id":"n-2"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := mgr.Discard(ctx); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	n, err := mgr.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d after discard, want 0", n)
	}
}
