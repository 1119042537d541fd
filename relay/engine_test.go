package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onnwee/chat-relay/testutil"
)

func newTestEngine(t *testing.T, capacity int64) *Engine {
	t.Helper()
	database := testutil.SetupTestDB(t)
	return NewEngine(database, NewHub(0), capacity)
}

func TestAppendAssignsSequentialCursors(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	first, err := engine.Append(ctx, "client-a", "room:twitch/lobby", []byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if first.Cursor != 1 {
		t.Errorf("expected first cursor 1, got %d", first.Cursor)
	}

	second, err := engine.Append(ctx, "client-a", "room:twitch/lobby", []byte(`{"text":"world"}`))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if second.Cursor != 2 {
		t.Errorf("expected second cursor 2, got %d", second.Cursor)
	}
}

func TestAppendCursorsIndependentPerPair(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	if _, err := engine.Append(ctx, "client-a", "topic-1", []byte("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	ev, err := engine.Append(ctx, "client-b", "topic-1", []byte("b"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ev.Cursor != 1 {
		t.Errorf("expected independent pair to start at cursor 1, got %d", ev.Cursor)
	}
	ev, err = engine.Append(ctx, "client-a", "topic-2", []byte("c"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ev.Cursor != 1 {
		t.Errorf("expected independent topic to start at cursor 1, got %d", ev.Cursor)
	}
}

func TestConcurrentAppendsSamePair(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	cursors := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := engine.Append(ctx, "client-a", "topic-1", []byte("x"))
			if err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
			cursors <- ev.Cursor
		}()
	}
	wg.Wait()
	close(cursors)

	seen := make(map[int64]bool)
	for c := range cursors {
		if seen[c] {
			t.Fatalf("cursor %d assigned twice", c)
		}
		seen[c] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("expected cursors {1,2}, got %v", seen)
	}
}

func TestEventsSinceAscendingAndRestartable(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	payloads := []string{"one", "two", "three", "four"}
	for _, p := range payloads {
		if _, err := engine.Append(ctx, "client-a", "topic-1", []byte(p)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := engine.EventsSince(ctx, "client-a", "topic-1", 0, 0)
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Cursor != int64(i+1) {
			t.Errorf("event %d: expected cursor %d, got %d", i, i+1, ev.Cursor)
		}
		if string(ev.Payload) != payloads[i] {
			t.Errorf("event %d: expected payload %q, got %q", i, payloads[i], ev.Payload)
		}
	}

	// Restarting from the last returned cursor yields only the remainder.
	batch, err := engine.EventsSince(ctx, "client-a", "topic-1", 0, 2)
	if err != nil {
		t.Fatalf("limited scan failed: %v", err)
	}
	if len(batch) != 2 || batch[1].Cursor != 2 {
		t.Fatalf("expected first batch of 2 ending at cursor 2, got %+v", batch)
	}
	rest, err := engine.EventsSince(ctx, "client-a", "topic-1", batch[1].Cursor, 0)
	if err != nil {
		t.Fatalf("restarted scan failed: %v", err)
	}
	if len(rest) != 2 || rest[0].Cursor != 3 || rest[1].Cursor != 4 {
		t.Fatalf("expected cursors 3 and 4 after restart, got %+v", rest)
	}
}

func TestEventsSinceEmptyIsNotAnError(t *testing.T) {
	engine := newTestEngine(t, 0)

	events, err := engine.EventsSince(context.Background(), "nobody", "nowhere", 0, 0)
	if err != nil {
		t.Fatalf("expected no error for empty scan, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEventsSinceRejectsNegativeCursor(t *testing.T) {
	engine := newTestEngine(t, 0)

	_, err := engine.EventsSince(context.Background(), "client-a", "topic-1", -1, 0)
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestAdvanceCursorMonotonic(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	if err := engine.AdvanceCursor(ctx, "client-a", "topic-1", 5); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	// Lower values are an idempotent no-op.
	if err := engine.AdvanceCursor(ctx, "client-a", "topic-1", 3); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	cur, err := engine.CurrentCursor(ctx, "client-a", "topic-1")
	if err != nil {
		t.Fatalf("current cursor failed: %v", err)
	}
	if cur != 5 {
		t.Errorf("expected cursor to stay at 5, got %d", cur)
	}

	if err := engine.AdvanceCursor(ctx, "client-a", "topic-1", 9); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	cur, err = engine.CurrentCursor(ctx, "client-a", "topic-1")
	if err != nil {
		t.Fatalf("current cursor failed: %v", err)
	}
	if cur != 9 {
		t.Errorf("expected cursor 9, got %d", cur)
	}
}

func TestAdvanceCursorRejectsNegative(t *testing.T) {
	engine := newTestEngine(t, 0)

	err := engine.AdvanceCursor(context.Background(), "client-a", "topic-1", -2)
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestCurrentCursorUnseenPairIsZero(t *testing.T) {
	engine := newTestEngine(t, 0)

	cur, err := engine.CurrentCursor(context.Background(), "never", "seen")
	if err != nil {
		t.Fatalf("current cursor failed: %v", err)
	}
	if cur != 0 {
		t.Errorf("expected 0 for unseen pair, got %d", cur)
	}
}

func TestAppendResumesAfterAdvance(t *testing.T) {
	engine := newTestEngine(t, 0)
	ctx := context.Background()

	// An advance past the log (e.g. restored from a client checkpoint)
	// still feeds cursor assignment: the next append lands above it.
	if err := engine.AdvanceCursor(ctx, "client-a", "topic-1", 10); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	ev, err := engine.Append(ctx, "client-a", "topic-1", []byte("next"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ev.Cursor != 11 {
		t.Errorf("expected append to continue at 11, got %d", ev.Cursor)
	}
}

func TestCapacityTrimKeepsNewest(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := engine.Append(ctx, "client-a", "topic-1", []byte("m")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	events, err := engine.EventsSince(ctx, "client-a", "topic-1", 0, 0)
	if err != nil {
		t.Fatalf("events since failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	if events[0].Cursor != 3 || events[2].Cursor != 5 {
		t.Errorf("expected retained window [3,5], got [%d,%d]", events[0].Cursor, events[2].Cursor)
	}

	oldest, err := engine.OldestRetained(ctx, "client-a", "topic-1")
	if err != nil {
		t.Fatalf("oldest retained failed: %v", err)
	}
	if oldest != 3 {
		t.Errorf("expected oldest retained 3, got %d", oldest)
	}

	// Cursor assignment survives the trim: no reuse of trimmed values.
	ev, err := engine.Append(ctx, "client-a", "topic-1", []byte("m"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ev.Cursor != 6 {
		t.Errorf("expected cursor 6 after trim, got %d", ev.Cursor)
	}
}

func TestOldestRetainedEmptyLogIsZero(t *testing.T) {
	engine := newTestEngine(t, 0)

	oldest, err := engine.OldestRetained(context.Background(), "nobody", "nowhere")
	if err != nil {
		t.Fatalf("oldest retained failed: %v", err)
	}
	if oldest != 0 {
		t.Errorf("expected 0 for empty log, got %d", oldest)
	}
}

func TestAppendPublishesToHub(t *testing.T) {
	database := testutil.SetupTestDB(t)
	hub := NewHub(4)
	engine := NewEngine(database, hub, 0)

	sub := hub.Subscribe("client-a", "topic-1")
	defer sub.Close()

	ev, err := engine.Append(context.Background(), "client-a", "topic-1", []byte("live"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case item := <-sub.C:
		if item.Event.Cursor != ev.Cursor {
			t.Errorf("expected cursor %d on delivery, got %d", ev.Cursor, item.Event.Cursor)
		}
		if string(item.Event.Payload) != "live" {
			t.Errorf("unexpected payload %q", item.Event.Payload)
		}
		if item.Lagged != 0 {
			t.Errorf("expected no lag, got %d", item.Lagged)
		}
	default:
		t.Fatal("expected a live delivery on the subscription channel")
	}
}

func TestAppendFailureBurnsNoCursor(t *testing.T) {
	database := testutil.SetupTestDB(t)
	engine := NewEngine(database, NewHub(0), 0)
	ctx := context.Background()

	if _, err := engine.Append(ctx, "client-a", "topic-1", []byte("ok")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Close the store out from under the engine: the append must fail with
	// the storage sentinel and leave the stored cursor untouched.
	if err := database.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	_, err := engine.Append(ctx, "client-a", "topic-1", []byte("nope"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	reopened := testutil.SetupTestDB(t)
	engine2 := NewEngine(reopened, NewHub(0), 0)
	ev, err := engine2.Append(ctx, "client-a", "topic-1", []byte("fresh"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ev.Cursor != 1 {
		t.Errorf("expected fresh store to start at 1, got %d", ev.Cursor)
	}
}
