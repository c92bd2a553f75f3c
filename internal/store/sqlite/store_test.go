package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndListEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, EventPairingIssued, "proj-1", "pairing_id=pair_abc"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(ctx, EventTunnelStarted, "proj-1", "port=4100"); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != EventTunnelStarted || events[1].Kind != EventPairingIssued {
		t.Fatalf("unexpected ordering: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].ProjectID != "proj-1" || events[0].Detail != "port=4100" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected createdAt to be set")
	}
}

func TestListEventsRespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.AppendEvent(ctx, EventPairingRejected, "proj-1", ""); err != nil {
			t.Fatal(err)
		}
	}
	events, err := store.ListEvents(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestEmptyDetailStoredAsNull(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, EventTunnelStopped, "proj-1", "   "); err != nil {
		t.Fatal(err)
	}
	events, err := store.ListEvents(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Detail != "" {
		t.Fatalf("expected blank detail to round-trip empty, got %+v", events)
	}
}

func TestPruneEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO events (kind, project_id, detail, created_at) VALUES (?, ?, NULL, ?)`,
		EventTunnelError, "proj-1", old); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(ctx, EventTunnelStarted, "proj-1", ""); err != nil {
		t.Fatal(err)
	}

	pruned, err := store.PruneEvents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}
	events, err := store.ListEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != EventTunnelStarted {
		t.Fatalf("expected only the fresh event to survive, got %+v", events)
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "path", "events.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected db file to exist at %s: %v", dbPath, err)
	}
}
