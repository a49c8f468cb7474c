package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "agthub-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedSession creates a resumable claude session rooted at /repo.
func SeedSession(t *testing.T, store *db.Store, ctx context.Context, namespace, tag string) model.Session {
	t.Helper()
	return SeedSessionWithMetadata(t, store, ctx, namespace, tag, `{"path":"/repo","flavor":"claude","claudeSessionId":"upstream-1"}`)
}

func SeedSessionWithMetadata(t *testing.T, store *db.Store, ctx context.Context, namespace, tag, metadata string) model.Session {
	t.Helper()
	session, _, err := store.GetOrCreateSession(ctx, db.CreateSessionParams{
		Namespace:  namespace,
		Tag:        tag,
		Metadata:   json.RawMessage(metadata),
		AgentState: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func SeedMachine(t *testing.T, store *db.Store, ctx context.Context, namespace, machineID string) model.Machine {
	t.Helper()
	machine, _, err := store.GetOrCreateMachine(ctx, namespace, machineID, json.RawMessage(`{"host":"`+machineID+`"}`), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("seed machine: %v", err)
	}
	return machine
}
