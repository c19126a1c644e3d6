package parse

import (
	"context"
	"path/filepath"
	"testing"
)

func testStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected a miss, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "a", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a", []byte(`{"x":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "b", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	data, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(data) != `{"x":2}` {
		t.Fatalf("unexpected value %s ok=%v err=%v", data, ok, err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("deleted key still present")
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Fatal("DeleteAll left keys behind")
	}
}

func openTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())
}

func TestSQLiteStorage(t *testing.T) {
	testStorage(t, openTestSQLite(t))

	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestCurrentPersistence(t *testing.T) {
	ctx := context.Background()
	storage := openTestSQLite(t)

	first := NewCurrent(storage)
	u := NewUser()
	if err := u.mergeServer(map[string]any{"objectId": "u1", "username": "alice", "sessionToken": "r:1"}, true); err != nil {
		t.Fatal(err)
	}
	if err := first.SetUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	id, err := first.InstallationID(ctx)
	if err != nil || id == "" {
		t.Fatalf("expected an installation id, got %q %v", id, err)
	}
	if err := first.SetConfig(ctx, MustValue(map[string]any{"feature": true})); err != nil {
		t.Fatal(err)
	}

	second := NewCurrent(storage)
	restored, err := second.User(ctx)
	if err != nil || restored == nil {
		t.Fatalf("expected a restored user, got %v", err)
	}
	if restored.Username() != "alice" || second.SessionToken(ctx) != "r:1" {
		t.Fatalf("unexpected restored user %s", restored.Username())
	}
	if again, _ := second.InstallationID(ctx); again != id {
		t.Fatalf("installation id changed from %s to %s", id, again)
	}
	cfg, _ := second.Config(ctx)
	if b, _ := cfg.Get("feature").AsBool(); !b {
		t.Fatalf("unexpected config %v", cfg)
	}

	if err := second.Teardown(ctx); err != nil {
		t.Fatal(err)
	}
	if u, _ := second.User(ctx); u != nil {
		t.Fatal("teardown should forget the user")
	}
	if _, ok, _ := storage.Get(ctx, KeyCurrentUser); ok {
		t.Fatal("teardown should delete stored state")
	}
}

func TestCurrentReturnsCopies(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	c := NewCurrent(storage)

	inst, err := c.Installation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	inst.Set("badge", 3)
	again, _ := c.Installation(ctx)
	if again.Has("badge") {
		t.Fatal("mutating a returned installation must not change the stored one")
	}
	if keys := storage.Keys(); len(keys) != 1 || keys[0] != KeyCurrentInstallation {
		t.Fatalf("unexpected stored keys %v", keys)
	}

	if err := c.SetUser(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if u, _ := c.User(ctx); u != nil {
		t.Fatal("expected no user")
	}
}
