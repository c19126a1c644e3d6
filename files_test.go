package parse

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveFile(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("POST /parse/files/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"name":"abc_notes.txt","url":"https://files.example.com/abc_notes.txt"}`))
	})
	fs.reply("DELETE /parse/files/abc_notes.txt", http.StatusOK, `{}`)
	c := newTestClient(t, fs)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := NewFileFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteFile(ctx, f); err == nil {
		t.Fatal("deleting an unsaved file should fail")
	}
	if err := c.SaveFile(ctx, f); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if !f.Saved() || f.Name != "abc_notes.txt" || f.Data != nil {
		t.Fatalf("unexpected file %+v", f)
	}
	_, body := fs.last()
	if string(body) != "hello" {
		t.Fatalf("unexpected upload %q", body)
	}

	before := fs.count()
	if err := c.SaveFile(ctx, f); err != nil || fs.count() != before {
		t.Fatal("saved files are not uploaded again")
	}

	if err := c.DeleteFile(ctx, f); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	req, _ := fs.last()
	if req.Header.Get("X-Parse-Master-Key") != "primary" {
		t.Fatal("deleting files needs the primary key")
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"a.png":  "image/png",
		"a.md":   "text/markdown",
		"a.json": "application/json",
		"a":      "application/octet-stream",
		"a.zzz9": "application/octet-stream",
	}
	for name, want := range tests {
		if got := guessMimeType(name); got != want {
			t.Fatalf("%s: got %s, want %s", name, got, want)
		}
	}
}
