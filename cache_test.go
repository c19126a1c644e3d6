package parse

import (
	"net/http"
	"testing"
	"time"
)

func TestResponseCache(t *testing.T) {
	c := newResponseCache(time.Minute)
	get := func(path string) string {
		return cacheKey(Command{Method: http.MethodGet, Path: path}, "")
	}

	c.put(get("/classes/GameScore/a"), []byte(`{"a":1}`))
	c.put(get("/classes/GameScore/b"), []byte(`{"b":1}`))
	c.put(get("/classes/Player/p"), []byte(`{"p":1}`))
	if c.size() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.size())
	}

	data, ok := c.get(get("/classes/GameScore/a"))
	if !ok || string(data) != `{"a":1}` {
		t.Fatalf("unexpected entry %s", data)
	}
	data[0] = 'x'
	if again, _ := c.get(get("/classes/GameScore/a")); string(again) != `{"a":1}` {
		t.Fatal("callers must get a copy")
	}

	c.invalidate("/classes/GameScore")
	if _, ok := c.get(get("/classes/GameScore/a")); ok {
		t.Fatal("entries below the written path should be gone")
	}
	if _, ok := c.get(get("/classes/Player/p")); !ok {
		t.Fatal("unrelated entries should stay")
	}
	if c.size() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.size())
	}

	c.invalidate("/batch")
	if c.size() != 0 {
		t.Fatal("a batch clears everything")
	}
}

func TestCacheKeyScopedBySession(t *testing.T) {
	cmd := Command{Method: http.MethodGet, Path: "/classes/GameScore"}
	if cacheKey(cmd, "r:a") == cacheKey(cmd, "r:b") {
		t.Fatal("different sessions must not share entries")
	}
	if cacheKey(cmd, "r:a") != cacheKey(cmd, "r:a") {
		t.Fatal("keys must be stable")
	}
}
