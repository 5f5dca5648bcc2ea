package action

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScanFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"home.js", "feed.jsbundle", "notes.txt", "README"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.js"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := Scan(dir)
	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %v", got)
	}
	if got["home"] == "" || got["feed"] == "" {
		t.Fatalf("expected home and feed, got %v", got)
	}
}

func TestScanMissingDir(t *testing.T) {
	if got := Scan(filepath.Join(t.TempDir(), "nope")); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}

func TestBuildFastPathsRegistersStaticAction(t *testing.T) {
	dir := t.TempDir()
	static := `function(req){ t._finish_request(req.__titan_request_id, t.response.json({message:"Hello, World!"})); }`
	dynamic := `function(req){ t._finish_request(req.__titan_request_id, t.response.json({now: Date.now()})); }`
	if err := os.WriteFile(filepath.Join(dir, "hello.js"), []byte(static), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "clock.js"), []byte(dynamic), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := BuildFastPaths(Scan(dir))
	resp, ok := registry["hello"]
	if !ok {
		t.Fatal("expected hello to be registered as static")
	}
	if string(resp.Body) != `{"message":"Hello, World!"}` {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if _, ok := registry["clock"]; ok {
		t.Fatal("expected clock to be excluded from the fast path")
	}
}
