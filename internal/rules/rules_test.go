package rules

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDiscoverFindsRuleFiles(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte("root rules"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub := filepath.Join(ws, "service")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "CONTRIBUTING.md"), []byte("service rules"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	hidden := filepath.Join(ws, ".git")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(hidden, "AGENTS.md"), []byte("should be skipped"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	docs := NewDiscoverer(testLogger()).Discover(ws)
	if len(docs) != 2 {
		t.Fatalf("got %d docs: %+v", len(docs), docs)
	}
	if docs[0].Content != "root rules" || docs[1].Content != "service rules" {
		t.Fatalf("got %+v", docs)
	}
}

func TestDiscoverEmptyAndMissing(t *testing.T) {
	d := NewDiscoverer(testLogger())
	if docs := d.Discover("  "); docs != nil {
		t.Fatalf("blank dir: got %+v", docs)
	}
	if docs := d.Discover(filepath.Join(t.TempDir(), "nope")); len(docs) != 0 {
		t.Fatalf("missing dir: got %+v", docs)
	}
}

func TestDiscoverSkipsEmptyFiles(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, ".agentrules"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if docs := NewDiscoverer(testLogger()).Discover(ws); len(docs) != 0 {
		t.Fatalf("got %+v", docs)
	}
}

func TestDiscoverTruncatesLargeDocs(t *testing.T) {
	ws := t.TempDir()
	big := strings.Repeat("x", maxDocBytes+100)
	if err := os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte(big), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	docs := NewDiscoverer(testLogger()).Discover(ws)
	if len(docs) != 1 || len(docs[0].Content) != maxDocBytes {
		t.Fatalf("got %d docs, len %d", len(docs), len(docs[0].Content))
	}
}

func TestDiscoverCachesPerWorkDir(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "AGENTS.md")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := NewDiscoverer(testLogger())

	first := d.Discover(ws)
	if len(first) != 1 || first[0].Content != "v1" {
		t.Fatalf("got %+v", first)
	}

	// A change on disk is not observed; the cached result is served.
	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := d.Discover(ws)
	if len(second) != 1 || second[0].Content != "v1" {
		t.Fatalf("cache miss: got %+v", second)
	}
}
