package engine

import (
	"path/filepath"
	"testing"
)

func TestPayloadAccessors_DefensiveDefaults(t *testing.T) {
	if payloadStatus(nil) != "" || payloadStatus(map[string]any{"status": 42}) != "" {
		t.Fatal("non-string status must read as empty")
	}
	if payloadStatus(map[string]any{"status": " DONE "}) != "DONE" {
		t.Fatal("status should be trimmed")
	}
	if got := payloadFiles(map[string]any{"files": "nope"}); got != nil {
		t.Fatalf("non-array files: %v", got)
	}
	got := payloadFiles(map[string]any{"files": []any{
		map[string]any{"path": "a.txt", "content": "hi"},
		"garbage",
		map[string]any{"path": 7},
	}})
	if len(got) != 1 || got[0].Path != "a.txt" || got[0].Content != "hi" {
		t.Fatalf("files: %+v", got)
	}
}

func TestReducePayload_StripsFilesAndSidecarsAnalysis(t *testing.T) {
	payload := map[string]any{
		"summary":     "s",
		"status":      "CONTINUE",
		"files":       []any{map[string]any{"path": "a", "content": "b"}},
		"analysis_md": "# long analysis",
		"extra":       true,
	}
	reduced, analysis := reducePayload(payload, "/runs/r/cycles/1/impl")
	if analysis != "# long analysis" {
		t.Fatalf("analysis: %q", analysis)
	}
	if _, ok := reduced["files"]; ok {
		t.Fatal("files must be stripped")
	}
	if _, ok := reduced["analysis_md"]; ok {
		t.Fatal("analysis_md must be replaced")
	}
	if reduced["analysis_md_path"] != filepath.Join("/runs/r/cycles/1/impl", "analysis.md") {
		t.Fatalf("analysis_md_path: %v", reduced["analysis_md_path"])
	}
	if reduced["extra"] != true || reduced["summary"] != "s" {
		t.Fatalf("other keys must be forwarded verbatim: %v", reduced)
	}
	// The original payload is untouched.
	if _, ok := payload["files"]; !ok {
		t.Fatal("reduce must copy, not mutate")
	}
}

func TestRawExcerpt(t *testing.T) {
	if rawExcerpt("short", 2048) != "short" {
		t.Fatal("short text unchanged")
	}
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	if got := rawExcerpt(string(long), 2048); len(got) != 2048 {
		t.Fatalf("excerpt length: %d", len(got))
	}
}
