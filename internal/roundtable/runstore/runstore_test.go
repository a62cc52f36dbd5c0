package runstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesRunTree(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, p := range []string{s.Root(), filepath.Join(s.Root(), "cycles"), filepath.Join(s.Root(), "roles")} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Fatalf("missing dir %s: %v", p, err)
		}
	}
}

func TestSaveTurnArtifacts_WritesSpecLayout(t *testing.T) {
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := s.TurnDir(1, "planner")
	if err != nil {
		t.Fatal(err)
	}
	err = s.SaveTurnArtifacts(dir, TurnArtifacts{
		Prompt:        "the prompt",
		AssistantText: "final text",
		DeltaText:     "frag1frag2",
		ItemTexts:     []string{"one", "two"},
		Handoff:       map[string]any{"summary": "ok"},
	})
	if err != nil {
		t.Fatalf("SaveTurnArtifacts: %v", err)
	}

	for _, name := range []string{"prompt.txt", "assistant_text.txt", "delta_text.txt", "items_text.md", "handoff.json", "artifact_manifest.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	b, _ := os.ReadFile(filepath.Join(dir, "items_text.md"))
	if string(b) != "one\n\n---\n\ntwo" {
		t.Fatalf("items_text.md: %q", string(b))
	}

	handoff, err := ReadHandoff(dir)
	if err != nil || handoff["summary"] != "ok" {
		t.Fatalf("handoff: %v err=%v", handoff, err)
	}

	var manifest map[string]struct {
		Bytes  int64  `json:"bytes"`
		Blake3 string `json:"blake3"`
	}
	mb, _ := os.ReadFile(filepath.Join(dir, "artifact_manifest.json"))
	if err := json.Unmarshal(mb, &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest["prompt.txt"].Bytes != int64(len("the prompt")) || manifest["prompt.txt"].Blake3 == "" {
		t.Fatalf("manifest entry: %+v", manifest["prompt.txt"])
	}
	if _, ok := manifest["artifact_manifest.json"]; ok {
		t.Fatal("manifest must not digest itself")
	}
}

func TestSaveTurnArtifacts_Idempotent(t *testing.T) {
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := s.TurnDir(2, "implementer")
	if err != nil {
		t.Fatal(err)
	}
	a := TurnArtifacts{
		Prompt:        "p",
		AssistantText: "a",
		ItemTexts:     []string{"a"},
		Handoff:       map[string]any{"k": "v", "n": float64(3)},
	}
	read := func() map[string][]byte {
		out := map[string][]byte{}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			b, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatal(err)
			}
			out[e.Name()] = b
		}
		return out
	}
	if err := s.SaveTurnArtifacts(dir, a); err != nil {
		t.Fatal(err)
	}
	first := read()
	if err := s.SaveTurnArtifacts(dir, a); err != nil {
		t.Fatal(err)
	}
	second := read()
	if len(first) != len(second) {
		t.Fatalf("file sets differ: %d vs %d", len(first), len(second))
	}
	for name, b := range first {
		if !bytes.Equal(b, second[name]) {
			t.Fatalf("%s differs across identical saves", name)
		}
	}
}

func TestControllerStateRoundTripAndAtomicity(t *testing.T) {
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	state := NewControllerState("run-1", "build the thing")
	state.History = append(state.History, TurnRecord{CycleIndex: 1, RoleName: "planner", Status: TurnOK})
	state.LatestJSONByRole["planner"] = map[string]any{"summary": "ok"}
	if err := s.SaveControllerState(state); err != nil {
		t.Fatalf("SaveControllerState: %v", err)
	}
	got, err := LoadControllerState(s.Root())
	if err != nil {
		t.Fatalf("LoadControllerState: %v", err)
	}
	if got.RunID != "run-1" || got.Goal != "build the thing" || len(got.History) != 1 {
		t.Fatalf("state: %+v", got)
	}
	if got.LatestJSONByRole["planner"]["summary"] != "ok" {
		t.Fatalf("latest json: %+v", got.LatestJSONByRole)
	}
	// No temp residue after a successful rename.
	if _, err := os.Stat(filepath.Join(s.Root(), "controller_state.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}

func TestOptionalArtifactsAbsentWhenEmpty(t *testing.T) {
	s, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := s.TurnDir(1, "planner")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAppliedFiles(dir, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRejectedFiles(dir, nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"applied_files.json", "rejected_files.json", "test_result.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be absent: %v", name, err)
		}
	}
	if err := s.SaveAppliedFiles(dir, []AppliedFile{{Path: "a.txt", Bytes: 2, SHA256: "ab"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "applied_files.json")); err != nil {
		t.Fatalf("applied_files.json: %v", err)
	}
}

func TestLoadSnapshot_Precedence(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	state := NewControllerState("run-1", "goal")
	state.CyclesCompleted = 2
	if err := s.SaveControllerState(state); err != nil {
		t.Fatal(err)
	}

	// Without final.json or a live pid the state is unknown.
	snap, err := LoadSnapshot(s.Root())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.State != StateUnknown || snap.CyclesCompleted != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}

	// A live pid flips it to running.
	if err := s.WritePIDFile(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	snap, err = LoadSnapshot(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateRunning || !snap.PIDAlive {
		t.Fatalf("running snapshot: %+v", snap)
	}

	// final.json is authoritative even with a live pid file.
	if err := s.SaveFinalOutcome(FinalOutcome{Status: FinalAborted, RunID: "run-1", FailureReason: "transport start failed"}); err != nil {
		t.Fatal(err)
	}
	snap, err = LoadSnapshot(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateAborted || snap.FailureReason != "transport start failed" {
		t.Fatalf("terminal snapshot: %+v", snap)
	}
}

func TestLatestRunDir_PicksLexicographicLast(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"01A", "01C", "01B"} {
		if _, err := Open(root, id); err != nil {
			t.Fatal(err)
		}
	}
	got, err := LatestRunDir(root)
	if err != nil {
		t.Fatalf("LatestRunDir: %v", err)
	}
	if filepath.Base(got) != "01C" {
		t.Fatalf("got %s", got)
	}
}
