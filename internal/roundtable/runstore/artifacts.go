package runstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// TurnArtifacts is everything a finished turn wants persisted. Optional
// sections are skipped when nil/empty, so re-running the store on the same
// inputs yields bytewise identical output.
type TurnArtifacts struct {
	Prompt        string
	AssistantText string
	DeltaText     string
	ItemTexts     []string
	Handoff       map[string]any

	// AnalysisMD is written as the analysis.md sidecar during payload
	// reduction; empty means no sidecar.
	AnalysisMD string
}

// AppliedFile is one accepted FileProposal, as recorded on disk.
type AppliedFile struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// RejectedFile is one refused FileProposal with the reason.
type RejectedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// TestResult captures one test command execution.
type TestResult struct {
	Command  []string `json:"command"`
	ExitCode int      `json:"exit_code"`
	Passed   bool     `json:"passed"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

const itemSeparator = "\n\n---\n\n"

// SaveTurnArtifacts writes the per-turn files under dir and finishes with
// an artifact_manifest.json naming each file with its size and blake3
// digest. All writes are atomic.
func (s *Store) SaveTurnArtifacts(dir string, a TurnArtifacts) error {
	writes := []struct {
		name string
		data []byte
	}{
		{"prompt.txt", []byte(a.Prompt)},
		{"assistant_text.txt", []byte(a.AssistantText)},
		{"delta_text.txt", []byte(a.DeltaText)},
		{"items_text.md", []byte(strings.Join(a.ItemTexts, itemSeparator))},
	}
	for _, w := range writes {
		if err := writeFileAtomic(filepath.Join(dir, w.name), w.data); err != nil {
			return err
		}
	}
	if a.Handoff != nil {
		if err := writeJSONAtomic(filepath.Join(dir, "handoff.json"), a.Handoff); err != nil {
			return err
		}
	}
	if a.AnalysisMD != "" {
		if err := writeFileAtomic(filepath.Join(dir, "analysis.md"), []byte(a.AnalysisMD)); err != nil {
			return err
		}
	}
	return s.WriteArtifactManifest(dir)
}

// SaveAppliedFiles records accepted proposals; absent when none applied.
func (s *Store) SaveAppliedFiles(dir string, applied []AppliedFile) error {
	if len(applied) == 0 {
		return nil
	}
	return writeJSONAtomic(filepath.Join(dir, "applied_files.json"), applied)
}

// SaveRejectedFiles records refused proposals; absent when none rejected.
func (s *Store) SaveRejectedFiles(dir string, rejected []RejectedFile) error {
	if len(rejected) == 0 {
		return nil
	}
	return writeJSONAtomic(filepath.Join(dir, "rejected_files.json"), rejected)
}

// SaveTestResult records a test command run.
func (s *Store) SaveTestResult(dir string, tr TestResult) error {
	return writeJSONAtomic(filepath.Join(dir, "test_result.json"), tr)
}

type manifestEntry struct {
	Bytes  int64  `json:"bytes"`
	Blake3 string `json:"blake3"`
}

// WriteArtifactManifest digests every regular file in dir (except the
// manifest itself and temp leftovers) into artifact_manifest.json.
func (s *Store) WriteArtifactManifest(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	manifest := map[string]manifestEntry{}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "artifact_manifest.json" || strings.HasSuffix(name, ".tmp") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		h := blake3.New()
		_, _ = h.Write(b)
		manifest[name] = manifestEntry{
			Bytes:  int64(len(b)),
			Blake3: hex.EncodeToString(h.Sum(nil)),
		}
	}
	return writeJSONAtomic(filepath.Join(dir, "artifact_manifest.json"), manifest)
}

// ReadHandoff loads a turn's handoff.json.
func ReadHandoff(dir string) (map[string]any, error) {
	b, err := os.ReadFile(filepath.Join(dir, "handoff.json"))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode handoff.json: %w", err)
	}
	return out, nil
}
