// Package runstore persists everything a run leaves on disk: per-turn
// artifact directories, the controller state file, the pid file, and the
// terminal outcome record. Every write except the progress.ndjson append
// is temp-file-plus-rename on the same filesystem.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TurnStatus classifies how a turn ended.
type TurnStatus string

const (
	TurnOK              TurnStatus = "ok"
	TurnJSONFailed      TurnStatus = "json_failed"
	TurnTransportFailed TurnStatus = "transport_failed"
	TurnTimedOut        TurnStatus = "timed_out"
)

// TurnRecord is one history entry in the controller state.
type TurnRecord struct {
	CycleIndex        int        `json:"cycle_index"`
	RoleName          string     `json:"role_name"`
	PromptLen         int        `json:"prompt_len"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        time.Time  `json:"finished_at"`
	Status            TurnStatus `json:"status"`
	ArtifactDir       string     `json:"artifact_dir"`
	AppliedFilesCount int        `json:"applied_files_count"`
	TestStatus        string     `json:"test_status,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// ControllerState is the run-wide state, rewritten in full after every turn.
type ControllerState struct {
	RunID            string                    `json:"run_id"`
	Goal             string                    `json:"goal"`
	CyclesCompleted  int                       `json:"cycles_completed"`
	StopRequested    bool                      `json:"stop_requested"`
	LatestJSONByRole map[string]map[string]any `json:"latest_json_by_role"`
	History          []TurnRecord              `json:"history"`
}

// NewControllerState seeds an empty state for a fresh run.
func NewControllerState(runID string, goal string) *ControllerState {
	return &ControllerState{
		RunID:            runID,
		Goal:             goal,
		LatestJSONByRole: map[string]map[string]any{},
		History:          []TurnRecord{},
	}
}

// FinalStatus is the terminal outcome of a run.
type FinalStatus string

const (
	FinalDone    FinalStatus = "done"
	FinalAborted FinalStatus = "aborted"
)

// FinalOutcome is written once, at teardown, next to controller_state.json.
type FinalOutcome struct {
	Timestamp     time.Time   `json:"timestamp"`
	Status        FinalStatus `json:"status"`
	RunID         string      `json:"run_id"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// Store owns one run directory.
type Store struct {
	root string
}

// Open creates the run directory tree and returns a store rooted there.
func Open(runsRoot string, runID string) (*Store, error) {
	runsRoot = strings.TrimSpace(runsRoot)
	runID = strings.TrimSpace(runID)
	if runsRoot == "" || runID == "" {
		return nil, fmt.Errorf("runs root and run id are required")
	}
	root := filepath.Join(runsRoot, runID)
	for _, dir := range []string{root, filepath.Join(root, "cycles"), filepath.Join(root, "roles")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{root: root}, nil
}

// Root returns the run directory.
func (s *Store) Root() string { return s.root }

// RoleStderrPath is where a role's subprocess stderr lands.
func (s *Store) RoleStderrPath(roleName string) string {
	return filepath.Join(s.root, "roles", roleName+".stderr.log")
}

// TurnDir returns (creating) the artifact directory for one turn.
func (s *Store) TurnDir(cycleIndex int, roleName string) (string, error) {
	dir := filepath.Join(s.root, "cycles", strconv.Itoa(cycleIndex), roleName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// SaveControllerState rewrites controller_state.json in full.
func (s *Store) SaveControllerState(state *ControllerState) error {
	return writeJSONAtomic(filepath.Join(s.root, "controller_state.json"), state)
}

// LoadControllerState reads controller_state.json back.
func LoadControllerState(runDir string) (*ControllerState, error) {
	b, err := os.ReadFile(filepath.Join(runDir, "controller_state.json"))
	if err != nil {
		return nil, err
	}
	var state ControllerState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decode controller_state.json: %w", err)
	}
	return &state, nil
}

// SaveFinalOutcome records the terminal result of the run.
func (s *Store) SaveFinalOutcome(fo FinalOutcome) error {
	if fo.Timestamp.IsZero() {
		fo.Timestamp = time.Now().UTC()
	}
	return writeJSONAtomic(filepath.Join(s.root, "final.json"), fo)
}

// WritePIDFile records the orchestrator pid for status/stop.
func (s *Store) WritePIDFile(pid int) error {
	return writeFileAtomic(filepath.Join(s.root, "run.pid"), []byte(strconv.Itoa(pid)+"\n"))
}

// AppendProgress appends one event line to progress.ndjson. Progress is an
// activity feed, not state: appends are not atomic and readers must
// tolerate a torn tail line.
func (s *Store) AppendProgress(event map[string]any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.root, "progress.ndjson"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return writeFileAtomic(path, b)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
