package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/danshapiro/roundtable/internal/roundtable/procutil"
)

// RunState summarises where a run is, derived purely from files on disk.
type RunState string

const (
	StateUnknown RunState = "unknown"
	StateRunning RunState = "running"
	StateDone    RunState = "done"
	StateAborted RunState = "aborted"
)

// Snapshot is a compact view of one run directory for the status command.
type Snapshot struct {
	RunDir string
	RunID  string
	Goal   string
	State  RunState

	CyclesCompleted int
	StopRequested   bool
	History         []TurnRecord
	FailureReason   string

	PID      int
	PIDAlive bool
}

// LoadSnapshot reads run artifacts in runDir and returns a compact snapshot.
// final.json is authoritative for terminal state; controller_state.json
// supplies progress; run.pid decides running-vs-stale for non-terminal runs.
func LoadSnapshot(runDir string) (*Snapshot, error) {
	runDir = strings.TrimSpace(runDir)
	if runDir == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	s := &Snapshot{RunDir: runDir, State: StateUnknown}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateDone || s.State == StateAborted

	if err := applyControllerState(s); err != nil {
		return nil, err
	}
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

// LatestRunDir returns the lexicographically last run directory under
// runsRoot. Run ids sort by creation time, so last is newest.
func LatestRunDir(runsRoot string) (string, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		return "", err
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no runs under %s", runsRoot)
	}
	sort.Strings(names)
	return filepath.Join(runsRoot, names[len(names)-1]), nil
}

func applyFinalOutcome(s *Snapshot) error {
	path := filepath.Join(s.RunDir, "final.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if rid := strings.TrimSpace(fo.RunID); rid != "" {
		s.RunID = rid
	}
	switch fo.Status {
	case FinalDone:
		s.State = StateDone
	case FinalAborted:
		s.State = StateAborted
		s.FailureReason = strings.TrimSpace(fo.FailureReason)
	}
	return nil
}

func applyControllerState(s *Snapshot) error {
	state, err := LoadControllerState(s.RunDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if s.RunID == "" {
		s.RunID = state.RunID
	}
	s.Goal = state.Goal
	s.CyclesCompleted = state.CyclesCompleted
	s.StopRequested = state.StopRequested
	s.History = state.History
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.RunDir, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}
