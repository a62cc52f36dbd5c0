package engine

import (
	"context"
	"os/exec"
	"sync"

	"github.com/danshapiro/roundtable/internal/roundtable/runstore"
)

const defaultCaptureCap = 64 * 1024

// cappedBuffer keeps the first limit bytes and silently drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// RunTests executes the configured test command (a shell-free argv list)
// in the workspace and captures capped output. A failing test never
// returns an error; only spawn problems do.
func RunTests(ctx context.Context, workspaceRoot string, argv []string, captureCap int) (runstore.TestResult, error) {
	if captureCap <= 0 {
		captureCap = defaultCaptureCap
	}
	tr := runstore.TestResult{Command: append([]string{}, argv...)}
	if len(argv) == 0 {
		tr.ExitCode = -1
		return tr, nil
	}
	stdout := &cappedBuffer{limit: captureCap}
	stderr := &cappedBuffer{limit: captureCap}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workspaceRoot
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	tr.Stdout = stdout.String()
	tr.Stderr = stderr.String()
	tr.ExitCode = -1
	if cmd.ProcessState != nil {
		tr.ExitCode = cmd.ProcessState.ExitCode()
	}
	tr.Passed = err == nil && tr.ExitCode == 0
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return tr, err
		}
	}
	return tr, nil
}
