package engine

import (
	"context"
	"strings"
	"testing"
)

func TestRunTests_PassAndFail(t *testing.T) {
	ws := t.TempDir()

	tr, err := RunTests(context.Background(), ws, []string{"sh", "-c", "echo out; echo err >&2; exit 0"}, 0)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if !tr.Passed || tr.ExitCode != 0 {
		t.Fatalf("result: %+v", tr)
	}
	if !strings.Contains(tr.Stdout, "out") || !strings.Contains(tr.Stderr, "err") {
		t.Fatalf("capture: stdout=%q stderr=%q", tr.Stdout, tr.Stderr)
	}

	// Test failure is reported, never an error.
	tr, err = RunTests(context.Background(), ws, []string{"sh", "-c", "exit 3"}, 0)
	if err != nil {
		t.Fatalf("RunTests(fail): %v", err)
	}
	if tr.Passed || tr.ExitCode != 3 {
		t.Fatalf("result: %+v", tr)
	}

	// A missing binary is a spawn error.
	if _, err := RunTests(context.Background(), ws, []string{"/no/such/test-binary"}, 0); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestRunTests_CapsCapturedOutput(t *testing.T) {
	ws := t.TempDir()
	tr, err := RunTests(context.Background(), ws, []string{"sh", "-c", "yes x | head -c 100000"}, 1024)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if len(tr.Stdout) != 1024 {
		t.Fatalf("stdout cap: %d", len(tr.Stdout))
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if b.String() != "abcd" {
		t.Fatalf("buf: %q", b.String())
	}
	if _, err := b.Write([]byte("gh")); err != nil {
		t.Fatal(err)
	}
	if b.String() != "abcd" {
		t.Fatalf("buf after overflow: %q", b.String())
	}
}
