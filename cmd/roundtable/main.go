package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aquasecurity/table"
	"github.com/joho/godotenv"

	"github.com/danshapiro/roundtable/internal/roundtable/engine"
	"github.com/danshapiro/roundtable/internal/roundtable/procutil"
	"github.com/danshapiro/roundtable/internal/roundtable/runstore"
	"github.com/danshapiro/roundtable/internal/version"
)

const (
	exitOK     = 0
	exitAbort  = 1
	exitConfig = 2
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	_ = godotenv.Load(".env")

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}
	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("roundtable %s\n", version.Version)
		os.Exit(exitOK)
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "stop":
		stopCmd(os.Args[2:])
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  roundtable --version")
	fmt.Fprintln(os.Stderr, "  roundtable run --config <file.yaml> [--goal <text>] [--cycles <n>] [--model <model>] [--run-id <id>] [--runs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  roundtable status [--runs-root <dir>] [--run-id <id> | --latest] [--json]")
	fmt.Fprintln(os.Stderr, "  roundtable stop --run-dir <dir> [--grace-ms <ms>]")
}

func runCmd(args []string) {
	var configPath string
	var goal string
	var cyclesRaw string
	var model string
	var runID string
	var runsRoot string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			configPath = flagValue(args, i, "--config")
		case "--goal":
			i++
			goal = flagValue(args, i, "--goal")
		case "--cycles":
			i++
			cyclesRaw = flagValue(args, i, "--cycles")
		case "--model":
			i++
			model = flagValue(args, i, "--model")
		case "--run-id":
			i++
			runID = flagValue(args, i, "--run-id")
		case "--runs-root":
			i++
			runsRoot = flagValue(args, i, "--runs-root")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(exitConfig)
	}

	cfg, err := engine.LoadConfigFile(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	if goal != "" {
		cfg.Goal = goal
	}
	if cyclesRaw != "" {
		n, err := strconv.Atoi(cyclesRaw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--cycles: %v\n", err)
			os.Exit(exitConfig)
		}
		cfg.Cycles = n
	}
	if runsRoot != "" {
		cfg.RunsRoot = runsRoot
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	eng, err := engine.New(cfg, engine.Options{RunID: runID, ForceModel: model})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	res, err := eng.Run(ctx)
	if res != nil {
		fmt.Printf("run_id=%s\nrun_dir=%s\nstatus=%s\n", res.RunID, res.RunDir, res.Status)
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAbort)
	}
	os.Exit(exitOK)
}

func statusCmd(args []string) {
	runsRoot := ".runs"
	runID := ""
	latest := false
	asJSON := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--runs-root":
			i++
			runsRoot = flagValue(args, i, "--runs-root")
		case "--run-id":
			i++
			runID = flagValue(args, i, "--run-id")
		case "--latest":
			latest = true
		case "--json":
			asJSON = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}

	if runID != "" && latest {
		fmt.Fprintln(os.Stderr, "--run-id and --latest are mutually exclusive")
		os.Exit(exitConfig)
	}
	runDir := ""
	if runID != "" {
		runDir = filepath.Join(runsRoot, runID)
	} else {
		dir, err := runstore.LatestRunDir(runsRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitAbort)
		}
		runDir = dir
	}

	snap, err := runstore.LoadSnapshot(runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAbort)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitAbort)
		}
		os.Exit(exitOK)
	}

	fmt.Printf("run_id=%s state=%s cycles_completed=%d stop_requested=%v\n", snap.RunID, snap.State, snap.CyclesCompleted, snap.StopRequested)
	if snap.FailureReason != "" {
		fmt.Printf("failure_reason=%s\n", snap.FailureReason)
	}
	if snap.PID > 0 {
		fmt.Printf("pid=%d alive=%v\n", snap.PID, snap.PIDAlive)
	}
	if len(snap.History) > 0 {
		t := table.New(os.Stdout)
		t.SetHeaders("CYCLE", "ROLE", "STATUS", "FILES", "TESTS", "DURATION")
		for _, rec := range snap.History {
			dur := rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond)
			t.AddRow(
				strconv.Itoa(rec.CycleIndex),
				rec.RoleName,
				string(rec.Status),
				strconv.Itoa(rec.AppliedFilesCount),
				rec.TestStatus,
				dur.String(),
			)
		}
		t.Render()
	}
	os.Exit(exitOK)
}

func stopCmd(args []string) {
	runDir := ""
	graceMS := 2000

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run-dir":
			i++
			runDir = flagValue(args, i, "--run-dir")
		case "--grace-ms":
			i++
			v := flagValue(args, i, "--grace-ms")
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "--grace-ms: invalid value %q\n", v)
				os.Exit(exitConfig)
			}
			graceMS = n
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if runDir == "" {
		usage()
		os.Exit(exitConfig)
	}

	snap, err := runstore.LoadSnapshot(runDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAbort)
	}
	if snap.PID <= 0 || !snap.PIDAlive {
		fmt.Println("not running")
		os.Exit(exitOK)
	}
	if err := procutil.Terminate(snap.PID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAbort)
	}
	deadline := time.Now().Add(time.Duration(graceMS) * time.Millisecond)
	for time.Now().Before(deadline) {
		if !procutil.PIDAlive(snap.PID) {
			fmt.Println("stopped")
			os.Exit(exitOK)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := procutil.Kill(snap.PID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitAbort)
	}
	fmt.Println("killed")
	os.Exit(exitOK)
}

func flagValue(args []string, i int, name string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(exitConfig)
	}
	return args[i]
}

