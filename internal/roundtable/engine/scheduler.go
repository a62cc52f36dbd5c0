// Package engine owns the run lifecycle: it sequences roles across
// cycles, drives turns through each role's transport, extracts and repairs
// JSON payloads, materialises proposed files, and persists run state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/roundtable/internal/roundtable/jsonx"
	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
	"github.com/danshapiro/roundtable/internal/roundtable/runstore"
	"github.com/danshapiro/roundtable/internal/roundtable/transport"
)

// Options configures one run beyond the config file.
type Options struct {
	// RunID is generated (ULID) when empty.
	RunID string
	// ForceModel overrides the model for every role whose binding and
	// spec leave it empty.
	ForceModel string
	// Catalogue defaults to the builtins (plus the config's catalogue
	// file when set).
	Catalogue *rolespec.Catalogue
}

// Engine drives one run. All mutation happens on the scheduler goroutine;
// the warning list and the progress file each still sit behind a mutex.
type Engine struct {
	Config  *Config
	Options Options

	RunID string
	Store *runstore.Store

	bindings []*RoleBinding
	state    *runstore.ControllerState

	warningsMu sync.Mutex
	warnings   []string

	progressMu sync.Mutex
}

// Result reports how the run ended.
type Result struct {
	RunID         string
	RunDir        string
	Status        runstore.FinalStatus
	FailureReason string
	Warnings      []string
}

// New validates inputs and prepares an engine; nothing touches disk yet.
func New(cfg *Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "config", Msg: "is nil"}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, err
		}
		opts.RunID = id
	}
	cat := opts.Catalogue
	if cat == nil {
		if strings.TrimSpace(cfg.RoleCatalogue) != "" {
			loaded, err := rolespec.LoadCatalogueFile(cfg.RoleCatalogue)
			if err != nil {
				return nil, &ConfigError{Field: "role_catalogue", Msg: err.Error()}
			}
			cat = loaded
		} else {
			cat = rolespec.Builtins()
		}
		opts.Catalogue = cat
	}
	eng := &Engine{Config: cfg, Options: opts, RunID: opts.RunID}
	for i, rbc := range cfg.Roles {
		spec, err := cat.Lookup(rbc.Role)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("roles[%d].role", i), Msg: err.Error()}
		}
		model := strings.TrimSpace(rbc.Model)
		if model == "" {
			model = spec.ResolveModel()
		}
		if model == "" {
			model = strings.TrimSpace(opts.ForceModel)
		}
		eng.bindings = append(eng.bindings, &RoleBinding{Name: rbc.Name, Spec: spec, Model: model})
	}
	return eng, nil
}

// Warn records a non-fatal problem and mirrors it into the progress feed.
func (e *Engine) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.appendProgress(map[string]any{"event": "warning", "message": msg})
}

func (e *Engine) warningsCopy() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.warnings...)
}

func (e *Engine) appendProgress(event map[string]any) {
	if e.Store == nil {
		return
	}
	event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	event["run_id"] = e.RunID
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if err := e.Store.AppendProgress(event); err != nil {
		fmt.Fprintf(os.Stderr, "progress append failed: %v\n", err)
	}
}

// Run executes the whole run: setup, cycle loop, teardown. The returned
// error is non-nil only for aborts; budget exhaustion without DONE is an
// abort by the CLI contract.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	store, err := runstore.Open(e.Config.RunsRoot, e.RunID)
	if err != nil {
		return nil, err
	}
	e.Store = store
	if err := store.WritePIDFile(os.Getpid()); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.Config.WorkspaceRoot, 0o755); err != nil {
		return nil, err
	}

	e.state = runstore.NewControllerState(e.RunID, e.Config.Goal)
	if err := store.SaveControllerState(e.state); err != nil {
		return nil, err
	}
	e.appendProgress(map[string]any{"event": "run_started", "goal": e.Config.Goal, "cycles": e.Config.Cycles})

	// Start every role's transport in declaration order; any failure
	// aborts before the first turn.
	for _, rb := range e.bindings {
		tr, err := transport.Start(transport.Options{
			Binary:        e.Config.Assistant.Binary,
			FallbackPaths: e.Config.Assistant.FallbackPaths,
			Subcommand:    e.Config.Assistant.Subcommand,
			WorkspaceRoot: e.Config.WorkspaceRoot,
			StderrPath:    store.RoleStderrPath(rb.Name),
			Env:           e.Config.Assistant.Env,
		})
		if err != nil {
			e.stopTransports()
			return e.finish(runstore.FinalAborted, fmt.Sprintf("transport start failed for role %s: %v", rb.Name, err))
		}
		rb.setTransport(tr)
	}
	defer e.stopTransports()

	payload := map[string]any{"goal": e.Config.Goal}

	for cycleIndex := 1; cycleIndex <= e.Config.Cycles && !e.state.StopRequested; cycleIndex++ {
		for roleIdx, rb := range e.bindings {
			if ctx.Err() != nil {
				return e.finish(runstore.FinalAborted, "cancelled")
			}
			next, outcome := e.runRoleTurn(ctx, cycleIndex, roleIdx, rb, payload)
			switch outcome {
			case turnOutcomeContinue:
				payload = next
			case turnOutcomeStop:
				payload = next
				e.state.StopRequested = true
			case turnOutcomeBreakCycle:
				// Later-role transport failure or overall timeout ends
				// the cycle; the next cycle restarts from the seed of
				// the last good payload.
			case turnOutcomeAbortRun:
				return e.finish(runstore.FinalAborted, e.lastTurnError())
			case turnOutcomeCancelled:
				return e.finish(runstore.FinalAborted, "cancelled")
			}
			if outcome == turnOutcomeBreakCycle || e.state.StopRequested {
				break
			}
		}
		e.state.CyclesCompleted = cycleIndex
		if err := e.Store.SaveControllerState(e.state); err != nil {
			e.Warn(fmt.Sprintf("controller state write failed: %v", err))
		}
		e.appendProgress(map[string]any{"event": "cycle_finished", "cycle_index": cycleIndex})
	}

	if e.state.StopRequested {
		return e.finish(runstore.FinalDone, "")
	}
	return e.finish(runstore.FinalAborted, "cycle budget exhausted without DONE")
}

type turnOutcome int

const (
	turnOutcomeContinue turnOutcome = iota
	turnOutcomeStop
	turnOutcomeBreakCycle
	turnOutcomeAbortRun
	turnOutcomeCancelled
)

// lastTurnError pulls the error off the most recent history entry.
func (e *Engine) lastTurnError() string {
	if len(e.state.History) == 0 {
		return "run failed"
	}
	rec := e.state.History[len(e.state.History)-1]
	if strings.TrimSpace(rec.Error) != "" {
		return fmt.Sprintf("role %s: %s", rec.RoleName, rec.Error)
	}
	return fmt.Sprintf("role %s failed with status %s", rec.RoleName, rec.Status)
}

// runRoleTurn executes one role's turn end to end: prompt, events, JSON
// extraction with repair, artifact persistence, file application, tests,
// and the controller-state rewrite. It returns the payload for the next
// role plus the scheduling outcome.
func (e *Engine) runRoleTurn(ctx context.Context, cycleIndex int, roleIdx int, rb *RoleBinding, incoming map[string]any) (map[string]any, turnOutcome) {
	tmo := resolveTimeouts(e.Config, rb.Spec)
	prompt := AssemblePrompt(PromptInput{
		RoleName:   rb.Name,
		Spec:       rb.Spec,
		Goal:       e.Config.Goal,
		CycleIndex: cycleIndex,
		Payload:    incoming,
		PayloadCap: e.Config.PromptPayloadCapBytes,
	})

	rec := runstore.TurnRecord{
		CycleIndex: cycleIndex,
		RoleName:   rb.Name,
		PromptLen:  len(prompt),
		StartedAt:  time.Now().UTC(),
	}
	e.appendProgress(map[string]any{"event": "turn_started", "cycle_index": cycleIndex, "role": rb.Name, "prompt_len": len(prompt)})

	res, handshakeErr := runTurn(ctx, rb, prompt, tmo)

	// Repair loop: extraction failures (and schema violations) get up to
	// repair_attempts additional turns on the same thread.
	repairBudget := 0
	if e.Config.RepairAttempts != nil {
		repairBudget = *e.Config.RepairAttempts
	}
	payload, extractErr := jsonx.Extract(res.AssistantText)
	schemaOK := extractErr == nil && e.validateSchema(rb, payload)
	for attempt := 1; attempt <= repairBudget && handshakeErr == nil; attempt++ {
		if extractErr == nil && schemaOK {
			break
		}
		if res.CompletionReason == ReasonTransportClosed || res.CompletionReason == ReasonCancelled {
			break
		}
		e.appendProgress(map[string]any{"event": "repair_attempt", "cycle_index": cycleIndex, "role": rb.Name, "attempt": attempt})
		repairPrompt := AssemblePrompt(PromptInput{
			RoleName:   rb.Name,
			Spec:       rb.Spec,
			Goal:       e.Config.Goal,
			CycleIndex: cycleIndex,
			Payload:    incoming,
			IsRepair:   true,
			PayloadCap: e.Config.PromptPayloadCapBytes,
		})
		res, handshakeErr = runTurn(ctx, rb, repairPrompt, tmo)
		if handshakeErr != nil {
			break
		}
		payload, extractErr = jsonx.Extract(res.AssistantText)
		schemaOK = extractErr == nil && e.validateSchema(rb, payload)
	}
	if extractErr == nil && !schemaOK {
		// Parseable but off-schema after all repairs: forward as-is.
		e.Warn(fmt.Sprintf("role %s payload does not match its schema hint (cycle %d)", rb.Name, cycleIndex))
	}

	dir, err := e.Store.TurnDir(cycleIndex, rb.Name)
	if err != nil {
		rec.Status = runstore.TurnTransportFailed
		rec.Error = err.Error()
		e.recordTurn(rec)
		return incoming, turnOutcomeAbortRun
	}
	rec.ArtifactDir = dir

	// Classify the turn before deciding what flows downstream.
	extracted := extractErr == nil
	switch res.CompletionReason {
	case ReasonCancelled:
		rec.Status = runstore.TurnTransportFailed
		rec.Error = "cancelled"
	case ReasonTransportClosed:
		rec.Status = runstore.TurnTransportFailed
		if handshakeErr != nil {
			rec.Error = handshakeErr.Error()
		} else {
			rec.Error = "assistant process closed its stream mid-turn"
		}
	case ReasonOverallTimeout:
		rec.Status = runstore.TurnTimedOut
		rec.Error = fmt.Sprintf("overall timeout after %s", tmo.Overall)
	case ReasonIdleTimeout:
		if extracted {
			rec.Status = runstore.TurnOK
		} else {
			rec.Status = runstore.TurnTimedOut
			rec.Error = fmt.Sprintf("idle timeout after %s", tmo.Idle)
		}
	default:
		if extracted {
			rec.Status = runstore.TurnOK
		} else {
			rec.Status = runstore.TurnJSONFailed
			rec.Error = "json extraction failed after repairs"
		}
	}

	if !extracted {
		payload = map[string]any{
			"error":       "json_parse_failed",
			"raw_excerpt": rawExcerpt(res.AssistantText, 2048),
		}
	}

	// Reduce for the handoff; files still come from the full payload.
	reduced, analysis := reducePayload(payload, dir)

	if err := e.Store.SaveTurnArtifacts(dir, runstore.TurnArtifacts{
		Prompt:        prompt,
		AssistantText: res.AssistantText,
		DeltaText:     res.DeltaText,
		ItemTexts:     res.ItemTexts,
		Handoff:       reduced,
		AnalysisMD:    analysis,
	}); err != nil {
		e.Warn(fmt.Sprintf("artifact write failed for %s: %v", rb.Name, err))
	}

	// Latest-known-good payload per role only moves on a fully successful
	// extraction.
	if extracted && rec.Status == runstore.TurnOK {
		e.state.LatestJSONByRole[rb.Name] = reduced
	}

	appliedCount := 0
	allRejected := false
	if rb.Spec != nil && rb.Spec.Behaviors.ApplyFiles && extracted {
		proposals := payloadFiles(payload)
		if len(proposals) > 0 {
			applicator, err := NewApplicator(e.Config.WorkspaceRoot, e.Config.AllowedFileExtensions, e.Config.ProtectedGlobs)
			if err != nil {
				e.Warn(fmt.Sprintf("applicator init failed: %v", err))
			} else {
				applyRes, err := applicator.Apply(proposals)
				if err != nil {
					e.Warn(fmt.Sprintf("apply failed for %s: %v", rb.Name, err))
				}
				appliedCount = len(applyRes.Applied)
				if err := e.Store.SaveAppliedFiles(dir, applyRes.Applied); err != nil {
					e.Warn(fmt.Sprintf("applied_files.json write failed: %v", err))
				}
				if err := e.Store.SaveRejectedFiles(dir, applyRes.Rejected); err != nil {
					e.Warn(fmt.Sprintf("rejected_files.json write failed: %v", err))
				}
				if err := e.Store.WriteArtifactManifest(dir); err != nil {
					e.Warn(fmt.Sprintf("artifact manifest rewrite failed: %v", err))
				}
				allRejected = len(applyRes.Applied) == 0 && len(applyRes.Rejected) > 0
				e.appendProgress(map[string]any{
					"event":       "files_applied",
					"cycle_index": cycleIndex,
					"role":        rb.Name,
					"applied":     len(applyRes.Applied),
					"rejected":    len(applyRes.Rejected),
				})
			}
		}
		if allRejected && rec.Status == runstore.TurnOK {
			rec.Status = runstore.TurnJSONFailed
			rec.Error = "every file proposal was rejected"
		}
		if e.Config.RunTests && appliedCount >= 1 {
			tr, err := RunTests(ctx, e.Config.WorkspaceRoot, e.Config.TestCommand, e.Config.TestOutputCapBytes)
			if err != nil {
				e.Warn(fmt.Sprintf("test command failed to run: %v", err))
				rec.TestStatus = "error"
			} else {
				if err := e.Store.SaveTestResult(dir, tr); err != nil {
					e.Warn(fmt.Sprintf("test_result.json write failed: %v", err))
				}
				if err := e.Store.WriteArtifactManifest(dir); err != nil {
					e.Warn(fmt.Sprintf("artifact manifest rewrite failed: %v", err))
				}
				if tr.Passed {
					rec.TestStatus = "passed"
				} else {
					rec.TestStatus = "failed"
				}
				e.appendProgress(map[string]any{
					"event":       "tests_finished",
					"cycle_index": cycleIndex,
					"role":        rb.Name,
					"exit_code":   tr.ExitCode,
					"passed":      tr.Passed,
				})
			}
		}
	}
	rec.AppliedFilesCount = appliedCount

	e.recordTurn(rec)
	e.appendProgress(map[string]any{
		"event":       "turn_finished",
		"cycle_index": cycleIndex,
		"role":        rb.Name,
		"status":      string(rec.Status),
		"applied":     appliedCount,
	})

	switch rec.Status {
	case runstore.TurnTransportFailed:
		if res.CompletionReason == ReasonCancelled {
			return incoming, turnOutcomeCancelled
		}
		// Handshake failures are transport-start failures regardless of
		// where in the cycle they surface.
		if handshakeErr != nil || roleIdx == 0 {
			return incoming, turnOutcomeAbortRun
		}
		return incoming, turnOutcomeBreakCycle
	case runstore.TurnTimedOut:
		if res.CompletionReason == ReasonOverallTimeout {
			if roleIdx == 0 {
				return incoming, turnOutcomeAbortRun
			}
			return incoming, turnOutcomeBreakCycle
		}
		// Idle timeout: the synthetic payload continues the cycle.
		return reduced, turnOutcomeContinue
	}

	if rec.Status == runstore.TurnOK && payloadStatus(payload) == statusDone && rb.Spec != nil && rb.Spec.Behaviors.CanFinish {
		return reduced, turnOutcomeStop
	}
	return reduced, turnOutcomeContinue
}

// validateSchema reports whether the payload satisfies the role's
// compiled schema hint; prose hints always pass.
func (e *Engine) validateSchema(rb *RoleBinding, payload map[string]any) bool {
	if rb.Spec == nil {
		return true
	}
	schema := rb.Spec.Schema()
	if schema == nil {
		return true
	}
	return schema.Validate(map[string]any(payload)) == nil
}

func (e *Engine) recordTurn(rec runstore.TurnRecord) {
	rec.FinishedAt = time.Now().UTC()
	e.state.History = append(e.state.History, rec)
	if err := e.Store.SaveControllerState(e.state); err != nil {
		e.Warn(fmt.Sprintf("controller state write failed: %v", err))
	}
}

func (e *Engine) stopTransports() {
	for _, rb := range e.bindings {
		rb.stopTransport()
	}
}

func (e *Engine) finish(status runstore.FinalStatus, reason string) (*Result, error) {
	for _, rb := range e.bindings {
		if rb.tr == nil {
			continue
		}
		if n := rb.tr.BadLineCount(); n > 0 {
			e.Warn(fmt.Sprintf("role %s: discarded %d non-JSON lines from the assistant", rb.Name, n))
		}
	}
	e.stopTransports()
	if err := e.Store.SaveControllerState(e.state); err != nil {
		e.Warn(fmt.Sprintf("final controller state write failed: %v", err))
	}
	if err := e.Store.SaveFinalOutcome(runstore.FinalOutcome{
		Status:        status,
		RunID:         e.RunID,
		FailureReason: reason,
	}); err != nil {
		e.Warn(fmt.Sprintf("final outcome write failed: %v", err))
	}
	e.appendProgress(map[string]any{"event": "run_finished", "status": string(status), "failure_reason": reason})
	res := &Result{
		RunID:         e.RunID,
		RunDir:        e.Store.Root(),
		Status:        status,
		FailureReason: reason,
		Warnings:      e.warningsCopy(),
	}
	if status == runstore.FinalAborted {
		return res, errors.New(reason)
	}
	return res, nil
}
