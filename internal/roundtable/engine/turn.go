package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/roundtable/internal/roundtable/proto"
	"github.com/danshapiro/roundtable/internal/roundtable/rolespec"
	"github.com/danshapiro/roundtable/internal/roundtable/transport"
)

// CompletionReason says how a turn's event collection ended.
type CompletionReason string

const (
	ReasonNormal          CompletionReason = "normal"
	ReasonIdleTimeout     CompletionReason = "idle_timeout"
	ReasonOverallTimeout  CompletionReason = "overall_timeout"
	ReasonTransportClosed CompletionReason = "transport_closed"
	ReasonCancelled       CompletionReason = "cancelled"
)

// TurnResult aggregates one prompt/response interaction.
type TurnResult struct {
	AssistantText    string
	DeltaText        string
	ItemTexts        []string
	CompletionReason CompletionReason
	Usage            []byte
}

// RoleBinding is one step in a cycle: a named role, its spec, and the
// long-lived transport that serves it.
type RoleBinding struct {
	Name  string
	Spec  *rolespec.Spec
	Model string // resolved model for turn/start; may be empty

	tr *transport.Transport

	// needsDrain marks that the previous turn returned before the server
	// finished; stale messages are discarded up to the next turn/completed.
	needsDrain bool
}

func (rb *RoleBinding) setTransport(tr *transport.Transport) { rb.tr = tr }

func (rb *RoleBinding) stopTransport() {
	if rb.tr == nil {
		return
	}
	_ = rb.tr.Stop()
}

// errHandshakeFailed distinguishes S0 failures, which the scheduler treats
// as TransportStartFailed.
var errHandshakeFailed = errors.New("handshake failed")

// runTurn drives one request/response turn through the role's transport.
// It only returns an error for handshake failures; every other outcome is
// encoded in the TurnResult's completion reason.
func runTurn(ctx context.Context, rb *RoleBinding, prompt string, tmo Timeouts) (TurnResult, error) {
	res := TurnResult{}
	if ctx.Err() != nil {
		res.CompletionReason = ReasonCancelled
		return res, nil
	}

	if rb.needsDrain {
		drainStaleTurn(ctx, rb.tr, tmo.Handshake)
		rb.needsDrain = false
	}

	// S0: initialize once per transport lifetime.
	if rb.tr.ThreadID == "" {
		if err := initializeThread(ctx, rb.tr, tmo.Handshake); err != nil {
			res.CompletionReason = ReasonTransportClosed
			return res, fmt.Errorf("%w: %v", errHandshakeFailed, err)
		}
	}

	// S1: send the turn request.
	flags := proto.PromptFlags{}
	var skills []string
	reasoning := ""
	if rb.Spec != nil {
		flags = proto.PromptFlags{
			AllowTools:           rb.Spec.PromptFlags.AllowTools,
			AllowRead:            rb.Spec.PromptFlags.AllowRead,
			AllowWrite:           rb.Spec.PromptFlags.AllowWrite,
			AllowFileSuggestions: rb.Spec.PromptFlags.AllowFileSuggestions,
		}
		skills = rb.Spec.Skills
		reasoning = rb.Spec.ReasoningEffort
	}
	err := rb.tr.Send(proto.NewEnvelope(proto.MethodTurnStart, proto.TurnStartParams{
		ThreadID:        rb.tr.ThreadID,
		Prompt:          prompt,
		Model:           rb.Model,
		ReasoningEffort: reasoning,
		Flags:           flags,
		Skills:          skills,
	}))
	if err != nil {
		res.CompletionReason = ReasonTransportClosed
		return res, nil
	}

	// S2: collect events until turn/completed or a timer fires.
	var deltaText strings.Builder
	overallDeadline := time.Now().Add(tmo.Overall)
	idleDeadline := time.Now().Add(tmo.Idle)
	for {
		if ctx.Err() != nil {
			res.CompletionReason = ReasonCancelled
			break
		}
		now := time.Now()
		if !now.Before(overallDeadline) {
			res.CompletionReason = ReasonOverallTimeout
			rb.needsDrain = true
			break
		}
		wait := idleDeadline.Sub(now)
		if rest := overallDeadline.Sub(now); rest < wait {
			wait = rest
		}
		msg, err := rb.tr.NextCtx(ctx, wait)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				res.CompletionReason = ReasonCancelled
			case errors.Is(err, transport.ErrClosed):
				res.CompletionReason = ReasonTransportClosed
			case errors.Is(err, transport.ErrTimeout):
				now = time.Now()
				if !now.Before(overallDeadline) {
					res.CompletionReason = ReasonOverallTimeout
					rb.needsDrain = true
				} else if !now.Before(idleDeadline) {
					res.CompletionReason = ReasonIdleTimeout
				} else {
					continue
				}
			default:
				res.CompletionReason = ReasonTransportClosed
			}
			break
		}
		ev := proto.Classify(msg)
		switch ev.Kind {
		case proto.EventThreadStarted:
			// Late thread/started after the handshake: ignore.
		case proto.EventApprovalRequest:
			decision := approvalDecision(rb.Spec, ev.Action)
			_ = rb.tr.Send(proto.NewEnvelope(proto.MethodApprovalReply, proto.ApprovalReplyParams{
				ApprovalID: ev.ApprovalID,
				Decision:   decision,
			}))
			// Approvals do not reset the idle timer.
		case proto.EventItemDelta:
			deltaText.WriteString(ev.Text)
			idleDeadline = time.Now().Add(tmo.Idle)
		case proto.EventItemCompleted:
			res.ItemTexts = append(res.ItemTexts, ev.Text)
			idleDeadline = time.Now().Add(tmo.Idle)
		case proto.EventTurnCompleted:
			res.Usage = ev.Usage
			res.CompletionReason = ReasonNormal
		case proto.EventIgnored:
			// Does not reset the idle timer.
		}
		if res.CompletionReason == ReasonNormal {
			break
		}
	}

	res.DeltaText = deltaText.String()
	res.AssistantText = strings.Join(res.ItemTexts, "\n")
	if len(res.ItemTexts) == 0 {
		res.AssistantText = res.DeltaText
	}
	return res, nil
}

// initializeThread performs the one-time handshake and caches the thread id.
func initializeThread(ctx context.Context, tr *transport.Transport, handshake time.Duration) error {
	if err := tr.Send(proto.NewEnvelope(proto.MethodInitialize, proto.InitializeParams{
		Client: proto.ClientInfo{Name: "roundtable", Version: "1"},
	})); err != nil {
		return err
	}
	deadline := time.Now().Add(handshake)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("no thread/started within %s", handshake)
		}
		msg, err := tr.NextCtx(ctx, remaining)
		if err != nil {
			return err
		}
		ev := proto.Classify(msg)
		if ev.Kind == proto.EventThreadStarted {
			tr.ThreadID = ev.ThreadID
			return nil
		}
		// Pre-handshake noise is discarded.
	}
}

// drainStaleTurn discards leftovers from a turn that timed out, up to and
// including the next turn/completed. Bounded so a dead-quiet server cannot
// stall the next turn.
func drainStaleTurn(ctx context.Context, tr *transport.Transport, budget time.Duration) {
	deadline := time.Now().Add(budget)
	for {
		if ctx.Err() != nil {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > 500*time.Millisecond {
			remaining = 500 * time.Millisecond
		}
		msg, err := tr.NextCtx(ctx, remaining)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				// Quiet pipe: nothing left to drain.
				return
			}
			return
		}
		if proto.Classify(msg).Kind == proto.EventTurnCompleted {
			return
		}
	}
}

// approvalDecision grants a requested action category iff the role's
// prompt flags allow it: exec needs allow_tools, write and patch need
// allow_write, read needs allow_read; everything else is denied.
func approvalDecision(spec *rolespec.Spec, action proto.ApprovalAction) string {
	if spec == nil {
		return proto.DecisionDeny
	}
	allowed := false
	switch action {
	case proto.ActionExec:
		allowed = spec.PromptFlags.AllowTools
	case proto.ActionWrite, proto.ActionPatch:
		allowed = spec.PromptFlags.AllowWrite
	case proto.ActionRead:
		allowed = spec.PromptFlags.AllowRead
	}
	if allowed {
		return proto.DecisionApprove
	}
	return proto.DecisionDeny
}
