// Package proto defines the newline-delimited JSON wire protocol spoken to
// the assistant app-server. It is the single place that knows the
// assistant's field names; no other package inspects raw messages.
package proto

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope is an outbound request line.
type Envelope struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// NewEnvelope assigns a fresh request id.
func NewEnvelope(method string, params any) Envelope {
	return Envelope{ID: uuid.NewString(), Method: method, Params: params}
}

// InitializeParams carries client capabilities for the handshake.
type InitializeParams struct {
	Client ClientInfo `json:"client"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PromptFlags mirror the role spec's prompt_flags on the wire.
type PromptFlags struct {
	AllowTools           bool `json:"allow_tools"`
	AllowRead            bool `json:"allow_read"`
	AllowWrite           bool `json:"allow_write"`
	AllowFileSuggestions bool `json:"allow_file_suggestions"`
}

// TurnStartParams starts one turn on an established thread.
type TurnStartParams struct {
	ThreadID        string      `json:"thread_id"`
	Prompt          string      `json:"prompt"`
	Model           string      `json:"model,omitempty"`
	ReasoningEffort string      `json:"reasoning_effort,omitempty"`
	Flags           PromptFlags `json:"flags"`
	Skills          []string    `json:"skills,omitempty"`
}

// ApprovalReplyParams answers an approval/request.
type ApprovalReplyParams struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
}

const (
	MethodInitialize    = "initialize"
	MethodTurnStart     = "turn/start"
	MethodApprovalReply = "approval/reply"
	MethodShutdown      = "shutdown"

	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// Message is one parsed inbound line. Only the fields for the message's
// type are populated; Classify maps the type string to an EventKind.
type Message struct {
	Type string `json:"type"`

	ThreadID string `json:"thread_id,omitempty"`

	// item/delta and item/completed
	Text string `json:"text,omitempty"`

	// approval/request
	ApprovalID string `json:"approval_id,omitempty"`
	Action     string `json:"action,omitempty"`

	// turn/completed
	Usage json.RawMessage `json:"usage,omitempty"`
}
