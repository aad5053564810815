package domain

import "encoding/json"

// RequestType distinguishes how an action request wants its result delivered.
type RequestType string

const (
	// RequestTypeBlocking keeps the control channel waiting for the result.
	RequestTypeBlocking RequestType = "blocking"
	// RequestTypeNonBlocking detaches the action; its outcome is queried
	// later through the results spool.
	RequestTypeNonBlocking RequestType = "non-blocking"
)

// Action status values the agent writes to the spool. The results store
// itself treats status as an opaque string; only the agent layers meaning
// on top of these.
const (
	ActionStatusRunning      = "running"
	ActionStatusSuccess      = "success"
	ActionStatusFailure      = "failure"
	ActionStatusUndetermined = "undetermined"
	ActionStatusUnknown      = "unknown"
)

// ActionRequest is a remote request to run one module action.
type ActionRequest struct {
	Requester     string          `json:"requester"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params,omitempty"`
	TransactionID string          `json:"transaction_id"`
	RequestID     string          `json:"request_id"`
	Type          RequestType     `json:"type"`
	NotifyOutcome bool            `json:"notify_outcome"`
}

// ActionOutput is the captured result of a completed action process.
type ActionOutput struct {
	ExitCode int    `json:"exitcode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
