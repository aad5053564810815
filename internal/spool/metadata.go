package spool

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the persisted action metadata document. It is schemaless
// beyond the required keys, so extra keys written by one agent version
// survive a round trip through another.
type Metadata map[string]any

// Keys every metadata document must carry.
var requiredMetadataKeys = []string{
	"requester",
	"module",
	"action",
	"request_params",
	"transaction_id",
	"request_id",
	"notify_outcome",
	"start",
	"status",
}

// EncodeMetadata serializes a metadata document. encoding/json emits map
// keys in sorted order, so the encoding is deterministic.
func EncodeMetadata(md Metadata) ([]byte, error) {
	data, err := json.Marshal(md)
	if err != nil {
		return nil, newError(KindInvalidMetadata, "spool.encode", "marshal metadata", err)
	}
	return data, nil
}

// DecodeMetadata parses a metadata document and checks the required keys.
// Unknown extra keys are preserved, not rejected.
func DecodeMetadata(data []byte) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, newError(KindInvalidMetadata, "spool.decode", "not a JSON object", err)
	}
	if err := validateMetadata(md); err != nil {
		return nil, err
	}
	return md, nil
}

func validateMetadata(md Metadata) error {
	for _, key := range requiredMetadataKeys {
		if _, ok := md[key]; !ok {
			return newError(KindInvalidMetadata, "spool.decode",
				fmt.Sprintf("missing required key %q", key), nil)
		}
	}
	if _, ok := md["notify_outcome"].(bool); !ok {
		return newError(KindInvalidMetadata, "spool.decode",
			`"notify_outcome" must be a boolean`, nil)
	}
	for _, key := range []string{"transaction_id", "status"} {
		if _, ok := md[key].(string); !ok {
			return newError(KindInvalidMetadata, "spool.decode",
				fmt.Sprintf("%q must be a string", key), nil)
		}
	}
	return nil
}

// Status returns the document's status string.
func (md Metadata) Status() string {
	s, _ := md["status"].(string)
	return s
}

// TransactionID returns the document's transaction identifier.
func (md Metadata) TransactionID() string {
	s, _ := md["transaction_id"].(string)
	return s
}

// Requester returns the identity that submitted the action.
func (md Metadata) Requester() string {
	s, _ := md["requester"].(string)
	return s
}

// RequestID returns the identifier of the originating request.
func (md Metadata) RequestID() string {
	s, _ := md["request_id"].(string)
	return s
}

// NotifyOutcome reports whether the requester asked to be notified when the
// action completes.
func (md Metadata) NotifyOutcome() bool {
	b, _ := md["notify_outcome"].(bool)
	return b
}

// StartTime parses the document's start timestamp. The codec itself keeps
// "start" loose (old agents wrote free-form timestamps); only callers that
// need to compare ages, like the purger, require RFC 3339.
func (md Metadata) StartTime() (time.Time, error) {
	s, ok := md["start"].(string)
	if !ok {
		return time.Time{}, newError(KindInvalidMetadata, "spool.start",
			`"start" must be a string`, nil)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, newError(KindInvalidMetadata, "spool.start",
			fmt.Sprintf("unparseable start timestamp %q", s), err)
	}
	return t, nil
}
