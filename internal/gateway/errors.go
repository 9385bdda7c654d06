package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed backend call. The set is closed: nothing above the
// gateway ever sees a raw backend error shape.
type Kind int

const (
	Unauthorized Kind = iota + 1
	Timeout
	BackendUnreachable
	BackendRejected
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Timeout:
		return "timeout"
	case BackendUnreachable:
		return "backend_unreachable"
	case BackendRejected:
		return "backend_rejected"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Client.Call.
type Error struct {
	Kind Kind
	// Status is the backend HTTP status for BackendRejected, otherwise 0.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == BackendRejected:
		return fmt.Sprintf("backend rejected (%d): %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may reasonably try again later.
func (e *Error) Retryable() bool {
	return e.Kind == Timeout || e.Kind == BackendUnreachable
}

// KindOf extracts the Kind of a gateway error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries a gateway error of kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// rejectionMessage pulls a human readable message out of a non-2xx body,
// looking at the "error" then "detail" fields, and falls back to the status
// line when the body is not a JSON object.
func rejectionMessage(body []byte, statusLine string) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Detail  json.RawMessage `json:"detail"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &payload); err != nil {
		return statusLine
	}
	for _, raw := range []json.RawMessage{payload.Error, payload.Detail, payload.Message} {
		if msg := textOf(raw); msg != "" {
			return msg
		}
	}
	return statusLine
}

// textOf renders a string, an object with message/msg, or a list of either.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Msg != "" {
			return obj.Msg
		}
		return ""
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		var parts []string
		for _, item := range list {
			if t := textOf(item); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
