package tools

import (
	"encoding/json"
	"strings"
)

// ResultStatus is the normalized status of one capability invocation.
type ResultStatus string

const (
	ResultStatusSuccess  ResultStatus = "success"
	ResultStatusError    ResultStatus = "error"
	ResultStatusRejected ResultStatus = "rejected"
)

// ErrorCode is a stable, machine-readable capability error code.
type ErrorCode string

const (
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured failure metadata back to the model.
type ToolError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}

// ResultEnvelope is the tool message payload when a result is not plain success.
type ResultEnvelope struct {
	Status   ResultStatus `json:"status"`
	Rejected bool         `json:"rejected,omitempty"`
	Message  string       `json:"message,omitempty"`
	Error    *ToolError   `json:"error,omitempty"`
}

func (e ResultEnvelope) JSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		return `{"status":"error","error":{"code":"UNKNOWN","message":"unencodable tool result"}}`
	}
	return string(b)
}

// ErrorPayload serializes a classified execution error.
func ErrorPayload(toolErr *ToolError) string {
	toolErr.Normalize()
	return ResultEnvelope{Status: ResultStatusError, Error: toolErr}.JSON()
}

// RejectionPayload is the synthetic result for a capability the user declined.
func RejectionPayload(name string) string {
	return ResultEnvelope{
		Status:   ResultStatusRejected,
		Rejected: true,
		Message:  "The user declined to run " + name + ". Do not retry it unless asked.",
	}.JSON()
}
