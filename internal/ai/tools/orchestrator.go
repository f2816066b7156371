package tools

import (
	"context"
	"errors"
	"strings"
)

// Invocation carries the minimum context required for error classification.
type Invocation struct {
	ToolName string
	ArgsJSON string
}

// ClassifyError maps an execution failure to a ToolError the model can act on.
func ClassifyError(inv Invocation, err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) && te != nil {
		out := *te
		out.Normalize()
		return &out
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{
		Code:      ErrorCodeUnknown,
		Message:   msg,
		Retryable: false,
	}

	switch {
	case errors.Is(err, ErrUnknownTool):
		out.Code = ErrorCodeUnknownTool
		out.SuggestedFixes = []string{"Call only the tools listed in this conversation."}
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(lower, "timed out"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope."}
	case strings.Contains(lower, "permission denied"):
		out.Code = ErrorCodePermissionDenied
		out.SuggestedFixes = []string{"Request the required permission or use a different tool."}
	case strings.Contains(lower, "not found"):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Verify the target exists before retrying."}
	case strings.Contains(lower, "invalid argument"), strings.Contains(lower, "invalid character"):
		out.Code = ErrorCodeInvalidArguments
		out.Retryable = true
		out.SuggestedFixes = []string{"Re-send the call with arguments matching " + strings.TrimSpace(inv.ToolName) + "'s parameter schema."}
	}
	out.Normalize()
	return out
}
