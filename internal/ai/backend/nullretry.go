package backend

import (
	"context"
	"log/slog"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

// retryOnNull retries a non-streaming call exactly once, with no capabilities,
// when the first answer is empty, whitespace or the literal "null" and carries
// no invocations. A second null is returned as an empty answer.
func retryOnNull(
	ctx context.Context,
	log *slog.Logger,
	req model.ConverseRequest,
	call func(ctx context.Context, req model.ConverseRequest) (model.Message, error),
) (model.Message, error) {
	msg, err := call(ctx, req)
	if err != nil {
		return model.Message{}, err
	}
	if len(msg.ToolCalls) > 0 || !isNullContent(msg.ContentText()) {
		return msg, nil
	}
	if log != nil {
		log.Debug("null response, retrying without capabilities", "capabilities", len(req.Capabilities))
	}
	retry := req
	retry.Capabilities = nil
	msg, err = call(ctx, retry)
	if err != nil {
		return model.Message{}, err
	}
	if len(msg.ToolCalls) == 0 && isNullContent(msg.ContentText()) {
		return model.AssistantMessage("", nil), nil
	}
	return msg, nil
}
