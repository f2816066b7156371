package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	ollama "github.com/ollama/ollama/api"
	openai "github.com/openai/openai-go"
	goopenai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/floegence/redeven-cli/internal/ai/model"
)

// statusOverloaded is the non-standard status Anthropic uses for overload.
const statusOverloaded = 529

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	Base     time.Duration
	Factor   float64
	Cap      time.Duration
	Attempts int

	// Sleep defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy applies to cloud backends.
var DefaultRetryPolicy = RetryPolicy{Base: 500 * time.Millisecond, Factor: 2, Cap: 8 * time.Second, Attempts: 4}

// Delay returns the wait before attempt+1, where attempt is 1-based.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if p.Cap > 0 && time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTransient reports whether err is a rate-limit or overload error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return transientStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return transientStatus(anErr.StatusCode) || strings.Contains(anErr.Error(), "overloaded_error")
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return transientStatus(gErr.Code)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return transientStatus(gErrPtr.Code)
	}
	var ccErr *goopenai.APIError
	if errors.As(err, &ccErr) {
		return transientStatus(ccErr.HTTPStatusCode)
	}
	var ccReqErr *goopenai.RequestError
	if errors.As(err, &ccReqErr) {
		return transientStatus(ccReqErr.HTTPStatusCode)
	}
	var olErr ollama.StatusError
	if errors.As(err, &olErr) {
		return transientStatus(olErr.StatusCode)
	}
	return strings.Contains(err.Error(), "overloaded_error")
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, statusOverloaded:
		return true
	default:
		return false
	}
}

// withRetry runs call under the policy. It never retries once a delta has
// reached the caller.
func withRetry(
	ctx context.Context,
	p RetryPolicy,
	log *slog.Logger,
	req model.ConverseRequest,
	call func(ctx context.Context, req model.ConverseRequest) (model.ConverseResult, error),
) (model.ConverseResult, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delivered := false
	inner := req
	if req.OnDelta != nil {
		onDelta := req.OnDelta
		inner.OnDelta = func(delta string) {
			if delta != "" {
				delivered = true
			}
			onDelta(delta)
		}
	}

	for attempt := 1; ; attempt++ {
		res, err := call(ctx, inner)
		if err == nil {
			return res, nil
		}
		if delivered || ctx.Err() != nil || !IsTransient(err) {
			return model.ConverseResult{}, err
		}
		if attempt >= attempts {
			return model.ConverseResult{}, &RetryExhaustedError{Attempts: attempt, Err: err}
		}
		delay := p.Delay(attempt)
		if log != nil {
			log.Warn("backend overloaded, retrying", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return model.ConverseResult{}, err
		}
	}
}
