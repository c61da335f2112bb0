package pool

import (
	"context"
	"errors"

	"github.com/alecgard/keypool/internal/credential"
)

// Outcome describes how a provider call went.
type Outcome struct {
	OK               bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ErrorCode        string
	ErrorMessage     string
	Model            string
	EndUserID        string
}

// Decision is what Report tells the caller.
type Decision struct {
	Retry bool
	Class credential.FailureClass
	State credential.State
}

// Succeeded builds a success outcome.
func Succeeded(model string, prompt, completion int64) Outcome {
	return Outcome{OK: true, Model: model, PromptTokens: prompt, CompletionTokens: completion}
}

// Failed builds a failure outcome.
func Failed(model, code, message string) Outcome {
	return Outcome{Model: model, ErrorCode: code, ErrorMessage: message}
}

func (o Outcome) normalize() Outcome {
	o.PromptTokens = max(o.PromptTokens, 0)
	o.CompletionTokens = max(o.CompletionTokens, 0)
	o.TotalTokens = max(o.TotalTokens, 0)
	if o.TotalTokens == 0 {
		o.TotalTokens = o.PromptTokens + o.CompletionTokens
	}
	return o
}

// contextCode maps a finished context to the error code reported for a call
// it interrupted.
func contextCode(ctx context.Context) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return ""
}
