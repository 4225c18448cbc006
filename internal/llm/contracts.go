package llm

import (
	"context"

	"github.com/joseph-ayodele/scansync/internal/common"
)

var (
	// ErrRemoteUnavailable covers transport failures, 5xx and rate limiting. Retryable.
	ErrRemoteUnavailable = common.NewKindError(common.KindTransient, "LLM_UNAVAILABLE", "model endpoint unavailable")
	// ErrQuotaExceeded means the account cannot serve more requests until quota is raised.
	ErrQuotaExceeded = common.NewKindError(common.KindPermanent, "LLM_QUOTA_EXCEEDED", "model quota exceeded")
	// ErrRequestRejected is any other non-retryable refusal (bad key, bad request).
	ErrRequestRejected = common.NewKindError(common.KindPermanent, "LLM_REJECTED", "model request rejected")
	// ErrMalformed means the model's answer failed validation, even after a repair attempt.
	ErrMalformed = common.NewKindError(common.KindValidation, "LLM_MALFORMED", "model output failed validation")
)

// CompletionRequest is a provider-neutral structured-output request.
type CompletionRequest struct {
	System string
	User   string
	Schema map[string]any
	// Hint carries validation failures from a previous answer; empty on the first attempt.
	Hint string
}

// Completion is the raw model answer.
type Completion struct {
	Content string
	Model   string
}

// Completer is the interface the extraction engine depends on.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// ExtractRequest carries what the prompts are built from.
type ExtractRequest struct {
	OCRText           string
	AllowedCategories []string
	DefaultCurrency   string
	MaxOCRChars       int
	SourceHint        string
}
