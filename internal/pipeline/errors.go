package pipeline

import (
	"errors"
	"fmt"

	"github.com/joseph-ayodele/scansync/internal/common"
)

// Stage names a step of the capture pipeline.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageNormalize Stage = "normalize"
	StageOCR       Stage = "ocr"
	StageExtract   Stage = "extract"
	StagePersist   Stage = "persist"
)

// ErrShuttingDown is returned by Submit after Shutdown has started.
var ErrShuttingDown = errors.New("pipeline: shutting down")

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether submitting the same capture again may succeed.
func (e *StageError) Retryable() bool { return common.IsTransient(e.Err) }

func stageErr(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
