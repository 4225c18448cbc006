package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/internal/entity"
)

// ProgressState is the state of a stage in a Progress event.
type ProgressState string

const (
	ProgressStarted   ProgressState = "started"
	ProgressCompleted ProgressState = "completed"
	ProgressDegraded  ProgressState = "degraded" // stage failed but the capture continued
	ProgressFailed    ProgressState = "failed"
)

// Progress is one event in the life of a capture.
type Progress struct {
	CaptureID uuid.UUID
	Stage     Stage
	State     ProgressState
	Message   string
	At        time.Time
}

// Result is the outcome of a completed capture. Warning is set when extraction degraded
// and the record was stored for review.
type Result struct {
	Record  entity.PersistedRecord
	Warning *StageError
}

// a capture emits at most two events per stage plus the queued event
const maxEvents = 16

// Handle tracks one submitted capture.
type Handle struct {
	ID uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events []Progress
	subs   []chan Progress
	done   chan struct{}
	res    Result
	err    error
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:     uuid.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel asks the capture to stop. Stages check for cancellation between steps, and
// the persist transaction is bound to the capture, so a cancel before commit stores nothing.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the capture finished, successfully or not.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Subscribe returns a channel that first replays every event so far, then delivers new ones.
// It is closed when the capture finishes.
func (h *Handle) Subscribe() <-chan Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Progress, maxEvents)
	for _, ev := range h.events {
		ch <- ev
	}
	select {
	case <-h.done:
		close(ch)
	default:
		h.subs = append(h.subs, ch)
	}
	return ch
}

// Wait blocks until the capture finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) emit(stage Stage, state ProgressState, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) >= maxEvents {
		return
	}
	ev := Progress{CaptureID: h.ID, Stage: stage, State: state, Message: msg, At: time.Now()}
	h.events = append(h.events, ev)
	for _, ch := range h.subs {
		ch <- ev
	}
}

func (h *Handle) finish(res Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.res, h.err = res, err
	close(h.done)
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
	h.cancel()
}
