// Package sync moves queued record changes to the remote document store and merges
// remote changes back into the local store.
package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/remote"
)

// cursorName is the sync_cursors row holding the remote change sequence already applied.
const cursorName = "remote"

// LocalStore is the part of repository.Store the engine drives.
type LocalStore interface {
	HeadOps(ctx context.Context, now time.Time, limit int) ([]entity.SyncOp, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	GetForSync(ctx context.Context, id uuid.UUID) (entity.PersistedRecord, error)
	AckOp(ctx context.Context, seq int64) error
	RetryOp(ctx context.Context, op entity.SyncOp, next time.Time, msg string) error
	FailOp(ctx context.Context, op entity.SyncOp, msg string) error
	MarkPushed(ctx context.Context, id uuid.UUID, remoteID string, pushedRevision, remoteRevision int64) (entity.PersistedRecord, error)
	MarkConflict(ctx context.Context, id uuid.UUID, msg string) error
	Purge(ctx context.Context, id uuid.UUID) error
	PurgeUnbound(ctx context.Context, id uuid.UUID) error
	ApplyRemote(ctx context.Context, doc remote.Document, policy constants.ConflictPolicy) (constants.ApplyOutcome, error)
	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, pos int64) error
}

type Options struct {
	Policy         constants.ConflictPolicy
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	OpTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Policy == "" {
		o.Policy = constants.PolicyTimestamp
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 20 * time.Second
	}
	return o
}

// OptionsFromConfig maps the sync section of the config. An unknown policy falls back to timestamp.
func OptionsFromConfig(cfg common.SyncConfig) Options {
	policy, ok := constants.ParseConflictPolicy(cfg.Policy)
	if !ok {
		policy = constants.PolicyTimestamp
	}
	return Options{
		Policy:         policy,
		Concurrency:    cfg.Concurrency,
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
		OpTimeout:      cfg.OpTimeout,
	}
}

// Failure is published when an op exhausts its retry budget or fails permanently.
type Failure struct {
	RecordID uuid.UUID
	Op       entity.SyncOp
	Err      error
}

type Engine struct {
	store  LocalStore
	remote remote.Store
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	notify   chan struct{}
	failures chan Failure

	// cycle serializes drains and pulls so a pull never races a push of the same record.
	cycle stdsync.Mutex
}

func NewEngine(store LocalStore, rs remote.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		remote:   rs,
		opts:     opts.withDefaults(),
		log:      logger,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		failures: make(chan Failure, 64),
	}
}

// Notify wakes the run loop. It never blocks; bursts coalesce into one wakeup.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Failures delivers ops that were given up on. Events are dropped when nobody reads.
func (e *Engine) Failures() <-chan Failure { return e.failures }

func (e *Engine) publish(f Failure) {
	select {
	case e.failures <- f:
	default:
		e.log.Warn("sync.failure.dropped", "record_id", f.RecordID, "op_seq", f.Op.Seq)
	}
}

// Policy reports the conflict policy in effect.
func (e *Engine) Policy() constants.ConflictPolicy { return e.opts.Policy }

// Report summarizes one sync cycle.
type Report struct {
	Drain DrainStats
	Pull  PullStats
}

// SyncOnce pushes every due op, then pulls remote changes.
func (e *Engine) SyncOnce(ctx context.Context) (Report, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	var rep Report
	var err error
	rep.Drain, err = e.drain(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pull, err = e.pull(ctx)
	if err != nil || rep.Pull.Outcomes[constants.OutcomeKeptLocal] == 0 {
		return rep, err
	}
	// local changes that won against pulled documents are queued again
	more, err := e.drain(ctx)
	rep.Drain = rep.Drain.add(more)
	return rep, err
}
