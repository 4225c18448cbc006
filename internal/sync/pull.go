package sync

import (
	"context"
	"time"

	"github.com/joseph-ayodele/scansync/constants"
)

// PullStats counts pulled documents by merge outcome.
type PullStats struct {
	Fetched  int
	Outcomes map[constants.ApplyOutcome]int
	Cursor   int64
}

// Pull applies remote changes after the stored cursor. The cursor is saved after each
// applied batch, so an interrupted pull resumes where it stopped.
func (e *Engine) Pull(ctx context.Context) (PullStats, error) {
	e.cycle.Lock()
	defer e.cycle.Unlock()
	return e.pull(ctx)
}

func (e *Engine) pull(ctx context.Context) (PullStats, error) {
	start := time.Now()
	st := PullStats{Outcomes: map[constants.ApplyOutcome]int{}}

	cursor, err := e.store.GetCursor(ctx, cursorName)
	if err != nil {
		return st, err
	}
	st.Cursor = cursor

	for {
		rctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
		docs, err := e.remote.Changes(rctx, cursor, e.opts.BatchSize)
		cancel()
		if err != nil {
			e.log.Warn("sync.pull.error", "cursor", cursor, "error", err)
			return st, err
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			out, err := e.store.ApplyRemote(ctx, doc, e.opts.Policy)
			if err != nil {
				return st, err
			}
			st.Outcomes[out]++
		}
		st.Fetched += len(docs)
		cursor = docs[len(docs)-1].Seq
		if err := e.store.SetCursor(ctx, cursorName, cursor); err != nil {
			return st, err
		}
		st.Cursor = cursor
		if len(docs) < e.opts.BatchSize {
			break
		}
	}

	if st.Fetched > 0 {
		e.log.Info("sync.pull.ok",
			"fetched", st.Fetched,
			"cursor", st.Cursor,
			"inserted", st.Outcomes[constants.OutcomeInserted],
			"adopted", st.Outcomes[constants.OutcomeAdopted],
			"kept_local", st.Outcomes[constants.OutcomeKeptLocal],
			"purged", st.Outcomes[constants.OutcomePurged],
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
	return st, nil
}
