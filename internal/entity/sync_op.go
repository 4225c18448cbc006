package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/scansync/constants"
)

// SyncOp is a durable, queued sync intent for one record revision.
type SyncOp struct {
	Seq           int64             `json:"seq"`
	RecordID      uuid.UUID         `json:"record_id"`
	Kind          constants.OpKind  `json:"kind"`
	Revision      int64             `json:"revision"`
	State         constants.OpState `json:"state"`
	Attempts      int               `json:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	LastError     *string           `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
