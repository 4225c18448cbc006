// Package remote defines the boundary to the shared document store records sync with.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/scansync/internal/common"
)

var (
	// ErrStaleRevision means the base revision of an update no longer matches the stored document.
	ErrStaleRevision = common.NewKindError(common.KindConflict, "REMOTE_STALE_REVISION", "remote revision mismatch")
	// ErrNotFound means no document exists under the given id.
	ErrNotFound = common.NewKindError(common.KindPermanent, "REMOTE_NOT_FOUND", "remote document not found")
	// ErrUnavailable covers network loss, timeouts and server-side failures. Retryable.
	ErrUnavailable = common.NewKindError(common.KindTransient, "REMOTE_UNAVAILABLE", "remote store unavailable")
	// ErrInvalid means the store refused the request as malformed.
	ErrInvalid = common.NewKindError(common.KindPermanent, "REMOTE_INVALID", "remote store rejected request")
)

// Document is one versioned document. Deleted documents are kept as tombstones.
type Document struct {
	ID        string          `json:"id"`
	ClientKey string          `json:"client_key,omitempty"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
	Body      json.RawMessage `json:"body,omitempty"`
	// Created is set on Upsert responses that created the document.
	Created bool `json:"created,omitempty"`
}

// UpsertRequest creates a document when ID is empty, otherwise updates it.
// Creates are idempotent by ClientKey: a repeated create returns the stored document
// with Created=false. Updates must carry the revision they were based on.
type UpsertRequest struct {
	ID           string          `json:"id,omitempty"`
	ClientKey    string          `json:"client_key,omitempty"`
	BaseRevision int64           `json:"base_revision"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Body         json.RawMessage `json:"body"`
}

// Timestamp is t at the precision every backend keeps (PostgreSQL stores microseconds).
// Times sent to or compared with remote documents go through it.
func Timestamp(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// Store is implemented by every remote backend.
type Store interface {
	Upsert(ctx context.Context, req UpsertRequest) (Document, error)
	// Delete writes a tombstone. Deleting a tombstone is a no-op returning it.
	Delete(ctx context.Context, id string) (Document, error)
	Get(ctx context.Context, id string) (Document, error)
	// Changes returns documents whose latest change sequence is greater than since, ordered by Seq.
	Changes(ctx context.Context, since int64, limit int) ([]Document, error)
	Ping(ctx context.Context) error
}
