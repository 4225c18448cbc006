package constants

// ValidationStatus is the outcome of extraction validation for a record.
type ValidationStatus string

// Stable values (store these exact strings in DB).
const (
	StatusValid       ValidationStatus = "valid"
	StatusNeedsReview ValidationStatus = "needs_review"
	StatusRejected    ValidationStatus = "rejected"
)

// SyncState is the per-record synchronization state.
type SyncState string

const (
	SyncPending        SyncState = "pending"
	SyncSynced         SyncState = "synced"
	SyncConflict       SyncState = "conflict"
	SyncDeletedPending SyncState = "deleted_pending"
)

// OpKind is the intent carried by a queued sync op.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// OpState is the lifecycle of a queued sync op.
type OpState string

const (
	OpQueued          OpState = "queued"
	OpFailedPermanent OpState = "failed_permanent" // retry budget exhausted; surfaced, never retried automatically
)

// ParseSyncState reports whether s is a known sync state.
func ParseSyncState(s string) (SyncState, bool) {
	switch st := SyncState(s); st {
	case SyncPending, SyncSynced, SyncConflict, SyncDeletedPending:
		return st, true
	}
	return "", false
}

// ParseValidationStatus reports whether s is a known validation status.
func ParseValidationStatus(s string) (ValidationStatus, bool) {
	switch st := ValidationStatus(s); st {
	case StatusValid, StatusNeedsReview, StatusRejected:
		return st, true
	}
	return "", false
}

// ConflictPolicy decides which side wins when a record changed both locally and remotely.
type ConflictPolicy string

const (
	// PolicyTimestamp keeps the side with the later update time; ties go to the remote.
	PolicyTimestamp ConflictPolicy = "timestamp"
	// PolicyRevision keeps the side with the higher revision; ties go to the remote.
	PolicyRevision ConflictPolicy = "revision"
)

// ParseConflictPolicy reports whether s names a known policy. Empty means timestamp.
func ParseConflictPolicy(s string) (ConflictPolicy, bool) {
	switch p := ConflictPolicy(s); p {
	case "":
		return PolicyTimestamp, true
	case PolicyTimestamp, PolicyRevision:
		return p, true
	}
	return "", false
}

// ApplyOutcome describes what merging a remote document did locally.
type ApplyOutcome string

const (
	OutcomeInserted  ApplyOutcome = "inserted"   // new local record from a remote document
	OutcomeAdopted   ApplyOutcome = "adopted"    // remote version replaced the local one
	OutcomeKeptLocal ApplyOutcome = "kept_local" // local change wins and will be pushed again
	OutcomePurged    ApplyOutcome = "purged"     // remote tombstone removed the local record
	OutcomeIgnored   ApplyOutcome = "ignored"    // nothing to do
)
