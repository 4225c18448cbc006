package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/scansync/constants"
)

// Fields are the typed values extracted from a document. Amount encodes as a decimal string
// in JSON and is stored as text.
type Fields struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Date         string          `json:"date"` // YYYY-MM-DD
	Counterparty string          `json:"counterparty"`
	Category     string          `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ExtractedRecord is the extraction outcome for one OCR result.
type ExtractedRecord struct {
	Fields
	OCRResultID   string                     `json:"ocr_result_id"`
	Confidence    float64                    `json:"confidence"`
	Status        constants.ValidationStatus `json:"validation_status"`
	ReviewReasons []string                   `json:"review_reasons,omitempty"`
}

// PersistedRecord is an ExtractedRecord plus its local identity and sync bookkeeping.
type PersistedRecord struct {
	ID uuid.UUID `json:"id"`
	ExtractedRecord
	RemoteID       *string             `json:"remote_id,omitempty"`
	SyncState      constants.SyncState `json:"sync_state"`
	Revision       int64               `json:"revision"`
	SyncedRevision int64               `json:"synced_revision"`
	RemoteRevision int64               `json:"remote_revision"`
	SyncError      *string             `json:"sync_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// RecordFilter narrows List queries. Zero values mean "any".
type RecordFilter struct {
	Status    constants.ValidationStatus
	SyncState constants.SyncState
	Search    string // substring of counterparty or description
	From      string // inclusive YYYY-MM-DD
	To        string // inclusive YYYY-MM-DD
	Limit     int
}

// DocumentBody is the JSON payload exchanged with the remote document store.
type DocumentBody struct {
	Fields
	OCRResultID   string                     `json:"ocr_result_id,omitempty"`
	Confidence    float64                    `json:"confidence"`
	Status        constants.ValidationStatus `json:"validation_status"`
	ReviewReasons []string                   `json:"review_reasons,omitempty"`
}

// Body returns the remote payload for the record's current state.
func (r PersistedRecord) Body() DocumentBody {
	return DocumentBody{
		Fields:        r.Fields,
		OCRResultID:   r.OCRResultID,
		Confidence:    r.Confidence,
		Status:        r.Status,
		ReviewReasons: r.ReviewReasons,
	}
}

// Extracted converts a remote payload back to an ExtractedRecord.
func (b DocumentBody) Extracted() ExtractedRecord {
	status := b.Status
	if _, ok := constants.ParseValidationStatus(string(status)); !ok {
		status = constants.StatusNeedsReview
	}
	return ExtractedRecord{
		Fields:        b.Fields,
		OCRResultID:   b.OCRResultID,
		Confidence:    b.Confidence,
		Status:        status,
		ReviewReasons: b.ReviewReasons,
	}
}
