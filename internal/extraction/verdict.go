package extraction

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/entity"
	"github.com/joseph-ayodele/scansync/internal/llm"
)

// Verdict is Valid when Reasons is empty; otherwise it is Invalid and Fields holds what parsed.
type Verdict struct {
	Fields          entity.Fields
	ModelConfidence *float64
	Reasons         []string
}

func (v Verdict) Valid() bool { return len(v.Reasons) == 0 }

// Validate sanitizes a model answer, then checks it against the schema and semantically.
func (e *Engine) Validate(content string) Verdict {
	clean, _, err := llm.NormalizeAndSanitizeJSON([]byte(content), e.logger)
	if err != nil {
		return Verdict{Reasons: []string{"document: response is not a JSON object"}}
	}

	var m map[string]any
	_ = json.Unmarshal(clean, &m)
	if cat, ok := m["category"].(string); ok {
		if canon, found := constants.Canonicalize(cat); found {
			m["category"] = string(canon)
		}
		clean, _ = json.Marshal(m)
	}

	v := Verdict{Fields: fieldsFrom(m)}
	if c, ok := m["confidence"].(float64); ok && c >= 0 && c <= 1 {
		v.ModelConfidence = &c
	}

	reasons := llm.ValidateJSONAgainstSchema(e.schema, clean)
	flagged := map[string]bool{}
	for _, r := range reasons {
		field, _, _ := strings.Cut(r, ":")
		flagged[field] = true
	}

	// semantic checks the schema cannot express
	sv := common.NewValidator()
	if !flagged["date"] && v.Fields.Date != "" {
		sv.Field("date", v.Fields.Date, common.ISODate)
	}
	if !flagged["amount"] {
		if _, ok := m["amount"].(float64); ok {
			sv.Field("amount", v.Fields.Amount, common.NonNegativeAmount)
		}
	}
	v.Reasons = append(reasons, sv.Reasons()...)
	return v
}

func fieldsFrom(m map[string]any) entity.Fields {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	var amount decimal.Decimal
	if f, ok := m["amount"].(float64); ok {
		amount = decimal.NewFromFloat(f)
	}
	return entity.Fields{
		Amount:       amount,
		Currency:     str("currency"),
		Date:         str("date"),
		Counterparty: str("counterparty"),
		Category:     str("category"),
		Description:  str("description"),
	}
}

// ReviewFields re-derives the validation status of a record after a user edit.
// A corrected record that passes every field check is valid regardless of prior confidence.
func ReviewFields(rec entity.ExtractedRecord) entity.ExtractedRecord {
	v := common.NewValidator().
		Field("amount", rec.Amount, common.NonNegativeAmount).
		Field("date", rec.Date, common.ISODate).
		Field("counterparty", rec.Counterparty, common.Required).
		Field("currency", rec.Currency, common.CurrencyCode).
		Field("description", rec.Description, common.MaxLength(500))
	if rec.Category != "" {
		if canon, ok := constants.Canonicalize(rec.Category); ok {
			rec.Category = string(canon)
		} else {
			v.Add("category", rec.Category, "is not a known category")
		}
	}
	rec.ReviewReasons = v.Reasons()
	if v.HasErrors() {
		rec.Status = constants.StatusNeedsReview
	} else {
		rec.Status = constants.StatusValid
	}
	return rec
}
