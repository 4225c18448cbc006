package llm

import (
	"strings"

	"github.com/joseph-ayodele/scansync/constants"
)

// BuildSystemPrompt composes the system message with currency defaults, allowed categories
// and formatting rules.
func BuildSystemPrompt(req ExtractRequest) string {
	var catLine string
	if len(req.AllowedCategories) > 0 {
		catLine = "If you include a 'category' it MUST be exactly one of the allowed enum. " +
			"If uncertain, choose 'Other'. Allowed categories (enum): " + strings.Join(req.AllowedCategories, ", ") + "."
	} else {
		catLine = "'category' is optional; when present use a short, sensible label."
	}

	defCur := strings.TrimSpace(req.DefaultCurrency)
	if defCur == "" {
		defCur = "USD"
	}

	parts := []string{
		"You extract one structured record from the OCR text of a scanned document (receipt, invoice, bill or statement).",
		"Return ONLY JSON that matches the provided JSON Schema.",
		"'amount' is the final total paid or due, as a JSON number without currency symbols.",
		"'date' is the transaction or issue date in ISO-8601 form (YYYY-MM-DD).",
		"'counterparty' is the merchant, vendor or issuer name as printed.",
		"'currency' must be a 3-letter ISO 4217 code; default to " + defCur + " if uncertain.",
		catLine,
		"Category selection rubric: " + buildCategoryRubric(req.AllowedCategories),
		"'description' is a short summary of what was bought or billed (about 5-12 words). Avoid personal names, addresses, or card numbers.",
		"'confidence' is your own estimate in [0,1] that every field is correct.",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt embeds the OCR text, truncated to MaxOCRChars.
func BuildUserPrompt(req ExtractRequest) string {
	limit := req.MaxOCRChars
	if limit <= 0 {
		limit = constants.MaxOCRCharsDefault
	}

	var b strings.Builder
	if hint := strings.TrimSpace(req.SourceHint); hint != "" {
		b.WriteString("Source: ")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	ocr := strings.TrimSpace(req.OCRText)
	b.WriteString("\nOCR text:\n")
	if r := []rune(ocr); len(r) > limit {
		b.WriteString(string(r[:limit]))
		b.WriteString("\n…(truncated)")
	} else {
		b.WriteString(ocr)
	}
	b.WriteString("\n\nReturn ONLY JSON that matches the provided schema.")
	return b.String()
}

// BuildRepairHint tells the model which fields of its previous answer were rejected.
func BuildRepairHint(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return "Your previous answer was rejected for these reasons: " + strings.Join(reasons, "; ") +
		". Correct those fields using the OCR text and return the full JSON object again."
}

// buildCategoryRubric emits short rules only for categories present in the enum.
func buildCategoryRubric(allowed []string) string {
	defs := map[string]string{
		string(constants.Groceries):     "Supermarket and food-store purchases for home.",
		string(constants.Meals):         "Restaurants, cafes, take-away food or drink.",
		string(constants.Travel):        "Transport, lodging, fuel, tolls, parking, ride-share, airfare.",
		string(constants.Utilities):     "Electricity, water, gas, internet or phone bills.",
		string(constants.Healthcare):    "Pharmacy, clinic, dental or insurance co-pays.",
		string(constants.OfficeSupply):  "Stationery, printer ink, small office consumables.",
		string(constants.Subscriptions): "Recurring software, streaming or membership fees.",
		string(constants.Shopping):      "Retail goods that fit nowhere more specific.",
		string(constants.Other):         "Use only when nothing else applies unambiguously.",
	}

	var parts []string
	for _, c := range allowed {
		if d, ok := defs[c]; ok {
			parts = append(parts, c+": "+d)
		}
	}
	if hasAll(allowed, string(constants.Groceries), string(constants.Meals)) {
		parts = append(parts, "Tie-breaker: prepared food eaten out is 'Meals'; ingredients and packaged food is 'Groceries'.")
	}
	if len(parts) == 0 {
		return "Use item names to pick the closest category; if uncertain, choose 'Other'."
	}
	return strings.Join(parts, " | ")
}

func hasAll(list []string, a, b string) bool {
	foundA, foundB := false, false
	for _, x := range list {
		if x == a {
			foundA = true
		} else if x == b {
			foundB = true
		}
	}
	return foundA && foundB
}
