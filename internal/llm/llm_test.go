package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/scansync/constants"
)

func TestSanitizeRenamesAndCoerces(t *testing.T) {
	raw := []byte(`{"total":"$1,042.50","merchant_name":"  Acme  ","tx_date":"2024-03-01",
		"currency_code":"usd","category":"","tip":"2.00","description":null,"confidence":"0.8"}`)
	out, dropped, err := NormalizeAndSanitizeJSON(raw, nil)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, map[string]any{
		"amount":       1042.5,
		"counterparty": "Acme",
		"date":         "2024-03-01",
		"currency":     "USD",
		"confidence":   0.8,
	}, m)
	require.Contains(t, dropped, "tip(unknown)")
	require.Contains(t, dropped, "category(empty)")
	require.Contains(t, dropped, "description(null)")
}

func TestSanitizeRejectsNonObject(t *testing.T) {
	_, _, err := NormalizeAndSanitizeJSON([]byte(`not json`), nil)
	require.Error(t, err)
	_, _, err = NormalizeAndSanitizeJSON([]byte(`null`), nil)
	require.Error(t, err)
}

func TestValidateJSONAgainstSchema(t *testing.T) {
	schema, err := CompileSchema(BuildRecordJSONSchema(constants.AsStringSlice()))
	require.NoError(t, err)

	ok := []byte(`{"amount":42.5,"date":"2024-03-01","counterparty":"Acme","category":"Meals","confidence":0.9}`)
	require.Empty(t, ValidateJSONAgainstSchema(schema, ok))

	bad := []byte(`{"amount":-3,"date":"March 1","category":"Snacks"}`)
	reasons := ValidateJSONAgainstSchema(schema, bad)
	require.NotEmpty(t, reasons)
	joined := strings.Join(reasons, "\n")
	require.Contains(t, joined, "amount:")
	require.Contains(t, joined, "date:")
	require.Contains(t, joined, "category:")
	require.Contains(t, joined, "counterparty")

	require.Equal(t, []string{"document: not valid JSON"}, ValidateJSONAgainstSchema(schema, []byte("{")))
}

func TestPrompts(t *testing.T) {
	req := ExtractRequest{
		OCRText:           strings.Repeat("x", 50),
		AllowedCategories: constants.AsStringSlice(),
		DefaultCurrency:   "EUR",
		MaxOCRChars:       10,
	}
	sys := BuildSystemPrompt(req)
	require.Contains(t, sys, "default to EUR")
	require.Contains(t, sys, "Groceries")
	require.Contains(t, sys, "Tie-breaker")

	user := BuildUserPrompt(req)
	require.Contains(t, user, strings.Repeat("x", 10)+"\n…(truncated)")
	require.NotContains(t, user, strings.Repeat("x", 11))

	require.Empty(t, BuildRepairHint(nil))
	require.Contains(t, BuildRepairHint([]string{"date: bad"}), "date: bad")
}
