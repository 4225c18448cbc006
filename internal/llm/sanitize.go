package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
)

var allowedKeys = map[string]struct{}{
	"amount": {}, "currency": {}, "date": {}, "counterparty": {},
	"category": {}, "description": {}, "confidence": {},
}

// NormalizeAndSanitizeJSON
// - Renames known synonyms (total -> amount, merchant_name -> counterparty)
// - Drops null/empty optionals
// - Coerces numeric strings ("$1,042.50") for amount and confidence
// - Removes unknown keys (strict additionalProperties = false friendliness)
func NormalizeAndSanitizeJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	if m == nil {
		return nil, nil, fmt.Errorf("sanitize: not a JSON object")
	}

	dropped := make([]string, 0, 8)
	renamed := func(from, to string) {
		if v, ok := m[from]; ok {
			// don't overwrite existing value if already present
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
			dropped = append(dropped, from+"->"+to)
		}
	}

	// 1) rename synonyms to the schema
	renamed("total", "amount")
	renamed("merchant_name", "counterparty")
	renamed("merchant", "counterparty")
	renamed("vendor", "counterparty")
	renamed("tx_date", "date")
	renamed("currency_code", "currency")

	// 2) coerce numbers
	for _, k := range []string{"amount", "confidence"} {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
		case string:
			if f, ok := parseNumber(t); ok {
				m[k] = f
			} else if strings.TrimSpace(t) == "" {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			}
			// unparseable strings stay so validation reports them
		case nil:
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		}
	}

	// 3) remove unknown keys
	for k := range maps.Clone(m) {
		if _, ok := allowedKeys[k]; !ok {
			delete(m, k)
			dropped = append(dropped, k+"(unknown)")
		}
	}

	// 4) trim strings; drop empty or null optionals
	for _, k := range []string{"currency", "date", "counterparty", "category", "description"} {
		switch v := m[k].(type) {
		case string:
			s := strings.TrimSpace(v)
			if k == "currency" {
				s = strings.ToUpper(s)
			}
			if s == "" {
				delete(m, k)
				dropped = append(dropped, k+"(empty)")
			} else {
				m[k] = s
			}
		case nil:
			if _, present := m[k]; present {
				delete(m, k)
				dropped = append(dropped, k+"(null)")
			}
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(dropped) > 0 {
		logger.Debug("llm.extract.normalize_sanitize", "dropped", dropped)
	}
	return out, dropped, nil
}

// parseNumber accepts plain decimals with optional currency symbols and thousands separators.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$£€ ")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
