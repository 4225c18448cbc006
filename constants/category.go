package constants

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

type Category string

const (
	Groceries     Category = "Groceries"
	Meals         Category = "Meals"
	Travel        Category = "Travel"
	Utilities     Category = "Utilities"
	Healthcare    Category = "Healthcare"
	OfficeSupply  Category = "OfficeSupplies"
	Subscriptions Category = "Subscriptions"
	Shopping      Category = "Shopping"
	Other         Category = "Other"
)

var allCategories = []Category{
	Groceries,
	Meals,
	Travel,
	Utilities,
	Healthcare,
	OfficeSupply,
	Subscriptions,
	Shopping,
	Other,
}

// maxCategoryDistance is the largest edit distance accepted as a typo of a category name.
const maxCategoryDistance = 2

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// Canonicalize maps a free-form label onto the category enum. The second return value is
// false when the label had to fall back to Other.
func Canonicalize(input string) (Category, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if normalized == "" {
		return Other, false
	}

	synonyms := map[string]Category{
		"grocery":       Groceries,
		"supermarket":   Groceries,
		"restaurant":    Meals,
		"food":          Meals,
		"cafe":          Meals,
		"taxi":          Travel,
		"uber":          Travel,
		"airline":       Travel,
		"hotel":         Travel,
		"electricity":   Utilities,
		"internet":      Utilities,
		"phone":         Utilities,
		"pharmacy":      Healthcare,
		"medical":       Healthcare,
		"lab report":    Healthcare,
		"stationery":    OfficeSupply,
		"office":        OfficeSupply,
		"saas":          Subscriptions,
		"subscription":  Subscriptions,
		"retail":        Shopping,
		"miscellaneous": Other,
	}
	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	compact := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(normalized)
	best, bestDist := Other, maxCategoryDistance+1
	for _, cat := range allCategories {
		name := strings.ToLower(string(cat))
		if compact == name {
			return cat, true
		}
		if d := levenshtein.ComputeDistance(compact, name); d < bestDist {
			best, bestDist = cat, d
		}
	}
	if bestDist <= maxCategoryDistance {
		return best, true
	}
	return Other, false
}
