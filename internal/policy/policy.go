// Package policy holds the pure, stateless rules every other component
// defers to for category validity and analyzed-type routing. Nothing
// here touches a store or a network call; it is lookup tables plus
// predicates over them.
package policy

// Categories is the closed set a Record's category must belong to.
var Categories = []string{
	"faktenwissen",
	"prozedurales_wissen",
	"erlebnisse",
	"bewusstsein",
	"humor",
	"zusammenarbeit",
	"forgotten_memories",
	"kernerinnerungen",
	"short_memory",
}

// IsValidCategory reports whether c is one of Categories.
func IsValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// StorageCategories are the categories the type mapping can route a
// record into. They are accepted on input too, so a caller can hand a
// record straight to its eventual home (e.g. "programmieren").
var StorageCategories = []string{"programmieren", "philosophie"}

// IsAcceptedCategory reports whether c is a valid input category: a
// member of the closed set or one of the mapped storage categories.
func IsAcceptedCategory(c string) bool {
	if IsValidCategory(c) {
		return true
	}
	for _, v := range StorageCategories {
		if v == c {
			return true
		}
	}
	return false
}

// AnalyzedTypes is the closed set the analyzer may assign to a Concept.
var AnalyzedTypes = []string{
	"faktenwissen",
	"prozedurales_wissen",
	"erlebnisse",
	"bewusstsein",
	"humor",
	"zusammenarbeit",
}

// IsValidAnalyzedType reports whether t is one of AnalyzedTypes.
func IsValidAnalyzedType(t string) bool {
	for _, v := range AnalyzedTypes {
		if v == t {
			return true
		}
	}
	return false
}

// FactualTypes never reach permanent or recency storage: their concepts
// live only in the vector and graph indexes.
var FactualTypes = []string{"faktenwissen", "prozedurales_wissen"}

// IsFactualType reports whether t is one of FactualTypes.
func IsFactualType(t string) bool {
	for _, v := range FactualTypes {
		if v == t {
			return true
		}
	}
	return false
}

// categoryMap is the analyzed_type -> storage category mapping. Unknown
// analyzed types fall back to DefaultCategory.
var categoryMap = map[string]string{
	"faktenwissen":        "kernerinnerungen",
	"prozedurales_wissen": "programmieren",
	"erlebnisse":          "kernerinnerungen",
	"bewusstsein":         "philosophie",
	"humor":               "humor",
	"zusammenarbeit":      "zusammenarbeit",
}

// DefaultCategory is the safe fallback for an analyzed_type with no
// explicit mapping entry.
const DefaultCategory = "kernerinnerungen"

// MapCategory returns the storage category a given analyzed_type routes
// to. An unrecognized analyzed_type maps to DefaultCategory rather than
// failing, so a misbehaving analyzer can never strand a record without a
// category.
func MapCategory(analyzedType string) string {
	if cat, ok := categoryMap[analyzedType]; ok {
		return cat
	}
	return DefaultCategory
}
