package policy

import "testing"

func TestIsValidCategory(t *testing.T) {
	if !IsValidCategory("kernerinnerungen") {
		t.Error("expected kernerinnerungen to be valid")
	}
	if IsValidCategory("not_a_category") {
		t.Error("expected not_a_category to be invalid")
	}
}

func TestIsValidAnalyzedType(t *testing.T) {
	for _, at := range AnalyzedTypes {
		if !IsValidAnalyzedType(at) {
			t.Errorf("expected %s to be a valid analyzed type", at)
		}
	}
	if IsValidAnalyzedType("forgotten_memories") {
		t.Error("forgotten_memories is a category, not an analyzed type")
	}
}

func TestIsFactualType(t *testing.T) {
	if !IsFactualType("faktenwissen") || !IsFactualType("prozedurales_wissen") {
		t.Error("expected both factual types to report true")
	}
	if IsFactualType("erlebnisse") {
		t.Error("erlebnisse is not a factual type")
	}
}

func TestMapCategory(t *testing.T) {
	cases := map[string]string{
		"faktenwissen":        "kernerinnerungen",
		"prozedurales_wissen": "programmieren",
		"erlebnisse":          "kernerinnerungen",
		"bewusstsein":         "philosophie",
		"humor":               "humor",
		"zusammenarbeit":      "zusammenarbeit",
	}
	for in, want := range cases {
		if got := MapCategory(in); got != want {
			t.Errorf("MapCategory(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestIsAcceptedCategoryIncludesStorageTargets(t *testing.T) {
	if !IsAcceptedCategory("erlebnisse") {
		t.Error("expected closed-set category to be accepted")
	}
	if !IsAcceptedCategory("programmieren") || !IsAcceptedCategory("philosophie") {
		t.Error("expected mapped storage categories to be accepted on input")
	}
	if IsAcceptedCategory("not_a_category") {
		t.Error("expected unknown category to be rejected")
	}
}

func TestMapCategoryUnknownFallsBackToDefault(t *testing.T) {
	if got := MapCategory("something_unrecognized"); got != DefaultCategory {
		t.Errorf("MapCategory(unknown) = %s, want %s", got, DefaultCategory)
	}
}
