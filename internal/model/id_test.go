package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID_RoundTrips(t *testing.T) {
	for _, idType := range []IDType{IDTypeSuggestion, IDTypeEvent, IDTypeReply, IDTypeHighlight} {
		t.Run(string(idType), func(t *testing.T) {
			before := time.Now().Unix()
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID(%s): %v", idType, err)
			}
			after := time.Now().Unix()

			if !strings.HasPrefix(id, string(idType)+"_") {
				t.Errorf("id %q lacks prefix %q", id, idType)
			}
			if !ValidateID(id) {
				t.Errorf("generated id %q fails validation", id)
			}
			typ, err := ParseIDType(id)
			if err != nil || typ != idType {
				t.Errorf("ParseIDType(%q) = %q, %v", id, typ, err)
			}
			ts, err := ParseIDTimestamp(id)
			if err != nil {
				t.Fatalf("ParseIDTimestamp(%q): %v", id, err)
			}
			if ts.Unix() < before || ts.Unix() > after {
				t.Errorf("embedded timestamp %d outside [%d, %d]", ts.Unix(), before, after)
			}
		})
	}
}

func TestGenerateID_RejectsUnknownType(t *testing.T) {
	if _, err := GenerateID("plan"); err == nil {
		t.Error("expected error for unknown id type")
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := GenerateID(IDTypeEvent)
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id after %d generations: %s", i, id)
		}
		seen[id] = true
	}
}

func TestValidateID_Malformed(t *testing.T) {
	// Every case is one mutation away from the valid shape.
	valid := "sug_1771722000_a3f2b7c1"
	if !ValidateID(valid) {
		t.Fatalf("reference id %q fails validation", valid)
	}
	bad := []string{
		"",
		"sug",
		"sug_1771722000",
		"cmd_1771722000_a3f2b7c1",  // unknown prefix
		"sug-1771722000-a3f2b7c1",  // wrong separators
		"sug_177172200_a3f2b7c1",   // nine digit timestamp
		"sug_17717220009_a3f2b7c1", // eleven digit timestamp
		"sug_1771x22000_a3f2b7c1",  // letter in timestamp
		"sug_1771722000_a3f2b7c",   // seven hex chars
		"sug_1771722000_a3f2b7c1e", // nine hex chars
		"sug_1771722000_A3F2B7C1",  // uppercase hex
		"sug_1771722000_a3f2b7g1",  // non hex letter
		"sug_1771722000_a3f2b7c1 ", // trailing space
	}
	for _, id := range bad {
		if ValidateID(id) {
			t.Errorf("ValidateID(%q) = true, want false", id)
		}
		if _, err := ParseIDType(id); err == nil {
			t.Errorf("ParseIDType(%q) succeeded on malformed id", id)
		}
		if _, err := ParseIDTimestamp(id); err == nil {
			t.Errorf("ParseIDTimestamp(%q) succeeded on malformed id", id)
		}
	}
}

func TestParseIDTimestamp_KnownValue(t *testing.T) {
	ts, err := ParseIDTimestamp("hlt_1771722000_00ff00ff")
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	if ts.Unix() != 1771722000 {
		t.Errorf("timestamp = %d, want 1771722000", ts.Unix())
	}
}
