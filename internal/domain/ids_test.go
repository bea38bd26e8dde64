package domain

import (
	"encoding/json"
	"testing"
)

func TestParseIDListAcceptsDoubleEncoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want IDList
	}{
		{name: "plain", raw: `[1,2,3]`, want: IDList{1, 2, 3}},
		{name: "double encoded", raw: `"[4,5]"`, want: IDList{4, 5}},
		{name: "empty", raw: ``, want: IDList{}},
		{name: "null", raw: `null`, want: IDList{}},
		{name: "empty string", raw: `""`, want: IDList{}},
		{name: "spaces", raw: "  [7] \n", want: IDList{7}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseIDList(tt.raw)
			if err != nil {
				t.Fatalf("ParseIDList(%q) error: %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseIDList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParseIDList(%q) = %v, want %v", tt.raw, got, tt.want)
				}
			}
		})
	}
}

func TestParseIDListRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`{"a":1}`, `"not json"`, `[1,"x"]`} {
		if _, err := ParseIDList(raw); err == nil {
			t.Fatalf("ParseIDList(%q) expected error", raw)
		}
	}
}

func TestIDListJSONFieldInsideStruct(t *testing.T) {
	t.Parallel()
	var g struct {
		IDs IDList `json:"scenario_ids"`
	}
	if err := json.Unmarshal([]byte(`{"scenario_ids":"[2,9]"}`), &g); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(g.IDs) != 2 || g.IDs[0] != 2 || g.IDs[1] != 9 {
		t.Fatalf("IDs = %v", g.IDs)
	}
	if got := IDList(nil).Encode(); got != "[]" {
		t.Fatalf("nil Encode = %q", got)
	}
}

func TestIDListSetOperations(t *testing.T) {
	t.Parallel()
	a := IDList{1, 2}
	b := IDList{2, 3}
	if a.Nested(b) {
		t.Fatal("{1,2} and {2,3} must not be nested")
	}
	if !a.Overlaps(b) {
		t.Fatal("{1,2} and {2,3} overlap")
	}
	if !(IDList{2}).Nested(a) || !a.Nested(IDList{2}) {
		t.Fatal("{2} is nested in {1,2} both ways")
	}
	u := b.Union(a)
	if u.Encode() != "[1,2,3]" {
		t.Fatalf("Union = %s", u.Encode())
	}
	h := a.Append(9)
	if h.Encode() != "[1,2,9]" || a.Encode() != "[1,2]" {
		t.Fatalf("Append mutated input or wrong result: %s %s", h.Encode(), a.Encode())
	}
}

func TestResolutionTargets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		res  Resolution
		want AlertStatus
	}{
		{ResolutionBug, AlertAwaitingFix},
		{ResolutionNeedsDev, AlertAwaitingFix},
		{ResolutionConfig, AlertAwaitingFix},
		{ResolutionScriptFix, AlertAwaitingTestUpdate},
		{ResolutionScenarioFix, AlertAwaitingTestUpdate},
		{ResolutionNAB, AlertClosed},
		{ResolutionDuplicate, AlertClosed},
		{ResolutionCantReproduce, AlertClosed},
	}
	for _, tt := range tests {
		got, ok := tt.res.TargetStatus()
		if !ok || got != tt.want {
			t.Fatalf("%s -> %s (ok=%v), want %s", tt.res, got, ok, tt.want)
		}
	}
	if _, err := ParseResolution("fixed"); err == nil {
		t.Fatal("expected error for unknown resolution")
	}
	if r, err := ParseResolution(" nab "); err != nil || r != ResolutionNAB {
		t.Fatalf("ParseResolution(nab) = %q, %v", r, err)
	}
}
