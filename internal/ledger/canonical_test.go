package ledger

import (
	"encoding/json"
	"math"
	"testing"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"zebra": "z",
		"apple": "a",
		"mango": "m",
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"apple":"a","mango":"m","zebra":"z"}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestMarshalCanonical_Nested(t *testing.T) {
	got, err := MarshalCanonical(Document{
		"item": map[string]any{
			"id":    "abc",
			"count": 5,
			"tags":  []any{"b", "a"},
		},
		"ok": true,
		"no": nil,
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"item":{"count":5,"id":"abc","tags":["b","a"]},"no":null,"ok":true}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"fraction", 0.95, "0.95"},
		{"integral float", 3.0, "3"},
		{"json number trailing zero", json.Number("2.50"), "2.5"},
		{"json number exponent", json.Number("1e3"), "1000"},
		{"large exponent", 1e21, "1e+21"},
		{"small exponent", 1e-7, "1e-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			if err != nil {
				t.Fatalf("MarshalCanonical() failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MarshalCanonical(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := MarshalCanonical(map[string]any{"x": f}); err == nil {
			t.Errorf("MarshalCanonical(%v) should fail", f)
		}
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a&b>")
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if string(got) != `"<a&b>"` {
		t.Errorf("MarshalCanonical() = %s, want %s", got, `"<a&b>"`)
	}
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical("a\u2028b\u2029c")
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := "\"a\u2028b\u2029c\""
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_EscapedBackslashKept(t *testing.T) {
	got, err := MarshalCanonical(`x\u2028`)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `"x\\u2028"`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed, err := MarshalCanonical("e\u0301")
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	composed, err := MarshalCanonical("\u00e9")
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if string(decomposed) != string(composed) {
		t.Errorf("NFC mismatch: %q vs %q", decomposed, composed)
	}
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"\uFFFF":     2,
		"\U0001F600": 1,
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	// The surrogate pair (0xD83D...) sorts before 0xFFFF in UTF-16,
	// although its UTF-8 encoding sorts after.
	want := "{\"\U0001F600\":1,\"\uFFFF\":2}"
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %q, want %q", got, want)
	}
}

func TestMarshalCanonical_StructUsesJSONTags(t *testing.T) {
	got, err := MarshalCanonical(Lineage{
		DependsOnLedgerIDs: []string{"b", "a"},
		ExecutionID:        "exec-1",
	})
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"dependsOnLedgerIds":["b","a"],"executionId":"exec-1"}`
	if string(got) != want {
		t.Errorf("MarshalCanonical() = %s, want %s", got, want)
	}
}

func TestCanonicalEqual(t *testing.T) {
	a := Document{"x": 1, "y": map[string]any{"b": 2.0, "a": "s"}}
	b := map[string]any{"y": map[string]any{"a": "s", "b": 2}, "x": 1}

	eq, err := CanonicalEqual(a, b)
	if err != nil {
		t.Fatalf("CanonicalEqual() failed: %v", err)
	}
	if !eq {
		t.Error("expected canonical equality regardless of key order and integral float form")
	}

	eq, err = CanonicalEqual(a, map[string]any{"x": 2})
	if err != nil {
		t.Fatalf("CanonicalEqual() failed: %v", err)
	}
	if eq {
		t.Error("expected different documents to compare unequal")
	}
}
