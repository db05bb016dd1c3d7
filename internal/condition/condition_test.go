package condition

import "testing"

func mustParse(t *testing.T, raw string) *Node {
	t.Helper()
	n, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return n
}

func TestNilMatchesEverything(t *testing.T) {
	var n *Node
	if !n.Matches(map[string]any{"amount": 1}) {
		t.Fatalf("nil condition should match")
	}
	if !mustParse(t, "").Matches(nil) && mustParse(t, "") != nil {
		t.Fatalf("blank condition should parse to nil")
	}
}

func TestComparisons(t *testing.T) {
	ctx := map[string]any{"amount": float64(50), "vendor": "acme"}
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"field":"amount","op":"lt","value":100}`, true},
		{`{"field":"amount","op":"lt","value":50}`, false},
		{`{"field":"amount","op":"lte","value":50}`, true},
		{`{"field":"amount","op":"gt","value":49}`, true},
		{`{"field":"amount","op":"gte","value":51}`, false},
		{`{"field":"vendor","op":"eq","value":"acme"}`, true},
		{`{"field":"vendor","op":"ne","value":"acme"}`, false},
		{`{"field":"vendor","op":"in","value":["acme","globex"]}`, true},
		{`{"field":"vendor","op":"contains","value":"cm"}`, true},
		{`{"field":"missing","op":"eq","value":1}`, false},
		{`{"field":"missing","op":"exists"}`, false},
		{`{"field":"amount","op":"exists"}`, true},
		{`{"field":"missing","op":"exists","value":false}`, true},
	}
	for _, tc := range cases {
		if got := mustParse(t, tc.raw).Matches(ctx); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestCombinators(t *testing.T) {
	ctx := map[string]any{"amount": float64(500), "department": "ops"}
	all := `{"all":[{"field":"amount","op":"gte","value":100},{"field":"department","op":"eq","value":"ops"}]}`
	if !mustParse(t, all).Matches(ctx) {
		t.Fatalf("all should match")
	}
	anyOf := `{"any":[{"field":"amount","op":"lt","value":100},{"field":"department","op":"eq","value":"ops"}]}`
	if !mustParse(t, anyOf).Matches(ctx) {
		t.Fatalf("any should match")
	}
	not := `{"not":{"field":"department","op":"eq","value":"ops"}}`
	if mustParse(t, not).Matches(ctx) {
		t.Fatalf("not should fail")
	}
}

func TestIntContextValues(t *testing.T) {
	// contexts built in Go code carry ints, not float64
	n := mustParse(t, `{"field":"amount","op":"lt","value":100}`)
	if !n.Matches(map[string]any{"amount": 50}) {
		t.Fatalf("int 50 < 100 should match")
	}
}

func TestValidateRejectsBadTrees(t *testing.T) {
	bad := []string{
		`{"field":"x","op":"almost"}`,
		`{"op":"eq","value":1}`,
		`{"all":[{"field":"x","op":"eq","value":1}],"field":"y","op":"eq","value":2}`,
	}
	for _, raw := range bad {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected parse error for %s", raw)
		}
	}
}
