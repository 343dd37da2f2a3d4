package risk

import (
	"context"
	"testing"
)

func TestStaticTableFallback(t *testing.T) {
	table := DefaultTable()

	cases := []struct {
		code  string
		want  float64
		found bool
	}{
		{"E11.9", SeverityHigh, true},
		{"e11.65", SeverityHigh, true},
		{"I10", SeverityMedium, true},
		{"C50.912", SeverityCritical, true},
		{"N186", SeverityCritical, true},
		{"R51", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			got, ok, err := table.Severity(context.Background(), tc.code)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tc.found || got != tc.want {
				t.Errorf("expected (%v, %v), got (%v, %v)", tc.want, tc.found, got, ok)
			}
		})
	}
}
