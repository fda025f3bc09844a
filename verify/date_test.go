package verify

import (
	"testing"
	"time"
)

func TestParsePDFDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"D:20260829120000", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)},
		{"D:20260829120000Z", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)},
		{"D:20260829120000-07'00'", time.Date(2026, 8, 29, 12, 0, 0, 0, time.FixedZone("", -7*3600))},
		{"D:20260829120000+05'30'", time.Date(2026, 8, 29, 12, 0, 0, 0, time.FixedZone("", 5*3600+30*60))},
		{"D:20260829120000+02'", time.Date(2026, 8, 29, 12, 0, 0, 0, time.FixedZone("", 2*3600))},
	}
	for _, tc := range cases {
		got, err := parsePDFDate(tc.in)
		if err != nil {
			t.Errorf("parsePDFDate(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parsePDFDate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parsePDFDate("yesterday"); err == nil {
		t.Error("parsePDFDate accepted a non-date string")
	}
}
