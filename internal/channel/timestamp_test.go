package channel_test

import (
	"testing"
	"time"

	"github.com/irisorigin/iris/internal/channel"
)

func TestNormalizeTimestamp(t *testing.T) {
	t.Parallel()
	want := time.Date(2025, 1, 17, 9, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		raw  any
	}{
		{"epoch seconds int64", want.Unix()},
		{"epoch seconds float", float64(want.Unix())},
		{"epoch millis", want.UnixMilli()},
		{"epoch seconds string", "1737106200"},
		{"epoch millis string", "1737106200000"},
		{"rfc3339", "2025-01-17T09:30:00Z"},
		{"rfc3339 with offset", "2025-01-17T16:30:00+07:00"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := channel.NormalizeTimestamp(tc.raw)
			if !got.Equal(want) {
				t.Fatalf("NormalizeTimestamp(%v) = %v, want %v", tc.raw, got, want)
			}
			if got.Location() != time.UTC {
				t.Fatalf("NormalizeTimestamp(%v) location = %v, want UTC", tc.raw, got.Location())
			}
		})
	}
}

func TestNormalizeTimestamp_Unrecognized(t *testing.T) {
	t.Parallel()
	before := time.Now().Add(-time.Minute)
	for _, raw := range []any{nil, "", "not-a-time", int64(0), struct{}{}} {
		got := channel.NormalizeTimestamp(raw)
		if got.Before(before) {
			t.Fatalf("NormalizeTimestamp(%v) = %v, want fallback near now", raw, got)
		}
	}
}
