package channel

import (
	"strconv"
	"strings"
	"time"
)

// Epoch values above this are interpreted as milliseconds; platforms disagree
// on the unit and none of them documents it on the wire.
const millisecondThreshold = int64(1e10)

// NormalizeTimestamp converts the timestamp encodings seen across platform
// webhooks (epoch seconds, epoch milliseconds, RFC3339 strings, and their
// JSON-number float forms) to a single UTC instant. Unrecognized or zero
// values fall back to now.
func NormalizeTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case int64:
		return fromEpoch(v)
	case int:
		return fromEpoch(int64(v))
	case float64:
		return fromEpoch(int64(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Now().UTC()
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpoch(n)
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		return time.Now().UTC()
	default:
		return time.Now().UTC()
	}
}

func fromEpoch(n int64) time.Time {
	if n <= 0 {
		return time.Now().UTC()
	}
	if n > millisecondThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
