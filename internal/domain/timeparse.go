package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ParseTimestamp normalizes an inbound timestamp value to milliseconds
// since epoch. Accepted shapes: integer/float milliseconds (JSON number
// or numeric string) and ISO-8601 / RFC 3339 strings, which some HTTP
// clients still send.
func ParseTimestamp(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, fmt.Errorf("%w: missing timestamp", ErrInvalidArgument)
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: timestamp %q", ErrInvalidArgument, t.String())
		}
		return int64(f), nil
	case string:
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("%w: timestamp %q", ErrInvalidArgument, t)
	default:
		return 0, fmt.Errorf("%w: timestamp type %T", ErrInvalidArgument, v)
	}
}
