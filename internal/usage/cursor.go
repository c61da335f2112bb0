package usage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeCursor encodes a timestamp and id into an opaque cursor string.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes an opaque cursor string into a timestamp and id.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}

// Page trims a result set fetched with limit+1 rows and returns the cursor for
// the next page, or "" when there is none. A non-positive limit means
// DefaultLimit.
func Page(records []*Record, limit int) ([]*Record, string) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(records) <= limit {
		return records, ""
	}
	last := records[limit-1]
	return records[:limit], EncodeCursor(last.CreatedAt, last.ID)
}
