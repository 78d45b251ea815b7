package entity

import (
	"encoding/base64"
	"strconv"
)

// Offset cursors are the pagination scheme for stores without native
// continuation tokens: an opaque base64 wrapping of the decimal row offset.
// Backends with real tokens pass those through instead.

// EncodeOffsetCursor produces an opaque cursor for a row offset.
// A non-positive offset yields the empty cursor.
func EncodeOffsetCursor(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodeOffsetCursor parses an offset cursor. Empty or malformed cursors
// decode to offset 0.
func DecodeOffsetCursor(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
