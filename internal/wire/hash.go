package wire

import (
	"encoding/json"
	"fmt"
)

// HashVersion identifies the content hash used for Text and Object change
// detection. Bump it if HashText or the canonical Object encoding changes.
const HashVersion = 1

// HashText is a base-31 polynomial hash over the UTF-8 bytes of s, folded from
// the last byte to the first with wrapping int64 arithmetic:
//
//	h = 0; for i := len(s)-1; i >= 0; i-- { h = h*31 + s[i] }
//
// Equal hashes are treated as "unchanged", so a collision suppresses an update.
func HashText(s string) int64 {
	var h int64
	for i := len(s) - 1; i >= 0; i-- {
		h = h*31 + int64(s[i])
	}
	return h
}

// HashObject hashes the canonical JSON encoding of o (keys sorted at every
// nesting level).
func HashObject(o Object) int64 {
	b, err := json.Marshal(o)
	if err != nil {
		// Unencodable members (channels, funcs) still need a stable fingerprint.
		return HashText(fmt.Sprint(map[string]any(o)))
	}
	return HashText(string(b))
}
