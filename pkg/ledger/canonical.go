package ledger

import "github.com/gowebpki/jcs"

// Canonicalize applies RFC 8785 (JCS) canonicalization to a JSON document.
// Hashes in Accord are always computed over canonical bytes so that every
// node derives the same hash for the same logical content. Exported for the
// statesync package, which chains snapshots the same way.
func Canonicalize(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}
