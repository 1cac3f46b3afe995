package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent calculates the BLAKE3 hash of the given content.
func HashContent(content []byte) string {
	hash := blake3.Sum256(content)
	return hex.EncodeToString(hash[:])
}
