package codec

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// digestKey separates body digests from any other BLAKE3 use. Changing
// it only invalidates the in-memory no-op update check.
var digestKey = [32]byte{
	'c', 'a', 's', '.', 't', 'i', 'c', 'k', 'e', 't', '.', 'b', 'o', 'd', 'y',
}

// Digest returns the hex keyed BLAKE3 digest of a serialized body. Since
// bodies are deterministic, equal digests mean equal tickets.
func Digest(body []byte) string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("codec: blake3 keyed hasher: " + err.Error())
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
