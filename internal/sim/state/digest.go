package state

import (
	"encoding/hex"

	"lukechampine.com/blake3"

	"worldsync/internal/sim/encoding"
)

func init() {
	encoding.RegisterSortedMap(map[string]*EntityState(nil))
}

// Digest hashes the canonical msgpack form of w. Equal worlds hash equally.
func (w *WorldState) Digest() (string, error) {
	b, err := encoding.Marshal(w)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
