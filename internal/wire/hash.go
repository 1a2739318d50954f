package wire

import "golang.org/x/crypto/sha3"

// HashKey computes the 512-bit digest of a composite key
// (subsystem, peer, key), feeding subsystem‖NUL, the 32 raw peer bytes and
// key‖NUL into the project's digest primitive. The NUL terminators are
// semantically meaningful and must never be dropped: this is the one piece
// of the wire format that is also a stability contract across versions.
func HashKey(subsystem string, peer [32]byte, key string) [DigestSize]byte {
	h := sha3.New512()
	h.Write([]byte(subsystem))
	h.Write([]byte{0})
	h.Write(peer[:])
	h.Write([]byte(key))
	h.Write([]byte{0})

	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashRecord is a convenience wrapper around HashKey for an already-decoded
// Record.
func HashRecord(rec Record) [DigestSize]byte {
	return HashKey(rec.Subsystem, rec.Peer, rec.Key)
}
