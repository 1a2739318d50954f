package wire

import "errors"

// ErrTooShort is returned by DecodeRecord when a frame's payload is smaller
// than the fixed record header it claims to carry.
var ErrTooShort = errors.New("wire: frame shorter than fixed record header")

// ErrLengthMismatch is returned by DecodeRecord when the declared variable-region
// sizes do not sum to the remaining payload length.
var ErrLengthMismatch = errors.New("wire: variable region size mismatch")

// ErrBadDigestLength is returned when a WATCH/WATCH_CANCEL payload is not
// exactly the size of a key-hash.
var ErrBadDigestLength = errors.New("wire: digest payload has wrong length")

// ErrFrameTooLarge is returned by Encode when a record would overflow the
// 16-bit size fields used by the fixed header.
var ErrFrameTooLarge = errors.New("wire: record exceeds 16-bit field limits")
