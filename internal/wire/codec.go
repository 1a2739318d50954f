package wire

import (
	"encoding/binary"
	"io"
)

// MsgType identifies the payload carried by a frame. Numeric values are
// assigned by this module and have no meaning outside it.
type MsgType uint16

const (
	MsgStore MsgType = iota + 1
	MsgIterate
	MsgWatch
	MsgWatchCancel
	MsgIterateRecord
	MsgIterateEnd
	MsgWatchRecord
)

func (t MsgType) String() string {
	switch t {
	case MsgStore:
		return "STORE"
	case MsgIterate:
		return "ITERATE"
	case MsgWatch:
		return "WATCH"
	case MsgWatchCancel:
		return "WATCH_CANCEL"
	case MsgIterateRecord:
		return "ITERATE_RECORD"
	case MsgIterateEnd:
		return "ITERATE_END"
	case MsgWatchRecord:
		return "WATCH_RECORD"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderSize is the {size, type} prefix common to every frame.
	HeaderSize = 4
	// DigestSize is the length of a key-hash (512 bits).
	DigestSize = 64
	// fixedRecordSize is the length of the record frame's fixed part:
	// key_size(2) + expiry(8) + peer_set(1) + peer(32) + subsystem_size(2)
	// + value_size(2) + options(1).
	fixedRecordSize = 2 + 8 + 1 + 32 + 2 + 2 + 1
)

// Encode serializes rec as a record-frame of the given message type
// (STORE, ITERATE query, ITERATE_RECORD or WATCH_RECORD).
func Encode(mt MsgType, rec Record) ([]byte, error) {
	if len(rec.Subsystem) > 0xFFFF || len(rec.Key) > 0xFFFF || len(rec.Value) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}

	total := HeaderSize + fixedRecordSize + len(rec.Subsystem) + len(rec.Key) + len(rec.Value)
	if total > 0xFFFF {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(mt))

	off := HeaderSize
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.Key)))
	off += 2
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(rec.ExpiryMicros))
	off += 8
	if rec.PeerSet {
		buf[off] = 1
	}
	off++
	copy(buf[off:off+32], rec.Peer[:])
	off += 32
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.Subsystem)))
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.Value)))
	off += 2
	buf[off] = byte(rec.Options)
	off++

	off += copy(buf[off:], rec.Subsystem)
	off += copy(buf[off:], rec.Key)
	copy(buf[off:], rec.Value)

	return buf, nil
}

// DecodeRecord parses the body (everything after the 4-byte header) of a
// record-frame. payload must already have been sliced to the frame's
// declared size.
func DecodeRecord(payload []byte) (Record, error) {
	if len(payload) < fixedRecordSize {
		return Record{}, ErrTooShort
	}

	off := 0
	keySize := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	expiry := int64(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8
	peerSet := payload[off] != 0
	off++
	var peer [32]byte
	copy(peer[:], payload[off:off+32])
	off += 32
	subSize := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	valSize := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	opts := Options(payload[off])
	off++

	variable := payload[off:]
	if int(subSize)+int(keySize)+int(valSize) != len(variable) {
		return Record{}, ErrLengthMismatch
	}

	subsystem := string(variable[:subSize])
	key := string(variable[subSize : subSize+keySize])
	value := append([]byte(nil), variable[subSize+keySize:]...)

	return Record{
		Subsystem:    subsystem,
		Peer:         peer,
		PeerSet:      peerSet,
		Key:          key,
		Value:        value,
		ExpiryMicros: expiry,
		Options:      opts,
	}, nil
}

// EncodeDigest serializes a key-hash as a WATCH or WATCH_CANCEL frame.
func EncodeDigest(mt MsgType, digest [DigestSize]byte) []byte {
	total := HeaderSize + DigestSize
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(mt))
	copy(buf[HeaderSize:], digest[:])
	return buf
}

// DecodeDigest parses a WATCH/WATCH_CANCEL payload into a key-hash.
func DecodeDigest(payload []byte) ([DigestSize]byte, error) {
	var out [DigestSize]byte
	if len(payload) != DigestSize {
		return out, ErrBadDigestLength
	}
	copy(out[:], payload)
	return out, nil
}

// EncodeEmpty serializes a header-only frame (ITERATE_END with no error).
func EncodeEmpty(mt MsgType) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(HeaderSize))
	binary.BigEndian.PutUint16(buf[2:4], uint16(mt))
	return buf
}

// EncodeEmsg serializes a header plus a UTF-8 error string: the same frame
// type as EncodeEmpty, but carrying a non-empty payload the client
// interprets as end-of-stream-with-error rather than a protocol violation.
func EncodeEmsg(mt MsgType, emsg string) []byte {
	if emsg == "" {
		return EncodeEmpty(mt)
	}
	total := HeaderSize + len(emsg)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(mt))
	copy(buf[HeaderSize:], emsg)
	return buf
}

// DecodeEmsg returns the error string carried by an ITERATE_END frame's
// payload, or "" if the stream ended without error.
func DecodeEmsg(payload []byte) string {
	return string(payload)
}

// ReadFrame reads one length-prefixed frame from r and returns its message
// type and payload (the bytes following the 4-byte header). It never holds
// onto r's internal buffers beyond the call.
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint16(hdr[0:2])
	mt := MsgType(binary.BigEndian.Uint16(hdr[2:4]))
	if size < HeaderSize {
		return mt, nil, ErrTooShort
	}
	payload := make([]byte, size-HeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return mt, nil, err
		}
	}
	return mt, payload, nil
}

// WriteFrame writes a pre-encoded frame (as produced by Encode/EncodeDigest/
// EncodeEmpty) to w in full.
func WriteFrame(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}
