// Package wire implements the peer-attribute store's on-the-stream frame
// format: message headers, the fixed/variable record layout, and the
// key-hash used to address watchers and composite keys.
package wire

// Options selects the conflict-resolution behavior of a STORE request.
type Options uint8

const (
	// OptionsReplace deletes any existing record sharing the same
	// composite key before inserting the new one.
	OptionsReplace Options = iota
	// OptionsMultiple allows several records to share one composite key.
	OptionsMultiple
)

func (o Options) String() string {
	switch o {
	case OptionsReplace:
		return "REPLACE"
	case OptionsMultiple:
		return "MULTIPLE"
	default:
		return "UNKNOWN"
	}
}

// Record is the decoded form of a record frame: the payload of STORE,
// ITERATE (as a query), ITERATE_RECORD and WATCH_RECORD messages.
type Record struct {
	Subsystem string
	Peer      [32]byte
	PeerSet   bool
	Key       string
	Value     []byte
	// ExpiryMicros is an absolute epoch timestamp in microseconds. Zero
	// means "unset" (only valid on queries).
	ExpiryMicros int64
	Options      Options
}

// KeySet reports whether Key carries a concrete (non-wildcard) value.
// A zero-length Key on an ITERATE query means "match any key".
func (r Record) KeySet() bool { return r.Key != "" }
