package protocol

// MessageType is the outer discriminant of every relay frame
type MessageType uint64

const (
	// MessageSync carries an opaque CRDT sync payload
	MessageSync MessageType = 0
	// MessageAwareness carries a list of awareness entries
	MessageAwareness MessageType = 1
	// MessageAuth is reserved by clients; the relay ignores it
	MessageAuth MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// EncodeFrame prefixes payload with its type tag.
//
// Frame layout: [type: varuint][payload: type-specific bytes]
func EncodeFrame(t MessageType, payload []byte) []byte {
	enc := NewEncoder()
	enc.WriteVarUint(uint64(t))
	enc.WriteRaw(payload)
	return enc.Bytes()
}

// DecodeFrame splits a frame into its type tag and payload.
// Unknown tags are returned as-is; callers decide to ignore them.
func DecodeFrame(msg []byte) (MessageType, []byte, error) {
	dec := NewDecoder(msg)
	t, err := dec.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	return MessageType(t), dec.Remaining(), nil
}
