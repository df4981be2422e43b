package crdt

import (
	"fmt"

	"collab-relay/internal/protocol"
)

// WriteSyncStep1 encodes a request for everything the peer has that we lack
func (d *Doc) WriteSyncStep1() []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(MessageStep1)
	enc.WriteVarUint8Array(d.StateVector())
	return enc.Bytes()
}

// WriteUpdate wraps a single update as a sync update message
func (d *Doc) WriteUpdate(update []byte) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(MessageUpdate)
	enc.WriteVarUint8Array(update)
	return enc.Bytes()
}

// ReadSyncMessage applies a sync sub-message. Step1 produces a step2 reply
// for the sender; step2 and update mutate the log and fire observers.
func (d *Doc) ReadSyncMessage(payload []byte, origin any) ([]byte, error) {
	dec := protocol.NewDecoder(payload)
	typ, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("crdt: sync message type: %w", err)
	}
	body, err := dec.ReadVarUint8Array()
	if err != nil {
		return nil, fmt.Errorf("crdt: sync message body: %w", err)
	}

	switch typ {
	case MessageStep1:
		missing, err := d.Diff(body)
		if err != nil {
			return nil, err
		}
		enc := protocol.NewEncoder()
		enc.WriteVarUint(MessageStep2)
		enc.WriteVarUint8Array(encodeBundle(missing))
		return enc.Bytes(), nil
	case MessageStep2:
		return nil, d.Restore(body, origin)
	case MessageUpdate:
		d.ApplyUpdate(body, origin)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w %d in document %s", ErrUnknownSyncMessage, typ, d.name)
	}
}
