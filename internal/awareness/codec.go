package awareness

import (
	"encoding/json"
	"fmt"
	"strings"

	"collab-relay/internal/protocol"
)

const nullState = "null"

// Encode writes entries in the y-protocols awareness update layout:
//
//	varuint count
//	count × (varuint clientID, varuint clock, varstring JSON state)
//
// Tombstones are written as the JSON literal null.
func Encode(entries []Entry) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		enc.WriteVarUint(e.ClientID)
		enc.WriteVarUint(e.Clock)
		if e.IsTombstone() {
			enc.WriteVarString(nullState)
		} else {
			enc.WriteVarString(string(e.State))
		}
	}
	return enc.Bytes()
}

// Decode parses an awareness update. States must be valid JSON.
func Decode(payload []byte) ([]Entry, error) {
	dec := protocol.NewDecoder(payload)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("awareness: read count: %w", err)
	}
	// every entry needs at least three bytes
	if n > uint64(len(payload)) {
		return nil, fmt.Errorf("awareness: count %d exceeds payload: %w", n, protocol.ErrUnexpectedEOF)
	}

	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d client id: %w", i, err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d clock: %w", i, err)
		}
		raw, err := dec.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d state: %w", i, err)
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("awareness: entry %d state is not valid JSON", i)
		}

		e := Entry{ClientID: id, Clock: clock}
		if strings.TrimSpace(raw) != nullState {
			e.State = json.RawMessage(raw)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
