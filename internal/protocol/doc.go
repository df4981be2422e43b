// Package protocol implements the relay's wire framing.
//
// Every message on a relay connection is a varint type tag followed by a
// type-specific payload. Sync payloads are opaque and handed to the CRDT
// collaborator; awareness payloads are decoded by the awareness package.
// The varint and byte-array primitives follow the lib0 layout used by
// Yjs clients.
package protocol
