package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeChunk builds a binary chunk frame payload: a 4-byte big-endian
// length-prefixed identifier followed by the raw file data. On V2 id is
// the subpath; on V3+ it is the file_id. The wire format is identical
// either way, per SPEC_FULL.md §6.1 — only the meaning of the string
// changes across versions, which is the Protocol Engine's concern, not
// this codec's.
func EncodeChunk(id string, data []byte) []byte {
	out := make([]byte, 4+len(id)+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(id)))
	copy(out[4:4+len(id)], id)
	copy(out[4+len(id):], data)
	return out
}

// DecodeChunk splits a binary chunk frame payload back into its
// identifier and data.
func DecodeChunk(payload []byte) (id string, data []byte, err error) {
	if len(payload) < 4 {
		return "", nil, fmt.Errorf("wire: chunk payload too short: %d bytes", len(payload))
	}
	idLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(4+idLen) > uint64(len(payload)) {
		return "", nil, fmt.Errorf("wire: chunk payload id length %d exceeds frame size %d", idLen, len(payload))
	}
	id = string(payload[4 : 4+idLen])
	data = payload[4+idLen:]
	return id, data, nil
}
