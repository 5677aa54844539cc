package protocol

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/dropsync/dropsync/transfer"
)

// DeriveFileID computes the V1/V2 file_id: base64-url-no-pad of
// SHA-256(subpath). V3+ senders instead choose an opaque file_id
// directly and the subpath becomes cosmetic (SPEC_FULL.md §6.1).
func DeriveFileID(subpath string) transfer.FileID {
	sum := sha256.Sum256([]byte(subpath))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
