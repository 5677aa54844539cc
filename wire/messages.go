package wire

import (
	"encoding/json"
	"fmt"
)

// RequestedFile names one file in a TransferRequest. Subpath is always
// present for display; FileID is populated by the sender on V3+ and
// left empty on V1/V2, where the receiver derives it from Subpath.
type RequestedFile struct {
	Subpath string `json:"subpath"`
	FileID  string `json:"file_id,omitempty"`
	Size    int64  `json:"size"`
}

// TransferRequest is the initial message naming every file offered.
type TransferRequest struct {
	TransferID string          `json:"transfer_id"`
	Files      []RequestedFile `json:"files"`
}

// Start is sent server→client to tell the sender to begin an upload (or
// resume one) at Offset; V1/V2 always start at 0.
type Start struct {
	File   string `json:"file"`
	Offset int64  `json:"offset,omitempty"`
}

// Cancel aborts a single file, from either side.
type Cancel struct {
	File string `json:"file"`
}

// Reject is the V3+ wire message for declining a file before it
// starts; V1/V2 send Cancel instead (see wire.Version.SupportsReject).
type Reject struct {
	File string `json:"file"`
}

// Progress reports cumulative bytes transferred for one file.
type Progress struct {
	File            string `json:"file"`
	BytesTransfered int64  `json:"bytes_transfered"`
}

// Done is sent by the receiver once a file's bytes have been received,
// validated and moved into place; the sender waits for it to complete
// the upload.
type Done struct {
	File            string `json:"file"`
	BytesTransfered int64  `json:"bytes_transfered"`
}

// Error carries a protocol or I/O error, optionally scoped to one file;
// a zero-value File means the whole transfer failed.
type Error struct {
	File string `json:"file,omitempty"`
	Msg  string `json:"msg"`
}

// ReqChsum asks the peer to compute and report the checksum of the
// first Limit bytes of a file (V3+, used for resume validation).
type ReqChsum struct {
	File  string `json:"file"`
	Limit int64  `json:"limit"`
}

// ReportChsum answers a ReqChsum with the raw 32-byte SHA-256 digest.
type ReportChsum struct {
	File     string `json:"file"`
	Limit    int64  `json:"limit"`
	Checksum []byte `json:"checksum"`
}

// Control is the externally-tagged JSON envelope for every V1+ control
// message: exactly one field is non-nil, matching the
// "JSON, tagged by top-level field name" wire format from
// SPEC_FULL.md §6.1.
type Control struct {
	TransferRequest *TransferRequest `json:"TransferRequest,omitempty"`
	Start           *Start           `json:"Start,omitempty"`
	Cancel          *Cancel          `json:"Cancel,omitempty"`
	Reject          *Reject          `json:"Reject,omitempty"`
	Progress        *Progress        `json:"Progress,omitempty"`
	Done            *Done            `json:"Done,omitempty"`
	Error           *Error           `json:"Error,omitempty"`
	ReqChsum        *ReqChsum        `json:"ReqChsum,omitempty"`
	ReportChsum     *ReportChsum     `json:"ReportChsum,omitempty"`
}

// variantCount returns how many of Control's fields are set, used to
// reject malformed multi-tag or empty envelopes.
func (c Control) variantCount() int {
	n := 0
	for _, set := range []bool{
		c.TransferRequest != nil, c.Start != nil, c.Cancel != nil,
		c.Reject != nil, c.Progress != nil, c.Done != nil,
		c.Error != nil, c.ReqChsum != nil, c.ReportChsum != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Validate reports an error if Control doesn't carry exactly one variant.
func (c Control) Validate() error {
	switch n := c.variantCount(); {
	case n == 0:
		return fmt.Errorf("wire: control message carries no variant")
	case n > 1:
		return fmt.Errorf("wire: control message carries %d variants, want 1", n)
	}
	return nil
}

// EncodeControl marshals msg to the JSON bytes sent as a text frame.
func EncodeControl(msg Control) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeControl parses a text frame's payload into a Control.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("wire: decode control: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Control{}, err
	}
	return c, nil
}
