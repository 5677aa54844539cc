package protocol

import (
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// AcceptTransferRequest reads and validates the first frame of a
// freshly upgraded connection, which must be a TransferRequest, per
// SPEC_FULL.md §4.6.2. It returns the files named in the request with
// FileID resolved per negotiated version (computed from Subpath on
// V1/V2, taken directly from the wire on V3+), ready for the caller
// (the Service façade) to build the incoming Transfer and register it
// with the Manager before constructing a Session.
func AcceptTransferRequest(conn *wire.Conn) (transferID string, files []*transfer.File, err error) {
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", nil, newError(StatusFramingError, "%v", err)
	}
	if frame.Kind != wire.FrameControl || frame.Control.TransferRequest == nil {
		return "", nil, newError(StatusBadRequest, "expected TransferRequest as the first frame")
	}

	req := frame.Control.TransferRequest
	if req.TransferID == "" {
		return "", nil, newError(StatusBadTransfer, "TransferRequest carries no transfer id")
	}

	files = make([]*transfer.File, 0, len(req.Files))
	for _, rf := range req.Files {
		id := rf.FileID
		if conn.Version() < wire.V3 || id == "" {
			id = DeriveFileID(rf.Subpath)
		}
		files = append(files, &transfer.File{ID: id, SubPath: rf.Subpath, Size: rf.Size})
	}

	return req.TransferID, files, nil
}
