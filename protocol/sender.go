package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dropsync/dropsync/checksum"
	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/filechunk"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// runSender drives the client/sender role for an outgoing transfer: it
// names the offered files, then answers whatever the receiver asks for
// (Start, Cancel, Reject, ReqChsum) for the lifetime of the connection.
//
// Grounded on original_source/drop-transfer/src/ws/client/v2.rs's
// HandlerInit->HandlerLoop pairing, collapsed into one loop since Go's
// goroutine-per-file model doesn't need the separate state-holding
// struct per phase that the Rust client uses.
func (s *Session) runSender(ctx context.Context) error {
	if err := s.sendTransferRequest(); err != nil {
		return err
	}

	loopErr := s.readLoop(ctx, true, func(f wire.Frame) error {
		if f.Kind != wire.FrameControl {
			return newError(StatusFramingError, "sender received an unexpected chunk frame")
		}
		return s.handleSenderControl(ctx, f.Control)
	})

	waitErr := s.group.Wait()
	if loopErr != nil {
		return loopErr
	}
	return waitErr
}

func (s *Session) sendTransferRequest() error {
	files := make([]wire.RequestedFile, 0, len(s.Xfer.Files))
	for _, f := range s.Xfer.Files {
		rf := wire.RequestedFile{Subpath: f.SubPath, Size: f.Size}
		if s.Conn.Version() >= wire.V3 {
			rf.FileID = f.ID
		}
		files = append(files, rf)
	}
	return s.Conn.WriteControl(wire.Control{TransferRequest: &wire.TransferRequest{
		TransferID: s.Xfer.ID.String(),
		Files:      files,
	}})
}

func (s *Session) handleSenderControl(ctx context.Context, c wire.Control) error {
	switch {
	case c.Start != nil:
		return s.handleStart(s.resolveWireID(c.Start.File), c.Start.Offset)
	case c.Cancel != nil:
		s.handlePeerCancelUpload(s.resolveWireID(c.Cancel.File))
		return nil
	case c.Reject != nil:
		s.handlePeerRejectUpload(s.resolveWireID(c.Reject.File))
		return nil
	case c.ReqChsum != nil:
		return s.handleReqChsum(s.resolveWireID(c.ReqChsum.File), c.ReqChsum.Limit)
	case c.Progress != nil:
		s.handlePeerProgress(s.resolveWireID(c.Progress.File), c.Progress.BytesTransfered)
		return nil
	case c.Done != nil:
		s.deliverSignal(s.resolveWireID(c.Done.File), wire.Frame{Kind: wire.FrameControl, Control: c})
		return nil
	case c.Error != nil:
		s.deliverSignal(s.resolveWireID(c.Error.File), wire.Frame{Kind: wire.FrameControl, Control: c})
		return nil
	default:
		return newError(StatusBadRequest, "sender received an unexpected control variant")
	}
}

func (s *Session) handleStart(fileID transfer.FileID, offset int64) error {
	file, ok := s.Xfer.File(fileID)
	if !ok {
		return newError(StatusBadFileID, "Start for unknown file %s", fileID)
	}
	if err := s.Manager.EnsureFileNotRejected(s.Xfer.ID, fileID); err != nil {
		return nil // stale Start for a file rejected locally in the meantime
	}

	s.spawnTask(fileID, func(taskCtx context.Context) error {
		return s.uploadFile(taskCtx, file, offset)
	})
	return nil
}

func (s *Session) handleReqChsum(fileID transfer.FileID, limit int64) error {
	file, ok := s.Xfer.File(fileID)
	if !ok {
		return newError(StatusBadFileID, "ReqChsum for unknown file %s", fileID)
	}
	digest, err := checksum.SumLimit(filepath.Join(file.BaseDir, file.SubPath), limit)
	if err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}
	return s.Conn.WriteControl(wire.Control{ReportChsum: &wire.ReportChsum{
		File: s.wireID(file), Limit: limit, Checksum: digest[:],
	}})
}

// handlePeerProgress records the receiver's periodic Progress report,
// sent on every successful download (not only resumes), as a
// FileUploadProgress-equivalent host event. Grounded on
// original_source/drop-transfer/src/ws/client/v2.rs's Client::on_progress.
func (s *Session) handlePeerProgress(fileID transfer.FileID, bytesSoFar int64) {
	s.Bus.Publish(events.Event{
		Kind: events.FileProgress, TransferID: s.Xfer.ID, FileID: fileID,
		Direction: transfer.Outgoing, BytesSoFar: bytesSoFar, At: time.Now(),
	})
}

func (s *Session) handlePeerCancelUpload(fileID transfer.FileID) {
	if s.cancelTask(fileID, &taskAbort{byPeer: true}) {
		return // the running task's own ctx.Done() branch finalizes
	}
	if file, ok := s.Xfer.File(fileID); ok {
		_ = s.finalizeCancel(file, 0, true)
	}
}

func (s *Session) handlePeerRejectUpload(fileID transfer.FileID) {
	running := s.cancelTask(fileID, &taskAbort{rejected: true, byPeer: true})
	if _, err := s.Manager.RejectFile(s.Xfer.ID, fileID); err != nil || running {
		return
	}
	if file, ok := s.Xfer.File(fileID); ok {
		_ = s.finalizeReject(file, true)
	}
}

// uploadFile streams one file's bytes starting at offset (0 unless the
// receiver requested a resume), then waits for the receiver's Done or
// Error before declaring the file complete or failed.
func (s *Session) uploadFile(ctx context.Context, file *transfer.File, offset int64) error {
	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileStarted, BytesSoFar: offset}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileUploadStarted, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: transfer.Outgoing, BytesSoFar: offset, At: time.Now(),
	})

	reader, err := filechunk.Open(filepath.Join(file.BaseDir, file.SubPath))
	if err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}
	defer reader.Close()

	if offset > 0 {
		if err := reader.Seek(offset); err != nil {
			return s.finalizeFailed(file, StatusBadRequest, err, true)
		}
	}

	sig := s.signalChan(file.ID)
	sent := offset

	for {
		select {
		case <-ctx.Done():
			return s.abortUpload(ctx, file, sent)
		default:
		}

		chunk, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status := StatusBadPath
			switch {
			case errors.Is(err, filechunk.ErrFileModified):
				status = StatusFileModified
			case errors.Is(err, filechunk.ErrMismatchedSize):
				status = StatusMismatchedSize
			}
			return s.finalizeFailed(file, status, err, true)
		}

		if err := s.Conn.WriteChunk(s.wireID(file), chunk); err != nil {
			return newError(StatusFramingError, "write chunk for %s: %v", file.ID, err)
		}
		sent += int64(len(chunk))
	}

	return s.awaitUploadOutcome(ctx, file, sent, sig)
}

func (s *Session) signalChan(fileID transfer.FileID) chan wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[fileID]
}

func (s *Session) abortUpload(ctx context.Context, file *transfer.File, sent int64) error {
	abort, _ := context.Cause(ctx).(*taskAbort)
	return s.finalizeAbort(file, abort, sent)
}

func (s *Session) awaitUploadOutcome(ctx context.Context, file *transfer.File, sent int64, sig <-chan wire.Frame) error {
	select {
	case <-ctx.Done():
		return s.abortUpload(ctx, file, sent)
	case f := <-sig:
		c := f.Control
		switch {
		case c.Done != nil:
			if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileCompleted}); err != nil {
				return err
			}
			s.Bus.Publish(events.Event{
				Kind: events.FileUploadComplete, TransferID: s.Xfer.ID, FileID: file.ID,
				Direction: transfer.Outgoing, BytesSoFar: sent, At: time.Now(),
			})
			return nil
		case c.Error != nil:
			return s.finalizeFailed(file, StatusBadTransferState, fmt.Errorf("%s", c.Error.Msg), false)
		default:
			return newError(StatusBadRequest, "unexpected control awaiting upload outcome for %s", file.ID)
		}
	}
}
