package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/checksum"
	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// tempSuffix names the sibling file a download is written to before it
// is known to be complete and verified.
const tempSuffix = ".dropdl-part"

// runReceiver drives the server/receiver role for an incoming transfer.
// The transfer-request handshake itself happens before a Session
// exists (see AcceptTransferRequest); by the time Run is called the
// receiver only reacts to local Download/Cancel/Reject calls and to
// whatever the sender sends back for files already started.
//
// Grounded on original_source/drop-transfer/src/ws/server/v2.rs and
// v4.rs's per-file job map, generalized from a state struct per
// connection phase to one goroutine per file coordinated through
// Session's signal channels.
func (s *Session) runReceiver(ctx context.Context) error {
	loopErr := s.readLoop(ctx, false, func(f wire.Frame) error {
		return s.handleReceiverFrame(f)
	})

	waitErr := s.group.Wait()
	if loopErr != nil {
		return loopErr
	}
	return waitErr
}

func (s *Session) handleReceiverFrame(f wire.Frame) error {
	if f.Kind == wire.FrameChunk {
		s.deliverSignal(s.resolveWireID(f.ChunkID), f)
		return nil
	}

	c := f.Control
	switch {
	case c.Cancel != nil:
		s.handlePeerCancelDownload(s.resolveWireID(c.Cancel.File))
		return nil
	case c.Reject != nil:
		s.handlePeerRejectDownload(s.resolveWireID(c.Reject.File))
		return nil
	case c.ReportChsum != nil:
		s.deliverSignal(s.resolveWireID(c.ReportChsum.File), f)
		return nil
	case c.Error != nil:
		s.deliverSignal(s.resolveWireID(c.Error.File), f)
		return nil
	default:
		return newError(StatusBadRequest, "receiver received an unexpected control variant")
	}
}

func (s *Session) handlePeerCancelDownload(fileID transfer.FileID) {
	if s.cancelTask(fileID, &taskAbort{byPeer: true}) {
		return
	}
	if file, ok := s.Xfer.File(fileID); ok {
		_ = s.finalizeCancel(file, 0, true)
	}
}

func (s *Session) handlePeerRejectDownload(fileID transfer.FileID) {
	running := s.cancelTask(fileID, &taskAbort{rejected: true, byPeer: true})
	if _, err := s.Manager.RejectFile(s.Xfer.ID, fileID); err != nil || running {
		return
	}
	if file, ok := s.Xfer.File(fileID); ok {
		_ = s.finalizeReject(file, true)
	}
}

// Download is the host-facing API call that begins receiving one file
// of the transfer into parentDir: it checks that the file belongs to the
// transfer and is not rejected, and applies the Manager's
// directory-mapping rule, before handing off to the per-file download
// sub-task. The escape and symlink path-hygiene checks are not done
// here; service.Service.Download runs them before calling this.
func (s *Session) Download(fileID transfer.FileID, parentDir string) error {
	file, ok := s.Xfer.File(fileID)
	if !ok {
		return newError(StatusBadFileID, "download: unknown file %s", fileID)
	}
	if err := s.Manager.EnsureFileNotRejected(s.Xfer.ID, fileID); err != nil {
		return newError(StatusRejected, "download: %v", err)
	}

	finalPath, err := s.Manager.ApplyDirMapping(s.Xfer.ID, parentDir, file.SubPath)
	if err != nil {
		return newError(StatusBadPath, "%v", err)
	}

	s.spawnTask(fileID, func(taskCtx context.Context) error {
		return s.downloadFile(taskCtx, file, finalPath)
	})
	return nil
}

// downloadFile drives one file's Init -> Transferring -> Validating ->
// Completed/Failed state machine from SPEC_FULL.md §4.6.3/§4.6.4.
func (s *Session) downloadFile(ctx context.Context, file *transfer.File, finalPath string) error {
	tempPath := filepath.Join(filepath.Dir(finalPath), file.ID+tempSuffix)
	sig := s.signalChan(file.ID)

	offset, err := s.resolveResumeOffset(ctx, file, tempPath, sig)
	if err != nil {
		if abort, ok := err.(*taskAbort); ok {
			return s.finalizeAbort(file, abort, 0)
		}
		return s.finalizeFailed(file, StatusBadTransferState, err, true)
	}

	f, err := openTempFile(tempPath, offset)
	if err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}
	defer f.Close()

	if err := s.Conn.WriteControl(wire.Control{Start: &wire.Start{File: s.wireID(file), Offset: offset}}); err != nil {
		return newError(StatusFramingError, "send Start for %s: %v", file.ID, err)
	}

	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileStarted, BaseDir: filepath.Dir(finalPath)}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileDownloadStarted, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: transfer.Incoming, BaseDir: filepath.Dir(finalPath), BytesSoFar: offset, At: time.Now(),
	})

	received, err := s.receiveChunks(ctx, file, f, offset, sig)
	if err != nil {
		if abort, ok := err.(*taskAbort); ok {
			return s.finalizeAbort(file, abort, received)
		}
		return s.finalizeFailed(file, StatusFramingError, err, true)
	}

	return s.validateAndComplete(ctx, file, f, tempPath, finalPath, received, sig)
}

// resolveResumeOffset implements SPEC_FULL.md §4.6.4: locate any
// `.dropdl-part` sibling of the target and decide whether its content
// can be trusted as a prefix of the sender's file.
func (s *Session) resolveResumeOffset(ctx context.Context, file *transfer.File, tempPath string, sig <-chan wire.Frame) (int64, error) {
	info, err := os.Stat(tempPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat temp file: %w", err)
	}
	if !s.Conn.Version().SupportsResume() {
		_ = os.Remove(tempPath)
		return 0, nil
	}

	switch {
	case info.Size() > file.Size:
		_ = os.Remove(tempPath)
		return 0, nil

	case info.Size() == file.Size:
		local, err := checksum.Sum(tempPath)
		if err != nil {
			return 0, fmt.Errorf("sum existing temp file: %w", err)
		}
		if bytes.Equal(local[:], file.Checksum) {
			return info.Size(), nil
		}
		_ = os.Remove(tempPath)
		return 0, nil

	default: // info.Size() < file.Size
		partialSize := info.Size()
		local, err := checksum.SumLimit(tempPath, partialSize)
		if err != nil {
			return 0, fmt.Errorf("sum partial temp file: %w", err)
		}
		remote, err := s.requestChecksum(ctx, file, partialSize, sig)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(local[:], remote) {
			return partialSize, nil
		}
		_ = os.Remove(tempPath)
		return 0, nil
	}
}

// requestChecksum sends ReqChsum and awaits the matching ReportChsum or
// an Error for the same file.
func (s *Session) requestChecksum(ctx context.Context, file *transfer.File, limit int64, sig <-chan wire.Frame) ([]byte, error) {
	if err := s.Conn.WriteControl(wire.Control{ReqChsum: &wire.ReqChsum{File: s.wireID(file), Limit: limit}}); err != nil {
		return nil, fmt.Errorf("send ReqChsum: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case f := <-sig:
		switch {
		case f.Control.ReportChsum != nil:
			return f.Control.ReportChsum.Checksum, nil
		case f.Control.Error != nil:
			return nil, fmt.Errorf("peer: %s", f.Control.Error.Msg)
		default:
			return nil, fmt.Errorf("unexpected reply to ReqChsum")
		}
	}
}

func openTempFile(tempPath string, offset int64) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tempPath, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// receiveChunks writes incoming chunk frames to f until the file's
// full size has been received, emitting Progress at least every
// ProgressIntervalBytes both on the wire and on the event bus.
func (s *Session) receiveChunks(ctx context.Context, file *transfer.File, f *os.File, offset int64, sig <-chan wire.Frame) (int64, error) {
	received := offset
	lastReported := offset

	for received < file.Size {
		select {
		case <-ctx.Done():
			return received, context.Cause(ctx)
		case frame := <-sig:
			switch frame.Kind {
			case wire.FrameChunk:
				n, err := f.Write(frame.ChunkData)
				if err != nil {
					return received, fmt.Errorf("write temp file: %w", err)
				}
				received += int64(n)
				if received-lastReported >= s.Cfg.ProgressIntervalBytes || received == file.Size {
					s.reportProgress(file, received)
					lastReported = received
				}
			case wire.FrameControl:
				if frame.Control.Error != nil {
					return received, fmt.Errorf("peer: %s", frame.Control.Error.Msg)
				}
			}
		}
	}

	return received, nil
}

func (s *Session) reportProgress(file *transfer.File, bytesSoFar int64) {
	if err := s.Conn.WriteControl(wire.Control{Progress: &wire.Progress{File: s.wireID(file), BytesTransfered: bytesSoFar}}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Session.reportProgress",
			"file_id":  file.ID,
		}).Warn("failed to send progress frame")
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileProgress, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: transfer.Incoming, BytesSoFar: bytesSoFar, At: time.Now(),
	})
}

// validateAndComplete closes the temp file, validates it against the
// sender's full digest on versions that support it, and renames it into
// place on success.
func (s *Session) validateAndComplete(ctx context.Context, file *transfer.File, f *os.File, tempPath, finalPath string, received int64, sig <-chan wire.Frame) error {
	if err := f.Close(); err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}

	if s.Conn.Version().SupportsResume() {
		remote, err := s.requestChecksum(ctx, file, file.Size, sig)
		if err != nil {
			return s.finalizeFailed(file, StatusBadTransferState, err, true)
		}
		local, err := checksum.Sum(tempPath)
		if err != nil {
			return s.finalizeFailed(file, StatusBadPath, err, true)
		}
		if !bytes.Equal(local[:], remote) {
			_ = os.Remove(tempPath)
			return s.finalizeFailed(file, StatusChecksumMismatch, fmt.Errorf("checksum mismatch for %s", file.ID), true)
		}
		_ = s.Checksums.Cell(s.Xfer.ID.String(), file.ID).Set(local)
		if s.Journal != nil {
			if err := s.Journal.SaveChecksum(ctx, s.Xfer.ID, file.ID, local[:]); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Session.validateAndComplete",
					"transfer_id": s.Xfer.ID,
					"file_id":     file.ID,
				}).WithError(err).Warn("failed to persist checksum")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return s.finalizeFailed(file, StatusBadPath, err, true)
	}

	if err := s.Conn.WriteControl(wire.Control{Done: &wire.Done{File: s.wireID(file), BytesTransfered: received}}); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Session.validateAndComplete", "file_id": file.ID}).
			Warn("failed to send Done frame")
	}

	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileCompleted, FinalPath: finalPath}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileDownloadComplete, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: transfer.Incoming, FinalPath: finalPath, BytesSoFar: received, At: time.Now(),
	})
	return nil
}
