// Package protocol is the Protocol Engine from SPEC_FULL.md §4.6: two
// role-symmetric loops (sender/client and receiver/server) sharing a
// loop skeleton — receive frame, dispatch, tick ping, enforce idle
// timeout — that differ only in which wire messages each side
// originates, plus a per-file sub-task for the upload or download
// half of each file.
//
// Grounded on original_source/drop-transfer/src/ws/server/v2.rs and
// .../ws/client/v2.rs's HandlerInit/HandlerLoop pairing (one struct per
// phase of the connection, a jobs map of per-file tasks keyed by file
// id) and on file/manager.go's packet-handler dispatch idiom,
// generalized from discrete UDP packets to frames on a persistent
// wire.Conn and from a flat map of transfers to one Session per
// connection.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dropsync/dropsync/checksum"
	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// taskAbort is the cause recorded on a sub-task's context when the
// session cancels it, carried via context.Cause so the task's own
// select can tell a plain cancel from a reject, and a peer-initiated
// one from a locally initiated one, without a second channel.
type taskAbort struct {
	rejected bool
	byPeer   bool
}

func (a *taskAbort) Error() string {
	if a.rejected {
		return "protocol: file rejected"
	}
	return "protocol: file canceled"
}

// taskHandle lets the session abort an in-flight per-file sub-task, the
// Go equivalent of the teacher's join handle per running task.
type taskHandle struct {
	cancel context.CancelCauseFunc
}

// ChecksumJournal is the seam Session uses to persist a confirmed
// full-file digest so that a restart can reload it and resume without
// re-asking the peer (spec.md §4.4 step 1), without the protocol
// package depending on the storage package's connection-pool type.
// storage.Journal's SaveChecksum satisfies this directly.
type ChecksumJournal interface {
	SaveChecksum(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, digest []byte) error
}

// Session drives one established connection for exactly one transfer,
// for the lifetime of that connection.
type Session struct {
	Conn      *wire.Conn
	Xfer      *transfer.Transfer
	Manager   *transfer.Manager
	Bus       *events.Bus
	Checksums *checksum.Store
	Journal   ChecksumJournal
	Cfg       Config

	group    *errgroup.Group
	groupCtx context.Context

	mu    sync.Mutex
	tasks map[transfer.FileID]*taskHandle

	// signals routes a frame that answers or feeds an in-flight
	// per-file sub-task (Done/Error for an upload; chunk data,
	// ReportChsum, or Error for a download) from the shared read loop
	// to the one goroutine waiting for it.
	signals map[transfer.FileID]chan wire.Frame
}

// NewSession constructs a Session bound to ctx: every per-file sub-task
// Download/Run ever spawns is a child of ctx, so callers may call
// Download (receiver role) concurrently with Run rather than having to
// wait for Run to reach its main loop first. Canceling ctx tears the
// whole session down, per the root-cancellation-token design in
// SPEC_FULL.md §5.
func NewSession(ctx context.Context, conn *wire.Conn, xfer *transfer.Transfer, manager *transfer.Manager, bus *events.Bus, checksums *checksum.Store, journal ChecksumJournal, cfg Config) *Session {
	group, groupCtx := errgroup.WithContext(ctx)
	return &Session{
		Conn:      conn,
		Xfer:      xfer,
		Manager:   manager,
		Bus:       bus,
		Checksums: checksums,
		Journal:   journal,
		Cfg:       cfg,
		group:     group,
		groupCtx:  groupCtx,
		tasks:     make(map[transfer.FileID]*taskHandle),
		signals:   make(map[transfer.FileID]chan wire.Frame),
	}
}

// Run drives the session to completion: sender role if the transfer is
// outgoing, receiver role if incoming. It returns once the connection
// closes, the transfer reaches a terminal state, or the context passed
// to NewSession is canceled.
//
// readLoop's blocking read on the underlying stream can't observe ctx
// cancellation directly, so Run closes the connection itself once ctx
// is done; that failed read is what actually unblocks the loop. This is
// what makes the root-cancellation-token guarantee from SPEC_FULL.md §5
// ("every long-lived task selects on this token and terminates
// promptly") hold for a task that's parked in a syscall, not just one
// parked on a channel.
func (s *Session) Run() error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.groupCtx.Done():
			_ = s.Conn.Close()
		case <-stop:
		}
	}()

	if s.Xfer.Direction == transfer.Outgoing {
		return s.runSender(s.groupCtx)
	}
	return s.runReceiver(s.groupCtx)
}

// spawnTask registers and launches a per-file sub-task under the
// session's errgroup, so a transport-level failure (any task returning
// a non-nil error) cancels every other task's context — the
// cancel_all guarantee from SPEC_FULL.md §5.
func (s *Session) spawnTask(fileID transfer.FileID, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if _, exists := s.tasks[fileID]; exists {
		s.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancelCause(s.groupCtx)
	s.tasks[fileID] = &taskHandle{cancel: cancel}
	s.signals[fileID] = make(chan wire.Frame, 8)
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.tasks, fileID)
			delete(s.signals, fileID)
			s.mu.Unlock()
		}()
		return fn(taskCtx)
	})
}

// cancelTask aborts a running sub-task, if any, recording abort as the
// reason the task's context was canceled, and reports whether a task
// was found. It does not block for the task to finish; Run's call to
// the errgroup's Wait provides that guarantee.
func (s *Session) cancelTask(fileID transfer.FileID, abort *taskAbort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tasks[fileID]
	if !ok {
		return false
	}
	h.cancel(abort)
	return true
}

// cancelAllTasks aborts every running sub-task, implementing
// cancel_all's "every file task has been asked to stop" guarantee.
func (s *Session) cancelAllTasks(abort *taskAbort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.tasks {
		h.cancel(abort)
	}
}

// deliverSignal routes a Control message that answers an in-flight
// sub-task (keyed by fileID) to the goroutine awaiting it. It is a
// no-op if no task is waiting, which happens when the peer sends a
// stale or unsolicited reply.
func (s *Session) deliverSignal(fileID transfer.FileID, f wire.Frame) {
	s.mu.Lock()
	ch, ok := s.signals[fileID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// wireID returns the string this session's negotiated version expects
// in a message's "file" field or a chunk frame's identifier: file.ID
// on V3+, where file_id is exchanged directly, or file.SubPath on
// V1/V2, where file_id is never sent over the wire and the subpath
// doubles as wire identity (SPEC_FULL.md §4.6.2, Glossary "Subpath").
func (s *Session) wireID(file *transfer.File) string {
	if s.Conn.Version().SupportsFileIDOnWire() {
		return file.ID
	}
	return file.SubPath
}

// resolveWireID translates a string just read off the wire back into
// the internal FileID every other package keys by: unchanged on V3+,
// or SHA-256-derived from the subpath on V1/V2, mirroring
// AcceptTransferRequest's derivation of the initial request's file ids.
func (s *Session) resolveWireID(raw string) transfer.FileID {
	if s.Conn.Version().SupportsFileIDOnWire() {
		return raw
	}
	return DeriveFileID(raw)
}

// finalizeCancel records a file's cancellation, local or peer-driven,
// and publishes the corresponding event. It is shared by both the
// sender and receiver roles since the event shape doesn't vary by
// direction.
func (s *Session) finalizeCancel(file *transfer.File, bytesSoFar int64, byPeer bool) error {
	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileCancel, BytesSoFar: bytesSoFar, ByPeer: byPeer}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileCanceled, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: s.Xfer.Direction, ByPeer: byPeer, BytesSoFar: bytesSoFar, At: time.Now(),
	})
	return nil
}

// finalizeReject records a file's rejection, local or peer-driven, and
// publishes the corresponding event.
func (s *Session) finalizeReject(file *transfer.File, byPeer bool) error {
	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileRejected, ByPeer: byPeer}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileRejected, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: s.Xfer.Direction, ByPeer: byPeer, At: time.Now(),
	})
	return nil
}

// finalizeAbort resolves a sub-task's context-cancellation cause into
// the matching terminal event, defaulting to a locally-initiated
// cancel if the context carries no recognizable cause.
func (s *Session) finalizeAbort(file *transfer.File, abort *taskAbort, bytesSoFar int64) error {
	if abort == nil {
		abort = &taskAbort{}
	}
	if abort.rejected {
		return s.finalizeReject(file, abort.byPeer)
	}
	return s.finalizeCancel(file, bytesSoFar, abort.byPeer)
}

// finalizeFailed records a file's terminal failure, notifies the peer
// with a wire Error unless the failure was learned from the peer in
// the first place, and publishes the corresponding event. It returns
// nil unless the file's event history refuses the Failed event (the
// file is already terminal), in which case it returns that error
// without publishing or notifying. Per-file failures never abort the
// session (SPEC_FULL.md
// §7 "per-file I/O errors ... the transfer continues for other
// files"), only the session's own framing/transport errors do.
func (s *Session) finalizeFailed(file *transfer.File, status StatusCode, cause error, notifyPeer bool) error {
	if err := file.AppendEvent(transfer.FileEvent{Kind: transfer.FileFailed, Status: int(status)}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.FileFailed, TransferID: s.Xfer.ID, FileID: file.ID,
		Direction: s.Xfer.Direction, Status: int(status), At: time.Now(),
	})
	if notifyPeer {
		_ = s.Conn.WriteControl(wire.Control{Error: &wire.Error{File: s.wireID(file), Msg: cause.Error()}})
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Session.finalizeFailed",
		"transfer_id": s.Xfer.ID,
		"file_id":     file.ID,
		"status":      status,
	}).Warn("file failed")
	return nil
}

// CancelAll aborts every running sub-task and cancels the transfer
// itself, the cancel_all operation from SPEC_FULL.md §4.6.5. It
// guarantees that by the time it returns, every file task has been
// asked to stop.
func (s *Session) CancelAll(byPeer bool) error {
	s.cancelAllTasks(&taskAbort{byPeer: byPeer})
	if !byPeer {
		for _, file := range s.Xfer.Files {
			if ev, ok := file.LastEvent(); ok && ev.Terminal() {
				continue
			}
			_ = s.Conn.WriteControl(wire.Control{Cancel: &wire.Cancel{File: s.wireID(file)}})
		}
	}
	if err := s.Xfer.AppendEvent(transfer.TransferEvent{Kind: transfer.EventCancel, ByPeer: byPeer}); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{
		Kind: events.TransferCanceled, TransferID: s.Xfer.ID, Direction: s.Xfer.Direction,
		ByPeer: byPeer, At: time.Now(),
	})
	return nil
}

// Cancel aborts fileID's in-flight sub-task, if any, and notifies the
// peer, the single-file cancel operation from SPEC_FULL.md §4.7. It is
// a no-op on a file that has already reached a terminal state.
func (s *Session) Cancel(fileID transfer.FileID) error {
	file, ok := s.Xfer.File(fileID)
	if !ok {
		return newError(StatusBadFileID, "cancel: unknown file %s", fileID)
	}
	if ev, ok := file.LastEvent(); ok && ev.Terminal() {
		return nil
	}

	running := s.cancelTask(fileID, &taskAbort{})
	if err := s.Conn.WriteControl(wire.Control{Cancel: &wire.Cancel{File: s.wireID(file)}}); err != nil {
		return newError(StatusFramingError, "send Cancel for %s: %v", fileID, err)
	}
	if running {
		return nil // the running task's own ctx.Done() branch finalizes
	}
	return s.finalizeCancel(file, 0, false)
}

// Reject marks fileID locally rejected and notifies the peer, the
// single-file reject operation from SPEC_FULL.md §4.7. Versions that
// predate the wire Reject message (V1/V2) fall back to Cancel, per the
// V1/V2-lacks-Reject decision recorded in DESIGN.md: the local Rejected
// event and rejection flag are recorded identically either way.
func (s *Session) Reject(fileID transfer.FileID) error {
	file, ok := s.Xfer.File(fileID)
	if !ok {
		return newError(StatusBadFileID, "reject: unknown file %s", fileID)
	}

	changed, err := s.Manager.RejectFile(s.Xfer.ID, fileID)
	if err != nil {
		return newError(StatusBadTransfer, "reject: %v", err)
	}
	if !changed {
		return newError(StatusRejected, "file %s already rejected", fileID)
	}

	running := s.cancelTask(fileID, &taskAbort{rejected: true})
	if s.Conn.Version().SupportsReject() {
		err = s.Conn.WriteControl(wire.Control{Reject: &wire.Reject{File: s.wireID(file)}})
	} else {
		err = s.Conn.WriteControl(wire.Control{Cancel: &wire.Cancel{File: s.wireID(file)}})
	}
	if err != nil {
		return newError(StatusFramingError, "send reject for %s: %v", fileID, err)
	}
	if running {
		return nil
	}
	return s.finalizeReject(file, false)
}

// readLoop reads frames until ctx is done, the peer closes the
// connection, or idle timeout expires, invoking onFrame for every
// frame read. When sendPings is set it also drives the ping ticker,
// used only by the sender/client role per SPEC_FULL.md §4.6.6.
func (s *Session) readLoop(ctx context.Context, sendPings bool, onFrame func(wire.Frame) error) error {
	var pingStop chan struct{}
	if sendPings && s.Cfg.PingInterval > 0 && s.Conn.Version().SupportsPing() {
		pingStop = make(chan struct{})
		go s.pingTicker(pingStop)
		defer close(pingStop)
	}

	for {
		if s.Cfg.IdleLifetime > 0 {
			_ = s.Conn.SetReadDeadline(time.Now().Add(s.Cfg.IdleLifetime))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := s.Conn.ReadFrame()
		if err != nil {
			if isTimeout(err) {
				return newError(StatusTimeout, "no frame received within idle lifetime")
			}
			return newError(StatusStreamClosed, "%v", err)
		}
		if frame.Kind == wire.FrameClosed {
			return nil
		}

		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

func (s *Session) pingTicker(stop chan struct{}) {
	ticker := time.NewTicker(s.Cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Conn.Ping()
		case <-stop:
			return
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
