package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dropsync/dropsync/checksum"
	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/filechunk"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// dialPair spins up an httptest server speaking the wire protocol at
// version, dials it once, and hands back both ends of the resulting
// connection so a test can drive a Session against one end while
// playing the remote peer by hand against the other.
func dialPair(t *testing.T, version wire.Version) (client *wire.Conn, server *wire.Conn) {
	t.Helper()

	serverConnCh := make(chan *wire.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/drop/", func(w http.ResponseWriter, r *http.Request) {
		v, ok := wire.VersionFromPath(r.URL.Path)
		if !ok || v != version {
			http.Error(w, "unsupported version", http.StatusNotFound)
			return
		}
		conn, err := wire.Upgrade(w, r, v)
		if err != nil {
			return
		}
		serverConnCh <- conn
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	addr := strings.TrimPrefix(srv.URL, "http://")

	clientConn, err := wire.Dial(context.Background(), addr, wire.DialConfig{ConnectTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })

	return clientConn, serverConn
}

func writeTempFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newOutgoingSession(t *testing.T, ctx context.Context, conn *wire.Conn, files []*transfer.File) (*Session, *events.Bus) {
	t.Helper()
	xfer := transfer.New(uuid.New(), "peer-b", transfer.Outgoing, files)
	manager := transfer.NewManager()
	require.NoError(t, manager.InsertTransfer(xfer, nil))
	bus := events.New()
	return NewSession(ctx, conn, xfer, manager, bus, checksum.NewStore(), nil, DefaultConfig()), bus
}

func drainUntil(t *testing.T, ch <-chan events.Event, kind events.Kind, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

// TestTwoFileUploadHappyPath exercises the sender role end to end
// against a hand-driven peer that plays the receiver's part of the
// wire protocol: accept the TransferRequest, Start both files, stream
// chunks to completion, and ask for the final full-file checksum.
func TestTwoFileUploadHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", 3000)
	writeTempFile(t, dir, "b.bin", 1500)

	client, server := dialPair(t, wire.V3)

	files := []*transfer.File{
		{ID: DeriveFileID("a.bin"), SubPath: "a.bin", Size: 3000, BaseDir: dir},
		{ID: DeriveFileID("b.bin"), SubPath: "b.bin", Size: 1500, BaseDir: dir},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newOutgoingSession(t, ctx, client, files)
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	req, err := server.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, req.Control.TransferRequest)
	require.Len(t, req.Control.TransferRequest.Files, 2)

	for _, f := range files {
		require.NoError(t, server.WriteControl(wire.Control{Start: &wire.Start{File: f.ID}}))
		received := receiveAllChunks(t, server, f.ID, f.Size)
		require.Equal(t, f.Size, int64(len(received)))

		// The receiver reports Progress on every completed download, not
		// only resumes; the sender must treat it as routine rather than
		// failing the session over an unrecognized control variant.
		require.NoError(t, server.WriteControl(wire.Control{Progress: &wire.Progress{
			File: f.ID, BytesTransfered: f.Size,
		}}))

		// Final validation round trip: the receiver asks, the sender
		// answers with the digest of its local file.
		require.NoError(t, server.WriteControl(wire.Control{ReqChsum: &wire.ReqChsum{File: f.ID, Limit: f.Size}}))
		report := readControlFor(t, server, f.ID)
		require.NotNil(t, report.ReportChsum)
		digest, err := checksum.SumLimit(filepath.Join(dir, f.SubPath), f.Size)
		require.NoError(t, err)
		require.Equal(t, digest[:], report.ReportChsum.Checksum)
		require.NoError(t, server.WriteControl(wire.Control{Done: &wire.Done{File: f.ID, BytesTransfered: f.Size}}))
	}

	drainUntil(t, sub, events.FileProgress, 2*time.Second)
	drainUntil(t, sub, events.FileProgress, 2*time.Second)

	ev1 := drainUntil(t, sub, events.FileUploadComplete, 2*time.Second)
	ev2 := drainUntil(t, sub, events.FileUploadComplete, 2*time.Second)
	got := map[transfer.FileID]bool{ev1.FileID: true, ev2.FileID: true}
	require.True(t, got[files[0].ID])
	require.True(t, got[files[1].ID])

	cancel()
	<-runDone
}

// TestUploadRejectedBeforeStart drives the peer-reject branch of the
// per-file state machine: the receiver declines a file before ever
// sending Start, which must mark it rejected locally without starting
// a transfer sub-task.
func TestUploadRejectedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", 10)

	client, server := dialPair(t, wire.V3)
	file := &transfer.File{ID: DeriveFileID("a.bin"), SubPath: "a.bin", Size: 10, BaseDir: dir}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newOutgoingSession(t, ctx, client, []*transfer.File{file})
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	_, err := server.ReadFrame()
	require.NoError(t, err)

	require.NoError(t, server.WriteControl(wire.Control{Reject: &wire.Reject{File: file.ID}}))

	ev := drainUntil(t, sub, events.FileRejected, 2*time.Second)
	require.Equal(t, file.ID, ev.FileID)
	require.True(t, ev.ByPeer)

	require.Error(t, sess.Manager.EnsureFileNotRejected(sess.Xfer.ID, file.ID))

	cancel()
	<-runDone
}

// TestUploadFileModifiedMidTransfer verifies that a sender-side mtime
// change partway through a file is caught and reported as a per-file
// failure without aborting the session. The file is many chunks long
// so that, however many chunks the sender has already buffered ahead
// of our reads, draining frames after the mtime change still forces at
// least one more chunk read to observe it.
func TestUploadFileModifiedMidTransfer(t *testing.T) {
	const chunks = 20
	dir := t.TempDir()
	size := int64(chunks * filechunk.ChunkSize)
	path := writeTempFile(t, dir, "a.bin", int(size))

	client, server := dialPair(t, wire.V3)
	file := &transfer.File{ID: DeriveFileID("a.bin"), SubPath: "a.bin", Size: size, BaseDir: dir}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newOutgoingSession(t, ctx, client, []*transfer.File{file})
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	_, err := server.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, server.WriteControl(wire.Control{Start: &wire.Start{File: file.ID}}))

	_, firstChunk, err := readOneChunk(t, server)
	require.NoError(t, err)
	require.NotEmpty(t, firstChunk)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	var gotError bool
	for i := 0; i < chunks+2 && !gotError; i++ {
		frame, err := server.ReadFrame()
		require.NoError(t, err)
		if frame.Kind == wire.FrameControl && frame.Control.Error != nil && frame.Control.Error.File == file.ID {
			gotError = true
		}
	}
	require.True(t, gotError, "expected a wire Error for the modified file before the chunk stream drained")

	ev := drainUntil(t, sub, events.FileFailed, 2*time.Second)
	require.Equal(t, file.ID, ev.FileID)
	require.Equal(t, int(StatusFileModified), ev.Status)

	cancel()
	<-runDone
}

// TestSessionCancelStopsRunningUpload exercises the local single-file
// Cancel path while the upload sub-task is mid-stream, checking that
// the peer sees a wire Cancel and the file ends in FileCanceled rather
// than FileUploadComplete.
func TestSessionCancelStopsRunningUpload(t *testing.T) {
	const chunks = 5
	dir := t.TempDir()
	size := int64(chunks * filechunk.ChunkSize)
	writeTempFile(t, dir, "a.bin", int(size))

	client, server := dialPair(t, wire.V3)
	file := &transfer.File{ID: DeriveFileID("a.bin"), SubPath: "a.bin", Size: size, BaseDir: dir}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newOutgoingSession(t, ctx, client, []*transfer.File{file})
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	_, err := server.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, server.WriteControl(wire.Control{Start: &wire.Start{File: file.ID}}))

	_, _, err = readOneChunk(t, server)
	require.NoError(t, err)

	require.NoError(t, sess.Cancel(file.ID))

	// The upload sub-task may write one more buffered chunk before it
	// observes the cancellation, so drain until the Cancel control frame
	// itself appears rather than assuming it's the very next frame.
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	var sawCancel bool
	for i := 0; i < chunks+2 && !sawCancel; i++ {
		frame, err := server.ReadFrame()
		require.NoError(t, err)
		if frame.Kind == wire.FrameControl && frame.Control.Cancel != nil && frame.Control.Cancel.File == file.ID {
			sawCancel = true
		}
	}
	require.True(t, sawCancel, "expected a wire Cancel for the file")

	ev := drainUntil(t, sub, events.FileCanceled, 2*time.Second)
	require.Equal(t, file.ID, ev.FileID)
	require.False(t, ev.ByPeer)

	cancel()
	<-runDone
}

// TestSessionRejectMarksFileRejected exercises the local Reject path
// before a file has started: the peer must see a wire Reject and the
// file must be locally flagged so future Download/upload attempts fail.
func TestSessionRejectMarksFileRejected(t *testing.T) {
	outDir := t.TempDir()
	fileID := DeriveFileID("a.bin")
	file := &transfer.File{ID: fileID, SubPath: "a.bin", Size: 10}

	client, server := dialPair(t, wire.V3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newIncomingSession(t, ctx, client, []*transfer.File{file})
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	require.NoError(t, sess.Reject(fileID))

	rejectFrame, err := server.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, rejectFrame.Control.Reject)
	require.Equal(t, fileID, rejectFrame.Control.Reject.File)

	ev := drainUntil(t, sub, events.FileRejected, 2*time.Second)
	require.Equal(t, fileID, ev.FileID)
	require.False(t, ev.ByPeer)

	require.Error(t, sess.Download(fileID, outDir))
	require.Error(t, sess.Reject(fileID))

	cancel()
	<-runDone
}

func receiveAllChunks(t *testing.T, conn *wire.Conn, fileID transfer.FileID, size int64) []byte {
	t.Helper()
	var buf []byte
	for int64(len(buf)) < size {
		id, data, err := readOneChunk(t, conn)
		require.NoError(t, err)
		require.Equal(t, fileID, id)
		buf = append(buf, data...)
	}
	return buf
}

func readOneChunk(t *testing.T, conn *wire.Conn) (transfer.FileID, []byte, error) {
	t.Helper()
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", nil, err
	}
	require.Equal(t, wire.FrameChunk, frame.Kind)
	return frame.ChunkID, frame.ChunkData, nil
}

func readControlFor(t *testing.T, conn *wire.Conn, fileID transfer.FileID) wire.Control {
	t.Helper()
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.FrameControl, frame.Kind)
	return frame.Control
}

// TestUploadV2UsesSubpathOnWire confirms that on a V2 connection every
// wire message's file identity — the TransferRequest entry, the chunk
// frame id, and every control message's "file" field — carries the
// subpath string rather than the derived file_id hash, per
// SPEC_FULL.md §6.1 and the Glossary's "Subpath... used for display and
// V1/V2 wire identity." V3+ behavior is covered by
// TestTwoFileUploadHappyPath, which uses file.ID throughout.
func TestUploadV2UsesSubpathOnWire(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "a.bin", 2000)

	client, server := dialPair(t, wire.V2)

	file := &transfer.File{ID: DeriveFileID("a.bin"), SubPath: "a.bin", Size: 2000, BaseDir: dir}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, bus := newOutgoingSession(t, ctx, client, []*transfer.File{file})
	sub, unsub := bus.Subscribe()
	defer unsub()

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run() }()

	req, err := server.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, req.Control.TransferRequest)
	require.Len(t, req.Control.TransferRequest.Files, 1)
	require.Equal(t, "a.bin", req.Control.TransferRequest.Files[0].Subpath)
	require.Empty(t, req.Control.TransferRequest.Files[0].FileID)

	// A real V2 peer names the file by subpath in every message.
	require.NoError(t, server.WriteControl(wire.Control{Start: &wire.Start{File: "a.bin"}}))

	received := receiveAllChunks(t, server, "a.bin", file.Size)
	require.Equal(t, file.Size, int64(len(received)))

	require.NoError(t, server.WriteControl(wire.Control{Done: &wire.Done{File: "a.bin", BytesTransfered: file.Size}}))

	ev := drainUntil(t, sub, events.FileUploadComplete, 2*time.Second)
	require.Equal(t, file.ID, ev.FileID)

	cancel()
	<-runDone
}
