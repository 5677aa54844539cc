package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dropsync/dropsync/transfer"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func newTestTransfer(dir transfer.Direction, files ...*transfer.File) *transfer.Transfer {
	return transfer.New(uuid.New(), "192.0.2.1:9876", dir, files)
}

func TestInsertTransferAndTransfersSince(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	f1 := &transfer.File{ID: "file-a", SubPath: "a.txt", Size: 10, BaseDir: "/tmp/src"}
	f2 := &transfer.File{ID: "file-b", SubPath: "b.txt", Size: 20, BaseDir: "/tmp/src"}
	xfer := newTestTransfer(transfer.Outgoing, f1, f2)

	require.NoError(t, j.InsertTransfer(ctx, xfer))
	require.NoError(t, j.InsertTransferActiveState(ctx, xfer.ID))
	require.NoError(t, j.InsertOutgoingPathPendingState(ctx, xfer.ID, f1.ID))
	require.NoError(t, j.InsertOutgoingPathStartedState(ctx, xfer.ID, f1.ID))
	require.NoError(t, j.InsertOutgoingPathCompletedState(ctx, xfer.ID, f1.ID))

	loaded, err := j.TransfersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	require.Equal(t, xfer.ID, got.ID)
	require.Equal(t, transfer.Outgoing, got.Direction)
	require.Len(t, got.Files, 2)

	gotF1, ok := got.File("file-a")
	require.True(t, ok)
	last, ok := gotF1.LastEvent()
	require.True(t, ok)
	require.Equal(t, transfer.FileCompleted, last.Kind)
}

func TestInsertStateForUnknownParentIsNoOp(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	xfer := newTestTransfer(transfer.Outgoing)
	require.NoError(t, j.InsertTransfer(ctx, xfer))

	err := j.InsertOutgoingPathStartedState(ctx, xfer.ID, "no-such-file")
	require.ErrorIs(t, err, ErrUnknownParent)
}

func TestSaveAndFetchChecksums(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	f := &transfer.File{ID: "file-a", SubPath: "a.txt", Size: 10}
	xfer := newTestTransfer(transfer.Incoming, f)
	require.NoError(t, j.InsertTransfer(ctx, xfer))

	sums, err := j.FetchChecksums(ctx, xfer.ID)
	require.NoError(t, err)
	require.Empty(t, sums)

	digest := make([]byte, 32)
	digest[0] = 0xAB
	require.NoError(t, j.SaveChecksum(ctx, xfer.ID, f.ID, digest))

	// Last-writer-wins: a second save overwrites rather than erroring.
	digest2 := make([]byte, 32)
	digest2[0] = 0xCD
	require.NoError(t, j.SaveChecksum(ctx, xfer.ID, f.ID, digest2))

	sums, err = j.FetchChecksums(ctx, xfer.ID)
	require.NoError(t, err)
	require.Equal(t, digest2, sums[f.ID])
}

func TestRemoveTransferFileTriState(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	f := &transfer.File{ID: "file-a", SubPath: "a.txt", Size: 10, BaseDir: "/tmp"}
	xfer := newTestTransfer(transfer.Outgoing, f)
	require.NoError(t, j.InsertTransfer(ctx, xfer))

	// Not found: no reject event recorded yet.
	result, err := j.RemoveTransferFile(ctx, xfer.ID, f.ID)
	require.NoError(t, err)
	require.Equal(t, RemovalNotFound, result)

	require.NoError(t, j.InsertOutgoingPathRejectState(ctx, xfer.ID, f.ID, true))

	result, err = j.RemoveTransferFile(ctx, xfer.ID, f.ID)
	require.NoError(t, err)
	require.Equal(t, RemovalOK, result)

	// Second call: row is already gone, so it's not-found again.
	result, err = j.RemoveTransferFile(ctx, xfer.ID, f.ID)
	require.NoError(t, err)
	require.Equal(t, RemovalNotFound, result)
}

func TestPurgeTransfersUntil(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	old := newTestTransfer(transfer.Outgoing)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	recent := newTestTransfer(transfer.Outgoing)
	recent.CreatedAt = time.Now()

	require.NoError(t, j.InsertTransfer(ctx, old))
	require.NoError(t, j.InsertTransfer(ctx, recent))

	require.NoError(t, j.PurgeTransfersUntil(ctx, time.Now().Add(-24*time.Hour)))

	loaded, err := j.TransfersSince(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, recent.ID, loaded[0].ID)
}

func TestPurgeTransfersByID(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	xfer := newTestTransfer(transfer.Incoming)
	require.NoError(t, j.InsertTransfer(ctx, xfer))
	require.NoError(t, j.PurgeTransfers(ctx, []transfer.ID{xfer.ID}))

	loaded, err := j.TransfersSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, loaded)
}
