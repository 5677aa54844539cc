package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/transfer"
)

// progressKey identifies one file's in-flight progress entry.
type progressKey struct {
	transferID transfer.ID
	fileID     transfer.FileID
}

// Dispatcher translates Event Bus events into Journal append calls. It
// is stateless apart from an in-RAM map of last-known per-file byte
// progress, since Progress events are never persisted as discrete rows
// (SPEC_FULL.md §4.2) but must still be recorded into the Cancel/Failed
// state row they eventually produce.
//
// Grounded on original_source/drop-transfer/src/storage_dispatch.rs's
// StorageDispatch, translated from its single handle_event match arm
// into a Go switch over events.Kind.
type Dispatcher struct {
	journal *Journal

	mu       sync.Mutex
	progress map[progressKey]int64
}

// NewDispatcher returns a Dispatcher writing into journal.
func NewDispatcher(journal *Journal) *Dispatcher {
	return &Dispatcher{journal: journal, progress: make(map[progressKey]int64)}
}

// Run reads events off ch until it is closed or ctx is done, applying
// each to the journal. Errors are logged and not otherwise surfaced,
// per SPEC_FULL.md §4.2's "ignores journal errors only to the extent
// that host progress isn't blocked" — callers that need to observe
// failures should inspect the journal directly.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := d.Handle(ctx, ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Dispatcher.Run",
					"transfer_id": ev.TransferID,
					"file_id":     ev.FileID,
					"kind":        ev.Kind,
				}).WithError(err).Warn("failed to journal event")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies one event to the journal synchronously, returning any
// error so a caller that needs to surface it (rather than only log, as
// Run does) can do so.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.TransferActive:
		return d.journal.InsertTransferActiveState(ctx, ev.TransferID)

	case events.TransferCanceled:
		return d.journal.InsertTransferCancelState(ctx, ev.TransferID, ev.ByPeer)

	case events.TransferFailed:
		return d.journal.InsertTransferFailedState(ctx, ev.TransferID, ev.Status)

	case events.FilePending:
		if ev.Direction == transfer.Outgoing {
			return d.journal.InsertOutgoingPathPendingState(ctx, ev.TransferID, ev.FileID)
		}
		return d.journal.InsertIncomingPathPendingState(ctx, ev.TransferID, ev.FileID)

	case events.FileUploadStarted:
		return d.journal.InsertOutgoingPathStartedState(ctx, ev.TransferID, ev.FileID)

	case events.FileDownloadStarted:
		return d.journal.InsertIncomingPathStartedState(ctx, ev.TransferID, ev.FileID, ev.BaseDir)

	case events.FileProgress:
		d.mu.Lock()
		d.progress[progressKey{ev.TransferID, ev.FileID}] = ev.BytesSoFar
		d.mu.Unlock()
		return nil

	case events.FileCanceled:
		bytes := d.takeProgress(ev.TransferID, ev.FileID)
		if ev.Direction == transfer.Outgoing {
			return d.journal.InsertOutgoingPathCancelState(ctx, ev.TransferID, ev.FileID, ev.ByPeer, bytes)
		}
		return d.journal.InsertIncomingPathCancelState(ctx, ev.TransferID, ev.FileID, ev.ByPeer, bytes)

	case events.FileFailed:
		bytes := d.takeProgress(ev.TransferID, ev.FileID)
		if ev.Direction == transfer.Outgoing {
			return d.journal.InsertOutgoingPathFailedState(ctx, ev.TransferID, ev.FileID, ev.Status, bytes)
		}
		return d.journal.InsertIncomingPathFailedState(ctx, ev.TransferID, ev.FileID, ev.Status, bytes)

	case events.FileUploadComplete:
		d.clearProgress(ev.TransferID, ev.FileID)
		return d.journal.InsertOutgoingPathCompletedState(ctx, ev.TransferID, ev.FileID)

	case events.FileDownloadComplete:
		d.clearProgress(ev.TransferID, ev.FileID)
		return d.journal.InsertIncomingPathCompletedState(ctx, ev.TransferID, ev.FileID, ev.FinalPath)

	case events.FileRejected:
		if ev.Direction == transfer.Outgoing {
			return d.journal.InsertOutgoingPathRejectState(ctx, ev.TransferID, ev.FileID, ev.ByPeer)
		}
		return d.journal.InsertIncomingPathRejectState(ctx, ev.TransferID, ev.FileID, ev.ByPeer)

	case events.TransferQueued:
		return nil // no journal row until insert_transfer, handled separately by the Service

	default:
		return fmt.Errorf("storage: dispatcher: unhandled event kind %v", ev.Kind)
	}
}

// takeProgress returns and clears the last-known byte offset for a
// file, defaulting to 0 if Progress was never observed.
func (d *Dispatcher) takeProgress(transferID transfer.ID, fileID transfer.FileID) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := progressKey{transferID, fileID}
	bytes := d.progress[key]
	delete(d.progress, key)
	return bytes
}

func (d *Dispatcher) clearProgress(transferID transfer.ID, fileID transfer.FileID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.progress, progressKey{transferID, fileID})
}
