// Package events implements the Event Bus from SPEC_FULL.md §2/§6.3: a
// single-producer-multi-consumer channel of transfer lifecycle events,
// fanned out to the host's own subscriber and to the Storage Dispatcher.
//
// Grounded on the teacher's callback/channel plumbing in
// file/manager.go (progressCallback/completeCallback fan-out) and
// generalized per original_source/drop-transfer/src/lib.rs's `Event`
// enum into a single tagged struct with every consumer reading off its
// own buffered channel rather than invoking callbacks directly, so a
// slow host subscriber can't block the Protocol Engine.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/transfer"
)

// Kind tags the variant of an Event.
type Kind uint8

const (
	TransferQueued Kind = iota
	TransferActive
	TransferCanceled
	TransferFailed
	FilePending
	FileUploadStarted
	FileDownloadStarted
	FileProgress
	FileUploadComplete
	FileDownloadComplete
	FileCanceled
	FileFailed
	FileRejected
)

func (k Kind) String() string {
	switch k {
	case TransferQueued:
		return "transfer_queued"
	case TransferActive:
		return "transfer_active"
	case TransferCanceled:
		return "transfer_canceled"
	case TransferFailed:
		return "transfer_failed"
	case FilePending:
		return "file_pending"
	case FileUploadStarted:
		return "file_upload_started"
	case FileDownloadStarted:
		return "file_download_started"
	case FileProgress:
		return "file_progress"
	case FileUploadComplete:
		return "file_upload_complete"
	case FileDownloadComplete:
		return "file_download_complete"
	case FileCanceled:
		return "file_canceled"
	case FileFailed:
		return "file_failed"
	case FileRejected:
		return "file_rejected"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification, shaped so the Storage Dispatcher
// and the host subscriber can each read whichever fields their Kind
// defines; fields outside the active Kind are left zero-valued.
type Event struct {
	Kind       Kind
	TransferID transfer.ID
	FileID     transfer.FileID // empty for transfer-level events
	Direction  transfer.Direction
	ByPeer     bool
	Status     int
	BytesSoFar int64
	BaseDir    string   // FileDownloadStarted only
	FinalPath  string   // FileDownloadComplete only
	At         time.Time
}

// subscriberCap bounds each subscriber's buffered channel. Once a
// subscriber falls this far behind, each newly published event is
// dropped for it (the events already queued are kept) rather than
// stalling the publisher.
const subscriberCap = 256

// Bus fans published events out to every current subscriber.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new consumer and returns its channel plus an
// unsubscribe function the consumer must call when done reading.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberCap)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans ev out to every current subscriber. A subscriber whose
// channel is full has the event dropped for it, logged at Warn, rather
// than blocking every other subscriber and the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function":    "Bus.Publish",
				"subscriber":  id,
				"kind":        ev.Kind,
				"transfer_id": ev.TransferID,
			}).Warn("subscriber channel full, dropping event")
		}
	}
}
