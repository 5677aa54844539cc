// Package transfer implements the in-memory transfer and per-file state
// machine shared by both the sending and receiving side of a file
// exchange, and the registry ("Transfer Manager") that tracks every live
// transfer a peer currently has open.
//
// A Transfer is identified by a 128-bit UUID, carries a fixed direction
// and file list set at creation, and accumulates an ordered history of
// transfer-level and per-file state events. Event histories are never
// rewritten, only appended to; this package enforces the monotonicity
// invariants described in the data model (a terminal transfer event
// blocks further transfer events, a terminal file event makes later
// appends of the same terminal a no-op). File.AppendEvent does not look
// at the owning transfer's state, so file events are still accepted
// after the transfer is terminal.
package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID identifies a transfer.
type ID = uuid.UUID

// Direction is fixed for the lifetime of a transfer.
type Direction uint8

const (
	// Incoming marks a transfer this peer is receiving.
	Incoming Direction = iota
	// Outgoing marks a transfer this peer initiated.
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// FileID is a stable per-file identifier: base64-url(SHA-256(subpath))
// on protocol versions 1 and 2, or a sender-chosen opaque string on
// versions 3 and up (see protocol.DeriveFileID for the derivation helper).
type FileID = string

// TransferEventKind tags a transfer-level state event.
type TransferEventKind uint8

const (
	// EventActive marks the transfer as accepted and in progress.
	EventActive TransferEventKind = iota
	// EventCancel marks the transfer as cancelled, by either side.
	EventCancel
	// EventFailed marks the transfer as terminally failed.
	EventFailed
)

// TransferEvent is one entry in a transfer's event history.
type TransferEvent struct {
	Kind      TransferEventKind
	ByPeer    bool // valid for EventCancel
	Status    int  // valid for EventFailed
	CreatedAt time.Time
}

// Terminal reports whether this event ends the transfer's lifecycle.
func (e TransferEvent) Terminal() bool {
	return e.Kind == EventCancel || e.Kind == EventFailed
}

// FileEventKind tags a per-file state event.
type FileEventKind uint8

const (
	FilePending FileEventKind = iota
	FileStarted
	FileCancel
	FileFailed
	FileCompleted
	FileRejected
)

// FileEvent is one entry in a file's event history. Fields outside the
// kind in play are left zero-valued, matching the per-kind-column shape
// of the persisted journal (storage.Journal mirrors this one for one).
type FileEvent struct {
	Kind       FileEventKind
	BytesSoFar int64  // FileStarted (outgoing), FileCancel, FileFailed
	BaseDir    string // FileStarted, incoming only
	Status     int    // FileFailed
	FinalPath  string // FileCompleted, incoming only
	ByPeer     bool   // FileCancel, FileRejected
	CreatedAt  time.Time
}

// Terminal reports whether this event ends the file's lifecycle.
func (e FileEvent) Terminal() bool {
	switch e.Kind {
	case FileCompleted, FileRejected:
		return true
	default:
		return false
	}
}

// File describes one file within a transfer, plus its local event
// history. Size and path fields are immutable after creation; History
// is append-only through File.AppendEvent.
type File struct {
	ID       FileID
	SubPath  string // relative display path, cosmetic on V3+
	Size     int64
	BaseDir  string // outgoing only: directory the file is read from
	Checksum []byte // incoming only: stored full-content digest, once known

	mu      sync.Mutex
	History []FileEvent
}

// AppendEvent appends ev to the file's history, enforcing the
// monotonicity invariant: once a terminal event has been recorded,
// further appends of the same terminal kind are accepted as idempotent
// no-ops and anything else is rejected.
func (f *File) AppendEvent(ev FileEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.History); n > 0 {
		last := f.History[n-1]
		if last.Terminal() {
			if last.Kind == ev.Kind {
				return nil // idempotent re-append of the same terminal
			}
			return fmt.Errorf("transfer: file %s already terminal (%v), rejecting %v", f.ID, last.Kind, ev.Kind)
		}
	}

	f.History = append(f.History, ev)
	return nil
}

// LastEvent returns the most recent event and whether one exists.
func (f *File) LastEvent() (FileEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.History) == 0 {
		return FileEvent{}, false
	}
	return f.History[len(f.History)-1], true
}

// Rejected reports whether a Rejected event has ever been recorded for
// this file, regardless of any later idempotent re-append attempts.
func (f *File) Rejected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.History {
		if ev.Kind == FileRejected {
			return true
		}
	}
	return false
}

// Transfer is a single negotiated exchange between two peers carrying
// one or more files. Direction and the file list are fixed at creation.
type Transfer struct {
	ID        ID
	Peer      string
	Direction Direction
	CreatedAt time.Time
	Files     []*File

	mu      sync.Mutex
	History []TransferEvent
}

// New creates a Transfer in its initial (pre-Active) state. Callers
// insert it into storage before any network activity per the data
// model's lifecycle rule.
func New(id ID, peer string, dir Direction, files []*File) *Transfer {
	return &Transfer{
		ID:        id,
		Peer:      peer,
		Direction: dir,
		CreatedAt: time.Now(),
		Files:     files,
	}
}

// File looks up one of the transfer's files by id.
func (t *Transfer) File(id FileID) (*File, bool) {
	for _, f := range t.Files {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// AppendEvent appends a transfer-level event, enforcing the invariant
// that no event is accepted after a terminal one.
func (t *Transfer) AppendEvent(ev TransferEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.History); n > 0 && t.History[n-1].Terminal() {
		return fmt.Errorf("transfer: %s already terminal, rejecting further transfer events", t.ID)
	}
	t.History = append(t.History, ev)
	return nil
}

// Terminal reports whether the transfer has reached Cancel or Failed.
func (t *Transfer) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.History)
	return n > 0 && t.History[n-1].Terminal()
}
