package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyExists is returned by Manager.InsertTransfer when a transfer with
// the same ID is already registered.
var ErrAlreadyExists = errors.New("transfer: already registered")

// ErrNotFound is returned when a transfer ID isn't registered.
var ErrNotFound = errors.New("transfer: not found")

// ErrRejected is returned by EnsureFileNotRejected when the file has a
// recorded Rejected event.
var ErrRejected = errors.New("transfer: file rejected")

// Connection is the minimal handle the Protocol Engine registers per
// transfer so the Manager can hand it back out to callers (e.g. to
// close it) without the transfer package depending on the
// wire package.
type Connection interface {
	// Close tears down the underlying stream.
	Close() error
}

type entry struct {
	xfer *Transfer
	conn Connection
	// rejected tracks FileID -> true once a Reject event has been
	// recorded locally, independent of whether storage has persisted
	// it yet; this is the authoritative in-memory rejection flag the
	// Protocol Engine consults before starting an upload/download.
	rejected map[FileID]bool
}

// Manager is the in-process registry of live transfers: their Transfer
// value, connection handle, per-file rejection flags, and the
// directory-mapping rules used to avoid filename collisions on the
// receiving side. One Manager instance is shared by the Service façade
// and the Protocol Engine for the lifetime of the host process.
//
// Grounded on file.Manager's registry shape (a map guarded by a mutex,
// keyed by a composite struct) generalized from (friendID, fileID) keys
// to (transfer.ID, FileID).
type Manager struct {
	mu        sync.Mutex
	transfers map[ID]*entry

	// dirMap records, per (transfer, original path prefix joined by
	// "/"), the chosen renamed component at that depth, so every file
	// sharing an ancestor directory lands under the same renamed
	// directory chain instead of being resolved independently.
	dirMap map[ID]map[string]string
}

// NewManager creates an empty transfer registry.
func NewManager() *Manager {
	return &Manager{
		transfers: make(map[ID]*entry),
		dirMap:    make(map[ID]map[string]string),
	}
}

// InsertTransfer registers xfer with its connection handle. It fails if
// a transfer with the same ID is already present.
func (m *Manager) InsertTransfer(xfer *Transfer, conn Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transfers[xfer.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, xfer.ID)
	}

	m.transfers[xfer.ID] = &entry{
		xfer:     xfer,
		conn:     conn,
		rejected: make(map[FileID]bool),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.InsertTransfer",
		"transfer_id": xfer.ID,
		"direction":   xfer.Direction.String(),
		"file_count":  len(xfer.Files),
	}).Info("registered transfer")

	return nil
}

// Transfer returns the registered Transfer, or false if none is
// registered under id.
func (m *Manager) Transfer(id ID) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	return e.xfer, true
}

// Connection returns the stored connection handle for id, or false if
// the transfer isn't registered.
func (m *Manager) Connection(id ID) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// EnsureFileNotRejected returns ErrRejected if file has been locally
// marked rejected, ErrNotFound if the transfer isn't registered.
func (m *Manager) EnsureFileNotRejected(id ID, file FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rejected[file] {
		return fmt.Errorf("%w: %s/%s", ErrRejected, id, file)
	}
	return nil
}

// RejectFile idempotently marks file as rejected for transfer id. It
// returns false if the file was already rejected (a no-op signal to the
// caller that no wire/journal side effect is needed), true if this call
// is the one that recorded the rejection.
func (m *Manager) RejectFile(id ID, file FileID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rejected[file] {
		return false, nil
	}
	e.rejected[file] = true
	return true, nil
}

// CancelTransfer removes the transfer from the registry. The caller
// remains responsible for propagating the cancel over the wire and for
// recording the TransferCanceled event exactly once.
func (m *Manager) CancelTransfer(id ID) (*Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	delete(m.transfers, id)
	delete(m.dirMap, id)
	return e.xfer, true
}

// ApplyDirMapping computes the collision-free on-disk subpath for an
// incoming file under parent, and records the chosen mapping at every
// depth so subsequent files in the same transfer reuse the same
// renamed directory chain.
//
// Given relPath "docs/notes/a.txt", each component is checked against
// the filesystem in turn: if "docs" collides with an existing
// non-directory entry, a numeric suffix is appended ("docs (1)") and
// the rest of the path is resolved under that renamed directory; the
// same check then applies to "notes", and finally to the leaf file
// itself ("a.txt" existing already is also a collision). The choice at
// each depth is cached per (transfer, original prefix) so later files
// sharing an ancestor reuse the same renamed chain rather than
// re-probing the filesystem and potentially picking a different
// suffix.
func (m *Manager) ApplyDirMapping(id ID, parent, relPath string) (string, error) {
	m.mu.Lock()
	perXfer, ok := m.dirMap[id]
	if !ok {
		perXfer = make(map[string]string)
		m.dirMap[id] = perXfer
	}
	m.mu.Unlock()

	parts := splitPath(relPath)
	if len(parts) == 0 {
		return "", fmt.Errorf("transfer: empty relative path")
	}

	resolved := make([]string, len(parts))
	origPrefix := ""
	resolvedParent := parent

	for i, part := range parts {
		if origPrefix != "" {
			origPrefix += "/"
		}
		origPrefix += part

		m.mu.Lock()
		chosen, cached := perXfer[origPrefix]
		m.mu.Unlock()

		if !cached {
			var err error
			chosen, err = resolveCollision(resolvedParent, part, i == len(parts)-1)
			if err != nil {
				return "", err
			}
			m.mu.Lock()
			perXfer[origPrefix] = chosen
			m.mu.Unlock()
		}

		resolved[i] = chosen
		resolvedParent = filepath.Join(resolvedParent, chosen)
	}

	return joinMapped(parent, resolved), nil
}

func splitPath(p string) []string {
	p = filepath.ToSlash(filepath.Clean(p))
	if p == "." || p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinMapped(parent string, parts []string) string {
	return filepath.Join(append([]string{parent}, parts...)...)
}

// resolveCollision finds a collision-free name for one path component
// under parent: name itself if nothing by that name exists yet, or
// name with the lowest-numbered " (n)" suffix that doesn't collide.
// isLeaf changes what counts as a collision: a non-leaf component only
// collides with a non-directory entry (an existing directory of the
// same name is reused as-is), while a leaf component collides with
// anything already there, directory or not.
func resolveCollision(parent, name string, isLeaf bool) (string, error) {
	for attempt := 0; ; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)", name, attempt)
		}

		info, err := statPath(filepath.Join(parent, candidate))
		switch {
		case err != nil:
			// Doesn't exist yet: safe to use.
			return candidate, nil
		case isLeaf:
			// The leaf file itself exists already, as a file or a
			// directory: collide, retry.
			continue
		case !info.IsDir():
			// An ancestor directory name collides with a non-directory
			// entry: collide, retry.
			continue
		default:
			// Existing directory: reuse it, the next component is
			// checked under it in the next loop iteration.
			return candidate, nil
		}
	}
}
