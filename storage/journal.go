// Package storage implements the Storage Journal and Storage Dispatcher
// from SPEC_FULL.md §4.1/§4.2: a SQLite-backed, event-sourced record of
// every transfer and file this peer has ever seen, and the stateless
// translator that feeds it from the Event Bus.
//
// Grounded on original_source/drop-storage/src/lib.rs for the schema
// shape and the sub-select-by-(transfer_id, path_hash) insert pattern
// used by every per-state-kind table; adapted to database/sql and
// github.com/mattn/go-sqlite3 in place of r2d2/rusqlite, and to Go error
// values in place of the original's typed Result.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/transfer"
)

func parseUUID(s string) (transfer.ID, error) { return uuid.Parse(s) }

// ErrUnknownParent is returned when a state append names a
// (transfer_id, file_id) pair that has no corresponding row. Per
// SPEC_FULL.md §4.1 this is a silent no-op at the SQL layer; the
// journal surfaces it as an error so callers can log it without the
// journal itself treating it as fatal.
var ErrUnknownParent = errors.New("storage: no parent row for state append")

// RemovalResult is the three-valued outcome of RemoveTransferFile.
type RemovalResult int

const (
	// RemovalNotFound means no rejected row matched the file.
	RemovalNotFound RemovalResult = iota
	// RemovalOK means the file was removed from exactly one direction.
	RemovalOK
	// RemovalBothDirections means rows were removed from both the
	// outgoing and incoming tables, which the caller should log as a
	// warning but treat as success.
	RemovalBothDirections
)

// Journal is a connection pool fronting a single SQLite database file
// (or ":memory:"), providing the append-only operations described in
// SPEC_FULL.md §4.1.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// applies embedded migrations in filename order, and configures the
// connection pool. A migration failure is a fatal startup error per
// the design.
func Open(path string, maxOpenConns int) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "storage.Open",
		"path":     path,
	}).Info("storage journal opened")

	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error { return j.db.Close() }

// InsertTransfer atomically inserts the transfer row and every file row
// it carries. Partial failure rolls back the whole insert.
func (j *Journal) InsertTransfer(ctx context.Context, xfer *transfer.Transfer) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert transfer %s: begin: %w", xfer.ID, err)
	}
	defer tx.Rollback()

	isOutgoing := 0
	if xfer.Direction == transfer.Outgoing {
		isOutgoing = 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transfers (id, peer, is_outgoing, created_at) VALUES (?, ?, ?, ?)`,
		xfer.ID.String(), xfer.Peer, isOutgoing, xfer.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert transfer %s: %w", xfer.ID, err)
	}

	for _, f := range xfer.Files {
		if xfer.Direction == transfer.Outgoing {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO outgoing_paths (transfer_id, relative_path, path_hash, base_path, bytes, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				xfer.ID.String(), f.SubPath, f.ID, f.BaseDir, f.Size, xfer.CreatedAt,
			); err != nil {
				return fmt.Errorf("storage: insert outgoing path %s/%s: %w", xfer.ID, f.ID, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO incoming_paths (transfer_id, relative_path, path_hash, bytes, checksum, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				xfer.ID.String(), f.SubPath, f.ID, f.Size, nullableChecksum(f.Checksum), xfer.CreatedAt,
			); err != nil {
				return fmt.Errorf("storage: insert incoming path %s/%s: %w", xfer.ID, f.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: insert transfer %s: commit: %w", xfer.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Journal.InsertTransfer",
		"transfer_id": xfer.ID,
		"direction":   xfer.Direction,
		"file_count":  len(xfer.Files),
	}).Info("transfer inserted into journal")

	return nil
}

func nullableChecksum(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// --- transfer-level state ---

// InsertTransferActiveState records that a transfer has been accepted.
func (j *Journal) InsertTransferActiveState(ctx context.Context, id transfer.ID) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transfer_active_states (transfer_id) VALUES (?)`, id.String())
	return wrapExec(err, "insert transfer active state", id)
}

// InsertTransferCancelState records a transfer-level cancel.
func (j *Journal) InsertTransferCancelState(ctx context.Context, id transfer.ID, byPeer bool) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transfer_cancel_states (transfer_id, by_peer) VALUES (?, ?)`, id.String(), byPeer)
	return wrapExec(err, "insert transfer cancel state", id)
}

// InsertTransferFailedState records a transfer-level terminal failure.
func (j *Journal) InsertTransferFailedState(ctx context.Context, id transfer.ID, statusCode int) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transfer_failed_states (transfer_id, status_code) VALUES (?, ?)`, id.String(), statusCode)
	return wrapExec(err, "insert transfer failed state", id)
}

// --- outgoing per-file state ---

func (j *Journal) insertOutgoingState(ctx context.Context, table, extraCols, extraPlaceholders string, transferID transfer.ID, fileID transfer.FileID, extraArgs ...any) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (path_id%s)
		 SELECT id%s FROM outgoing_paths WHERE transfer_id = ? AND path_hash = ?`,
		table, extraCols, extraPlaceholders)

	args := append(append([]any{}, extraArgs...), transferID.String(), fileID)
	res, err := j.db.ExecContext(ctx, query, args...)
	return checkSubSelectResult(res, err, table, transferID, fileID)
}

// InsertOutgoingPathPendingState records that an outgoing file is queued.
func (j *Journal) InsertOutgoingPathPendingState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID) error {
	return j.insertOutgoingState(ctx, "outgoing_path_pending_states", "", "", transferID, fileID)
}

// InsertOutgoingPathStartedState records that an upload has begun.
func (j *Journal) InsertOutgoingPathStartedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID) error {
	return j.insertOutgoingState(ctx, "outgoing_path_started_states", "", "", transferID, fileID)
}

// InsertOutgoingPathCancelState records an upload cancel at bytesSent.
func (j *Journal) InsertOutgoingPathCancelState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, byPeer bool, bytesSent int64) error {
	return j.insertOutgoingState(ctx, "outgoing_path_cancel_states", ", by_peer, bytes_sent", ", ?, ?", transferID, fileID, byPeer, bytesSent)
}

// InsertOutgoingPathFailedState records an upload failure at bytesSent.
func (j *Journal) InsertOutgoingPathFailedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, statusCode int, bytesSent int64) error {
	return j.insertOutgoingState(ctx, "outgoing_path_failed_states", ", status_code, bytes_sent", ", ?, ?", transferID, fileID, statusCode, bytesSent)
}

// InsertOutgoingPathCompletedState records a completed upload.
func (j *Journal) InsertOutgoingPathCompletedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID) error {
	return j.insertOutgoingState(ctx, "outgoing_path_completed_states", "", "", transferID, fileID)
}

// InsertOutgoingPathRejectState records that the peer rejected an
// outgoing file before it started.
func (j *Journal) InsertOutgoingPathRejectState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, byPeer bool) error {
	return j.insertOutgoingState(ctx, "outgoing_path_reject_states", ", by_peer", ", ?", transferID, fileID, byPeer)
}

// --- incoming per-file state ---

func (j *Journal) insertIncomingState(ctx context.Context, table, extraCols, extraPlaceholders string, transferID transfer.ID, fileID transfer.FileID, extraArgs ...any) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (path_id%s)
		 SELECT id%s FROM incoming_paths WHERE transfer_id = ? AND path_hash = ?`,
		table, extraCols, extraPlaceholders)

	args := append(append([]any{}, extraArgs...), transferID.String(), fileID)
	res, err := j.db.ExecContext(ctx, query, args...)
	return checkSubSelectResult(res, err, table, transferID, fileID)
}

// InsertIncomingPathPendingState records that an incoming file is queued.
func (j *Journal) InsertIncomingPathPendingState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID) error {
	return j.insertIncomingState(ctx, "incoming_path_pending_states", "", "", transferID, fileID)
}

// InsertIncomingPathStartedState records that a download has begun,
// writing the base directory it is being written under.
func (j *Journal) InsertIncomingPathStartedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, baseDir string) error {
	return j.insertIncomingState(ctx, "incoming_path_started_states", ", base_dir", ", ?", transferID, fileID, baseDir)
}

// InsertIncomingPathCancelState records a download cancel at bytesReceived.
func (j *Journal) InsertIncomingPathCancelState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, byPeer bool, bytesReceived int64) error {
	return j.insertIncomingState(ctx, "incoming_path_cancel_states", ", by_peer, bytes_received", ", ?, ?", transferID, fileID, byPeer, bytesReceived)
}

// InsertIncomingPathFailedState records a download failure at bytesReceived.
func (j *Journal) InsertIncomingPathFailedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, statusCode int, bytesReceived int64) error {
	return j.insertIncomingState(ctx, "incoming_path_failed_states", ", status_code, bytes_received", ", ?, ?", transferID, fileID, statusCode, bytesReceived)
}

// InsertIncomingPathCompletedState records a completed download and the
// final on-disk path it was written to.
func (j *Journal) InsertIncomingPathCompletedState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, finalPath string) error {
	return j.insertIncomingState(ctx, "incoming_path_completed_states", ", final_path", ", ?", transferID, fileID, finalPath)
}

// InsertIncomingPathRejectState records that this peer rejected an
// incoming file before it started.
func (j *Journal) InsertIncomingPathRejectState(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, byPeer bool) error {
	return j.insertIncomingState(ctx, "incoming_path_reject_states", ", by_peer", ", ?", transferID, fileID, byPeer)
}

func checkSubSelectResult(res sql.Result, err error, table string, transferID transfer.ID, fileID transfer.FileID) error {
	if err != nil {
		return fmt.Errorf("storage: %s for %s/%s: %w", table, transferID, fileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: %s for %s/%s: rows affected: %w", table, transferID, fileID, err)
	}
	if n == 0 {
		// The sub-select found no parent row, so the INSERT ... SELECT
		// selected nothing and nothing was written.
		// Per SPEC_FULL.md §4.1 this is a no-op the caller must treat
		// as such, surfaced here as a distinguishable error value.
		logrus.WithFields(logrus.Fields{
			"function":    "Journal state insert",
			"table":       table,
			"transfer_id": transferID,
			"file_id":     fileID,
		}).Warn("state append for unknown parent row, ignored")
		return ErrUnknownParent
	}
	return nil
}

func wrapExec(err error, op string, id transfer.ID) error {
	if err != nil {
		return fmt.Errorf("storage: %s %s: %w", op, id, err)
	}
	return nil
}

// FetchChecksums returns the persisted content digests for every
// incoming file of transferID, keyed by file id; files with no stored
// checksum are omitted from the map.
func (j *Journal) FetchChecksums(ctx context.Context, transferID transfer.ID) (map[transfer.FileID][]byte, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT path_hash, checksum FROM incoming_paths WHERE transfer_id = ?`, transferID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: fetch checksums %s: %w", transferID, err)
	}
	defer rows.Close()

	out := make(map[transfer.FileID][]byte)
	for rows.Next() {
		var fileID string
		var sum []byte
		if err := rows.Scan(&fileID, &sum); err != nil {
			return nil, fmt.Errorf("storage: fetch checksums %s: scan: %w", transferID, err)
		}
		if sum != nil {
			out[fileID] = sum
		}
	}
	return out, rows.Err()
}

// SaveChecksum persists the full-content digest for one incoming file.
// Concurrent calls for the same file are last-writer-wins, matching
// original_source/drop-storage's unguarded UPDATE.
func (j *Journal) SaveChecksum(ctx context.Context, transferID transfer.ID, fileID transfer.FileID, digest []byte) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE incoming_paths SET checksum = ? WHERE transfer_id = ? AND path_hash = ?`,
		digest, transferID.String(), fileID)
	if err != nil {
		return fmt.Errorf("storage: save checksum %s/%s: %w", transferID, fileID, err)
	}
	return nil
}

// RemoveTransferFile deletes a file row iff it carries a Rejected
// event, checking both the outgoing and incoming tables since a caller
// only has a (transfer, file) pair, not a known direction.
func (j *Journal) RemoveTransferFile(ctx context.Context, transferID transfer.ID, fileID transfer.FileID) (RemovalResult, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return RemovalNotFound, fmt.Errorf("storage: remove transfer file %s/%s: begin: %w", transferID, fileID, err)
	}
	defer tx.Rollback()

	outRes, err := tx.ExecContext(ctx, `
		DELETE FROM outgoing_paths
		WHERE transfer_id = ? AND path_hash = ?
		AND id IN (SELECT path_id FROM outgoing_path_reject_states)`,
		transferID.String(), fileID)
	if err != nil {
		return RemovalNotFound, fmt.Errorf("storage: remove outgoing file %s/%s: %w", transferID, fileID, err)
	}
	outN, _ := outRes.RowsAffected()

	inRes, err := tx.ExecContext(ctx, `
		DELETE FROM incoming_paths
		WHERE transfer_id = ? AND path_hash = ?
		AND id IN (SELECT path_id FROM incoming_path_reject_states)`,
		transferID.String(), fileID)
	if err != nil {
		return RemovalNotFound, fmt.Errorf("storage: remove incoming file %s/%s: %w", transferID, fileID, err)
	}
	inN, _ := inRes.RowsAffected()

	if err := tx.Commit(); err != nil {
		return RemovalNotFound, fmt.Errorf("storage: remove transfer file %s/%s: commit: %w", transferID, fileID, err)
	}

	switch outN + inN {
	case 0:
		return RemovalNotFound, nil
	case 1:
		return RemovalOK, nil
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "Journal.RemoveTransferFile",
			"transfer_id": transferID,
			"file_id":     fileID,
		}).Warn("deleted a file from both outgoing and incoming paths")
		return RemovalBothDirections, nil
	}
}

// PurgeTransfers deletes the named transfers and every dependent row,
// relying on ON DELETE CASCADE foreign keys.
func (j *Journal) PurgeTransfers(ctx context.Context, ids []transfer.ID) error {
	for _, id := range ids {
		if _, err := j.db.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("storage: purge transfer %s: %w", id, err)
		}
	}
	return nil
}

// PurgeTransfersUntil deletes every transfer created strictly before ts.
func (j *Journal) PurgeTransfersUntil(ctx context.Context, ts time.Time) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM transfers WHERE created_at < ?`, ts); err != nil {
		return fmt.Errorf("storage: purge transfers until %s: %w", ts, err)
	}
	return nil
}

// TransfersSince returns every transfer created at or after since,
// reconstructed with its files and their ordered event histories sorted
// strictly by created_at ascending.
func (j *Journal) TransfersSince(ctx context.Context, since time.Time) ([]*transfer.Transfer, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, peer, is_outgoing, created_at FROM transfers WHERE created_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: transfers since %s: %w", since, err)
	}

	type row struct {
		id         string
		peer       string
		isOutgoing bool
		createdAt  time.Time
	}
	var base []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.peer, &r.isOutgoing, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: transfers since %s: scan: %w", since, err)
		}
		base = append(base, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*transfer.Transfer, 0, len(base))
	for _, r := range base {
		id, err := parseUUID(r.id)
		if err != nil {
			return nil, fmt.Errorf("storage: transfers since %s: parse id: %w", since, err)
		}

		dir := transfer.Incoming
		if r.isOutgoing {
			dir = transfer.Outgoing
		}

		files, events, err := j.loadTransferDetail(ctx, r.id, dir)
		if err != nil {
			return nil, err
		}

		xfer := transfer.New(id, r.peer, dir, files)
		xfer.CreatedAt = r.createdAt
		for _, ev := range events {
			_ = xfer.AppendEvent(ev)
		}
		out = append(out, xfer)
	}

	return out, nil
}

func (j *Journal) loadTransferDetail(ctx context.Context, transferIDStr string, dir transfer.Direction) ([]*transfer.File, []transfer.TransferEvent, error) {
	var files []*transfer.File
	var err error
	if dir == transfer.Outgoing {
		files, err = j.loadOutgoingPaths(ctx, transferIDStr)
	} else {
		files, err = j.loadIncomingPaths(ctx, transferIDStr)
	}
	if err != nil {
		return nil, nil, err
	}

	events, err := j.loadTransferEvents(ctx, transferIDStr)
	if err != nil {
		return nil, nil, err
	}

	return files, events, nil
}

func (j *Journal) loadTransferEvents(ctx context.Context, transferIDStr string) ([]transfer.TransferEvent, error) {
	var events []transfer.TransferEvent

	rows, err := j.db.QueryContext(ctx,
		`SELECT created_at FROM transfer_active_states WHERE transfer_id = ?`, transferIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: load transfer active states: %w", err)
	}
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, transfer.TransferEvent{Kind: transfer.EventActive, CreatedAt: ts})
	}
	rows.Close()

	rows, err = j.db.QueryContext(ctx,
		`SELECT by_peer, created_at FROM transfer_cancel_states WHERE transfer_id = ?`, transferIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: load transfer cancel states: %w", err)
	}
	for rows.Next() {
		var byPeer bool
		var ts time.Time
		if err := rows.Scan(&byPeer, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, transfer.TransferEvent{Kind: transfer.EventCancel, ByPeer: byPeer, CreatedAt: ts})
	}
	rows.Close()

	rows, err = j.db.QueryContext(ctx,
		`SELECT status_code, created_at FROM transfer_failed_states WHERE transfer_id = ?`, transferIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: load transfer failed states: %w", err)
	}
	for rows.Next() {
		var status int
		var ts time.Time
		if err := rows.Scan(&status, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, transfer.TransferEvent{Kind: transfer.EventFailed, Status: status, CreatedAt: ts})
	}
	rows.Close()

	sort.SliceStable(events, func(i, k int) bool { return events[i].CreatedAt.Before(events[k].CreatedAt) })
	return events, nil
}

func (j *Journal) loadOutgoingPaths(ctx context.Context, transferIDStr string) ([]*transfer.File, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, relative_path, path_hash, base_path, bytes FROM outgoing_paths WHERE transfer_id = ?`, transferIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: load outgoing paths: %w", err)
	}
	defer rows.Close()

	var files []*transfer.File
	var pathIDs []int64
	for rows.Next() {
		var pathID int64
		f := &transfer.File{}
		if err := rows.Scan(&pathID, &f.SubPath, &f.ID, &f.BaseDir, &f.Size); err != nil {
			return nil, fmt.Errorf("storage: load outgoing paths: scan: %w", err)
		}
		files = append(files, f)
		pathIDs = append(pathIDs, pathID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, f := range files {
		events, err := j.loadOutgoingFileEvents(ctx, pathIDs[i])
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			_ = f.AppendEvent(ev)
		}
	}
	return files, nil
}

func (j *Journal) loadOutgoingFileEvents(ctx context.Context, pathID int64) ([]transfer.FileEvent, error) {
	var events []transfer.FileEvent

	if err := queryInto(ctx, j.db, `SELECT created_at FROM outgoing_path_pending_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var ts time.Time
			if err := scan(&ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FilePending, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT created_at FROM outgoing_path_started_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var ts time.Time
			if err := scan(&ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileStarted, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT by_peer, bytes_sent, created_at FROM outgoing_path_cancel_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var byPeer bool
			var bytesSent int64
			var ts time.Time
			if err := scan(&byPeer, &bytesSent, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileCancel, ByPeer: byPeer, BytesSoFar: bytesSent, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT status_code, bytes_sent, created_at FROM outgoing_path_failed_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var status int
			var bytesSent int64
			var ts time.Time
			if err := scan(&status, &bytesSent, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileFailed, Status: status, BytesSoFar: bytesSent, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT created_at FROM outgoing_path_completed_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var ts time.Time
			if err := scan(&ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileCompleted, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT by_peer, created_at FROM outgoing_path_reject_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var byPeer bool
			var ts time.Time
			if err := scan(&byPeer, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileRejected, ByPeer: byPeer, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, k int) bool { return events[i].CreatedAt.Before(events[k].CreatedAt) })
	return events, nil
}

func (j *Journal) loadIncomingPaths(ctx context.Context, transferIDStr string) ([]*transfer.File, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, relative_path, path_hash, bytes, checksum FROM incoming_paths WHERE transfer_id = ?`, transferIDStr)
	if err != nil {
		return nil, fmt.Errorf("storage: load incoming paths: %w", err)
	}
	defer rows.Close()

	var files []*transfer.File
	var pathIDs []int64
	for rows.Next() {
		var pathID int64
		f := &transfer.File{}
		if err := rows.Scan(&pathID, &f.SubPath, &f.ID, &f.Size, &f.Checksum); err != nil {
			return nil, fmt.Errorf("storage: load incoming paths: scan: %w", err)
		}
		files = append(files, f)
		pathIDs = append(pathIDs, pathID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, f := range files {
		events, err := j.loadIncomingFileEvents(ctx, pathIDs[i])
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			_ = f.AppendEvent(ev)
		}
	}
	return files, nil
}

func (j *Journal) loadIncomingFileEvents(ctx context.Context, pathID int64) ([]transfer.FileEvent, error) {
	var events []transfer.FileEvent

	if err := queryInto(ctx, j.db, `SELECT created_at FROM incoming_path_pending_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var ts time.Time
			if err := scan(&ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FilePending, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT base_dir, created_at FROM incoming_path_started_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var baseDir string
			var ts time.Time
			if err := scan(&baseDir, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileStarted, BaseDir: baseDir, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT by_peer, bytes_received, created_at FROM incoming_path_cancel_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var byPeer bool
			var bytesReceived int64
			var ts time.Time
			if err := scan(&byPeer, &bytesReceived, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileCancel, ByPeer: byPeer, BytesSoFar: bytesReceived, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT status_code, bytes_received, created_at FROM incoming_path_failed_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var status int
			var bytesReceived int64
			var ts time.Time
			if err := scan(&status, &bytesReceived, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileFailed, Status: status, BytesSoFar: bytesReceived, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT final_path, created_at FROM incoming_path_completed_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var finalPath sql.NullString
			var ts time.Time
			if err := scan(&finalPath, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileCompleted, FinalPath: finalPath.String, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	if err := queryInto(ctx, j.db, `SELECT by_peer, created_at FROM incoming_path_reject_states WHERE path_id = ?`, []any{pathID},
		func(scan func(...any) error) error {
			var byPeer bool
			var ts time.Time
			if err := scan(&byPeer, &ts); err != nil {
				return err
			}
			events = append(events, transfer.FileEvent{Kind: transfer.FileRejected, ByPeer: byPeer, CreatedAt: ts})
			return nil
		}); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, k int) bool { return events[i].CreatedAt.Before(events[k].CreatedAt) })
	return events, nil
}

// queryInto runs query with args and feeds every resulting row to scan
// via a closure, keeping the six-table event-loading fan-out above from
// repeating the rows.Next/Scan/Close boilerplate six times per side.
func queryInto(ctx context.Context, db *sql.DB, query string, args []any, scan func(scanRow func(...any) error) error) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: query %s: %w", query, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows.Scan); err != nil {
			return fmt.Errorf("storage: query %s: scan: %w", query, err)
		}
	}
	return rows.Err()
}
