package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dropsync/dropsync/transfer"
)

// ErrUnknownFile is returned by Download for a file id that doesn't
// belong to the named transfer. Cancel and Reject report an unknown
// file through the session's own protocol error instead.
var ErrUnknownFile = fmt.Errorf("service: unknown file")

// Download begins receiving fileID of transferID into parentDir,
// performing the path-hygiene checks and directory-mapping collision
// resolution from SPEC_FULL.md §4.7 before handing off to the
// Session's per-file download sub-task: the file must exist in the
// transfer and not be rejected, the mapped absolute destination must
// not escape parentDir, no ancestor of its parent directory may be a
// symlink, and the parent directory is created if missing.
//
// Grounded on original_source/drop-transfer/src/service.rs's download
// method, in the exact order it performs these checks.
func (s *Service) Download(transferID transfer.ID, fileID transfer.FileID, parentDir string) error {
	sess, ok := s.session(transferID)
	if !ok {
		return fmt.Errorf("service: download: %w", transfer.ErrNotFound)
	}

	if err := s.manager.EnsureFileNotRejected(transferID, fileID); err != nil {
		return fmt.Errorf("service: download: %w", err)
	}

	xfer, ok := s.manager.Transfer(transferID)
	if !ok {
		return fmt.Errorf("service: download: %w", transfer.ErrNotFound)
	}
	file, ok := xfer.File(fileID)
	if !ok {
		return fmt.Errorf("service: download: %s: %w", fileID, ErrUnknownFile)
	}

	mapped, err := s.manager.ApplyDirMapping(transferID, parentDir, file.SubPath)
	if err != nil {
		return fmt.Errorf("service: download: %w", err)
	}

	if err := validateDownloadPath(parentDir, mapped); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(mapped), 0o755); err != nil {
		return fmt.Errorf("service: download: mkdir %s: %w", filepath.Dir(mapped), err)
	}

	return sess.Download(fileID, parentDir)
}

// Cancel aborts fileID within transferID, the single-file cancel
// operation from SPEC_FULL.md §4.7.
func (s *Service) Cancel(transferID transfer.ID, fileID transfer.FileID) error {
	sess, ok := s.session(transferID)
	if !ok {
		return fmt.Errorf("service: cancel: %w", transfer.ErrNotFound)
	}
	return sess.Cancel(fileID)
}

// Reject marks fileID within transferID rejected, the single-file
// reject operation from SPEC_FULL.md §4.7.
func (s *Service) Reject(transferID transfer.ID, fileID transfer.FileID) error {
	sess, ok := s.session(transferID)
	if !ok {
		return fmt.Errorf("service: reject: %w", transfer.ErrNotFound)
	}
	return sess.Reject(fileID)
}

// CancelAll aborts every running sub-task of transferID, marks the
// transfer itself canceled, and deregisters it: no further Download,
// Cancel, or Reject call will find it afterward. It then closes the
// underlying connection itself, since a connection that serves exactly
// one transfer has nothing left to do once that transfer is terminal.
func (s *Service) CancelAll(transferID transfer.ID) error {
	sess, ok := s.session(transferID)
	if !ok {
		return fmt.Errorf("service: cancel all: %w", transfer.ErrNotFound)
	}

	if err := sess.CancelAll(false); err != nil {
		return fmt.Errorf("service: cancel all: %w", err)
	}

	s.manager.CancelTransfer(transferID)
	s.unregisterSession(transferID)
	_ = sess.Conn.Close()

	return nil
}
