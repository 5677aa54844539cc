package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropsync/dropsync/storage"
	"github.com/dropsync/dropsync/transfer"
)

// ErrFileNotRemovable is returned by RemoveTransferFile when no
// rejected row matched the named file, mirroring the original's
// Ok(None) => Err(Error::InvalidArgument) for the same call.
var ErrFileNotRemovable = errors.New("service: file has no removable rejected record")

// queryTimeout bounds the journal calls below, which run against the
// host's own request rather than an in-flight transfer.
const queryTimeout = 10 * time.Second

func (s *Service) queryContext() (context.Context, context.CancelFunc) {
	parent := context.Background()
	if ctx, ok := s.rootContext(); ok {
		parent = ctx
	}
	return context.WithTimeout(parent, queryTimeout)
}

// PurgeTransfers permanently removes the named transfers and their file
// histories from the journal.
func (s *Service) PurgeTransfers(ids []transfer.ID) error {
	ctx, cancel := s.queryContext()
	defer cancel()
	if err := s.journal.PurgeTransfers(ctx, ids); err != nil {
		return fmt.Errorf("service: purge transfers: %w", err)
	}
	return nil
}

// PurgeTransfersUntil permanently removes every transfer created
// strictly before until.
func (s *Service) PurgeTransfersUntil(until time.Time) error {
	ctx, cancel := s.queryContext()
	defer cancel()
	if err := s.journal.PurgeTransfersUntil(ctx, until); err != nil {
		return fmt.Errorf("service: purge transfers until: %w", err)
	}
	return nil
}

// TransfersSince reconstructs every transfer created at or after since,
// complete with file lists and event histories.
func (s *Service) TransfersSince(since time.Time) ([]*transfer.Transfer, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	xfers, err := s.journal.TransfersSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("service: transfers since: %w", err)
	}
	return xfers, nil
}

// RemoveTransferFile deletes a rejected file's row from the journal,
// the cleanup step a host runs after a Reject to reclaim storage for a
// file it will never fetch.
func (s *Service) RemoveTransferFile(transferID transfer.ID, fileID transfer.FileID) error {
	ctx, cancel := s.queryContext()
	defer cancel()

	result, err := s.journal.RemoveTransferFile(ctx, transferID, fileID)
	if err != nil {
		return fmt.Errorf("service: remove transfer file: %w", err)
	}
	if result == storage.RemovalNotFound {
		return fmt.Errorf("service: remove transfer file %s/%s: %w", transferID, fileID, ErrFileNotRemovable)
	}
	return nil
}
