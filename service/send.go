package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/protocol"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// OutgoingFile names one local file to offer in a SendRequest call:
// SubPath is the relative path advertised to the peer (and the name
// under which its stable FileID is derived), BaseDir the local
// directory it's read from.
type OutgoingFile struct {
	SubPath string
	BaseDir string
}

// SendRequest stats every named file, registers a new outgoing
// Transfer, dials peerAddr, and launches the Session that offers the
// transfer and answers the peer's Start/Cancel/Reject/ReqChsum
// messages for its lifetime. It returns the transfer's id as soon as
// the connection is established; the exchange itself proceeds in the
// background, observable through Bus subscriptions.
func (s *Service) SendRequest(peerAddr string, files []OutgoingFile) (transfer.ID, error) {
	ctx, ok := s.rootContext()
	if !ok {
		return transfer.ID{}, ErrNotRunning
	}
	if len(files) == 0 {
		return transfer.ID{}, fmt.Errorf("service: send request: no files named")
	}

	xferFiles := make([]*transfer.File, 0, len(files))
	for _, f := range files {
		full := filepath.Join(f.BaseDir, f.SubPath)
		info, err := os.Stat(full)
		if err != nil {
			return transfer.ID{}, fmt.Errorf("service: send request: stat %s: %w", full, err)
		}
		if info.IsDir() {
			return transfer.ID{}, fmt.Errorf("service: send request: %s is a directory", full)
		}
		xferFiles = append(xferFiles, &transfer.File{
			ID:      protocol.DeriveFileID(f.SubPath),
			SubPath: f.SubPath,
			Size:    info.Size(),
			BaseDir: f.BaseDir,
		})
	}

	id := uuid.New()
	xfer := transfer.New(id, peerAddr, transfer.Outgoing, xferFiles)

	s.bus.Publish(events.Event{Kind: events.TransferQueued, TransferID: id, Direction: transfer.Outgoing, At: time.Now()})
	if err := s.journal.InsertTransfer(ctx, xfer); err != nil {
		return transfer.ID{}, fmt.Errorf("service: send request: journal insert: %w", err)
	}

	dialCfg := s.cfg.Dial
	dialCfg.Header = s.cfg.Auth.OutgoingHeader()
	conn, err := wire.Dial(ctx, peerAddr, dialCfg)
	if err != nil {
		_ = s.journal.InsertTransferFailedState(ctx, id, int(protocol.StatusConnectTimeout))
		s.bus.Publish(events.Event{
			Kind: events.TransferFailed, TransferID: id, Direction: transfer.Outgoing,
			Status: int(protocol.StatusConnectTimeout), At: time.Now(),
		})
		return transfer.ID{}, fmt.Errorf("service: send request: dial %s: %w", peerAddr, err)
	}

	if err := s.manager.InsertTransfer(xfer, conn); err != nil {
		_ = conn.Close()
		return transfer.ID{}, fmt.Errorf("service: send request: %w", err)
	}

	if err := xfer.AppendEvent(transfer.TransferEvent{Kind: transfer.EventActive}); err != nil {
		_ = conn.Close()
		return transfer.ID{}, fmt.Errorf("service: send request: %w", err)
	}
	if err := s.journal.InsertTransferActiveState(ctx, id); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.SendRequest", "transfer_id": id}).
			WithError(err).Warn("failed to journal active state")
	}
	s.bus.Publish(events.Event{Kind: events.TransferActive, TransferID: id, Direction: transfer.Outgoing, At: time.Now()})

	sess := protocol.NewSession(ctx, conn, xfer, s.manager, s.bus, s.checksums, s.journal, s.cfg.Session)
	s.registerSession(id, sess)

	s.wg.Add(1)
	go s.runSession(id, sess)

	logrus.WithFields(logrus.Fields{
		"function": "Service.SendRequest", "transfer_id": id, "peer": peerAddr, "files": len(files),
	}).Info("sent transfer request")

	return id, nil
}
