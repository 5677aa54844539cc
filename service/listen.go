package service

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/protocol"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// handleUpgrade is the HTTP entry point for every "/drop/<n>" path,
// completing the websocket handshake at the version the path names
// before handing the framed connection off to acceptIncoming.
func (s *Service) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	v, ok := wire.VersionFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "unsupported version", http.StatusNotFound)
		return
	}

	if err := s.cfg.Auth.AuthenticateIncoming(r); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.handleUpgrade", "peer": r.RemoteAddr}).
			WithError(err).Warn("rejected unauthenticated connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wire.Upgrade(w, r, v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.handleUpgrade"}).WithError(err).Warn("upgrade failed")
		return
	}

	go s.acceptIncoming(conn, r.RemoteAddr)
}

// acceptIncoming reads and validates the TransferRequest that must open
// a freshly upgraded connection, registers the resulting incoming
// Transfer, and launches its Session, mirroring the registration steps
// SendRequest performs for an outgoing transfer.
func (s *Service) acceptIncoming(conn *wire.Conn, peerAddr string) {
	ctx, ok := s.rootContext()
	if !ok {
		_ = conn.Close()
		return
	}

	transferIDStr, files, err := protocol.AcceptTransferRequest(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "peer": peerAddr}).
			WithError(err).Warn("rejected incoming connection")
		_ = conn.Close()
		return
	}

	id, err := uuid.Parse(transferIDStr)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "peer": peerAddr}).
			WithError(err).Warn("bad transfer id in TransferRequest")
		_ = conn.Close()
		return
	}

	xfer := transfer.New(id, peerAddr, transfer.Incoming, files)
	if err := s.manager.InsertTransfer(xfer, conn); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "transfer_id": id}).
			WithError(err).Warn("duplicate incoming transfer id")
		_ = conn.Close()
		return
	}

	if err := s.journal.InsertTransfer(ctx, xfer); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "transfer_id": id}).
			WithError(err).Warn("failed to journal incoming transfer")
	}

	if sums, err := s.journal.FetchChecksums(ctx, id); err == nil {
		for _, f := range files {
			if digest, ok := sums[f.ID]; ok {
				f.Checksum = digest
				_ = s.checksums.Preload(id.String(), f.ID, digest)
			}
		}
	}

	if err := xfer.AppendEvent(transfer.TransferEvent{Kind: transfer.EventActive}); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "transfer_id": id}).
			WithError(err).Warn("transfer already terminal on accept")
	}
	if err := s.journal.InsertTransferActiveState(ctx, id); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.acceptIncoming", "transfer_id": id}).
			WithError(err).Warn("failed to journal active state")
	}
	s.bus.Publish(events.Event{
		Kind: events.TransferActive, TransferID: id, Direction: transfer.Incoming, At: time.Now(),
	})

	sess := protocol.NewSession(ctx, conn, xfer, s.manager, s.bus, s.checksums, s.journal, s.cfg.Session)
	s.registerSession(id, sess)

	s.wg.Add(1)
	go s.runSession(id, sess)

	logrus.WithFields(logrus.Fields{
		"function": "Service.acceptIncoming", "transfer_id": id, "peer": peerAddr, "files": len(files),
	}).Info("accepted incoming transfer")
}
