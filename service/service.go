// Package service is the Service Façade from SPEC_FULL.md §4.7: the
// single entry point a host process drives, bundling the Transfer
// Manager, Event Bus, Checksum Cache and Storage Journal/Dispatcher
// behind a small surface (Start/Stop, SendRequest, Download, Cancel,
// CancelAll, Reject, and the bulk query/purge calls) and owning the
// incoming-connection accept loop the Protocol Engine's Session type
// needs a home for.
//
// Grounded on original_source/drop-transfer/src/service.rs's
// State/Service pair: a Service struct holding an Arc<State> and a stop
// CancellationToken in the original becomes one struct here holding its
// collaborators directly plus a root context.Context/CancelFunc created
// in Start and canceled by Stop, the same single-cancellation-token
// design SPEC_FULL.md §5 uses throughout.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropsync/dropsync/checksum"
	"github.com/dropsync/dropsync/events"
	"github.com/dropsync/dropsync/protocol"
	"github.com/dropsync/dropsync/storage"
	"github.com/dropsync/dropsync/transfer"
	"github.com/dropsync/dropsync/wire"
)

// ErrAlreadyRunning is returned by Start on a Service already started.
var ErrAlreadyRunning = errors.New("service: already running")

// ErrNotRunning is returned by Stop, and by any operation that requires
// a live listener, on a Service that hasn't been started.
var ErrNotRunning = errors.New("service: not running")

// ErrServiceStop is returned by Stop when the background goroutines
// (sessions, dispatcher, listener) didn't join within the shutdown
// grace period, mirroring the original's Error::ServiceStop for a
// failed join_handle.await.
var ErrServiceStop = errors.New("service: stop did not complete cleanly")

// shutdownGrace bounds how long Stop waits for every tracked goroutine
// to notice the canceled root context before giving up and reporting
// ErrServiceStop.
const shutdownGrace = 10 * time.Second

// Config bundles the tunables Start needs beyond the bind address.
type Config struct {
	Dial    wire.DialConfig
	Session protocol.Config
	// Auth gates incoming connections and authenticates outgoing
	// ones. Defaults to NoAuth when left nil.
	Auth Authenticator
}

// DefaultConfig returns the values used when the host doesn't override
// them.
func DefaultConfig() Config {
	return Config{Dial: wire.DialConfig{}, Session: protocol.DefaultConfig(), Auth: NoAuth{}}
}

// Service is the façade a host process constructs once and drives for
// the life of the program. All exported methods are safe for
// concurrent use.
type Service struct {
	journal    *storage.Journal
	bus        *events.Bus
	manager    *transfer.Manager
	checksums  *checksum.Store
	dispatcher *storage.Dispatcher
	cfg        Config

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	listener   net.Listener
	httpServer *http.Server
	sessions   map[transfer.ID]*protocol.Session
	wg         sync.WaitGroup
}

// New constructs an unstarted Service backed by journal for durable
// state and bus for lifecycle notifications. Call Start to begin
// accepting connections.
func New(journal *storage.Journal, bus *events.Bus, cfg Config) *Service {
	if cfg.Auth == nil {
		cfg.Auth = NoAuth{}
	}
	return &Service{
		journal:    journal,
		bus:        bus,
		manager:    transfer.NewManager(),
		checksums:  checksum.NewStore(),
		dispatcher: storage.NewDispatcher(journal),
		cfg:        cfg,
		sessions:   make(map[transfer.ID]*protocol.Session),
	}
}

// Start binds addr and begins accepting incoming transfer requests on
// /drop/1 through /drop/4, and begins draining the Event Bus into the
// Storage Dispatcher. It returns once the listener is bound; accepting
// and session handling continue in background goroutines tracked so
// Stop can wait for them to finish.
func (s *Service) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("service: start: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("/drop/", s.handleUpgrade)

	s.ctx = ctx
	s.cancel = cancel
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}
	s.running = true
	s.mu.Unlock()

	dispatchSub, unsubscribe := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.dispatcher.Run(ctx, dispatchSub)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{"function": "Service.Start"}).WithError(err).Error("listener stopped unexpectedly")
		}
	}()

	logrus.WithFields(logrus.Fields{"function": "Service.Start", "addr": ln.Addr().String()}).Info("service started")
	return nil
}

// Addr returns the listener's bound address. Only meaningful while
// running; returns nil otherwise.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop cancels the root context — which, per the Session.Run
// connection-close-on-cancel behavior, promptly unblocks every live
// session's blocked read — closes the listener, and waits up to
// shutdownGrace for every tracked goroutine to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel := s.cancel
	srv := s.httpServer
	s.running = false
	s.mu.Unlock()

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.WithFields(logrus.Fields{"function": "Service.Stop"}).Info("service stopped")
		return nil
	case <-time.After(shutdownGrace):
		return ErrServiceStop
	}
}

func (s *Service) rootContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, false
	}
	return s.ctx, true
}

func (s *Service) registerSession(id transfer.ID, sess *protocol.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
}

func (s *Service) unregisterSession(id transfer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Service) session(id transfer.ID) (*protocol.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// runSession drives sess to completion and records the outcome, the
// shared tail end of both the accept loop and SendRequest. Called with
// s.wg already incremented by the caller.
func (s *Service) runSession(id transfer.ID, sess *protocol.Session) {
	defer s.wg.Done()

	err := sess.Run()
	s.unregisterSession(id)
	if err == nil {
		return
	}

	status := protocol.StatusFramingError
	var perr *protocol.Error
	if errors.As(err, &perr) {
		status = perr.Status
	}

	direction := transfer.Outgoing
	if xfer, ok := s.manager.Transfer(id); ok {
		direction = xfer.Direction
		_ = xfer.AppendEvent(transfer.TransferEvent{Kind: transfer.EventFailed, Status: int(status)})
	}
	s.bus.Publish(events.Event{
		Kind: events.TransferFailed, TransferID: id, Direction: direction,
		Status: int(status), At: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.InsertTransferFailedState(ctx, id, int(status)); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Service.runSession", "transfer_id": id}).
			WithError(err).Warn("failed to journal transfer failure")
	}
}
