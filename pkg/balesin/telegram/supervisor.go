package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EventSink receives inbound message events from supervised connections.
type EventSink interface {
	Dispatch(ctx context.Context, conn Connection, ev MessageEvent)
}

// ConnectionDialer opens a connection from a stored credential.
type ConnectionDialer interface {
	Dial(ctx context.Context, credential string) (Connection, error)
}

// Supervisor owns the fleet of live userbot connections. Connections are
// registered under both their credential and the owning Telegram user id,
// so a restart with the same credential reuses the healthy connection
// instead of opening a second one.
type Supervisor struct {
	dialer ConnectionDialer
	sink   EventSink
	logger *slog.Logger

	mu           sync.RWMutex
	byCredential map[string]*supervised
	byOwner      map[int64]*supervised

	// starting serializes Start calls per credential so concurrent starts
	// for the same account collapse into one dial.
	startMu  sync.Mutex
	starting map[string]*sync.Mutex
}

type supervised struct {
	conn       Connection
	credential string
	ownerID    int64
	stop       context.CancelFunc
}

// NewSupervisor creates a Supervisor that dials with dialer and forwards
// inbound events to sink.
func NewSupervisor(dialer ConnectionDialer, sink EventSink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		dialer:       dialer,
		sink:         sink,
		logger:       logger.With("component", "supervisor"),
		byCredential: make(map[string]*supervised),
		byOwner:      make(map[int64]*supervised),
		starting:     make(map[string]*sync.Mutex),
	}
}

// Start ensures a live connection exists for the credential and returns it.
// A healthy existing connection is returned as-is; a dead one is torn down
// and replaced. ErrNotAuthorized propagates unchanged so the caller can
// disable the account instead of retrying.
func (s *Supervisor) Start(ctx context.Context, credential string) (Connection, error) {
	lock := s.startLock(credential)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing := s.byCredential[credential]
	s.mu.RUnlock()

	if existing != nil {
		if existing.conn.IsLive() {
			return existing.conn, nil
		}
		s.logger.Info("replacing dead connection", "owner_id", existing.ownerID)
		s.remove(existing)
	}

	conn, err := s.dialer.Dial(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("starting userbot: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sup := &supervised{
		conn:       conn,
		credential: credential,
		ownerID:    conn.Self().UserID,
		stop:       cancel,
	}

	s.mu.Lock()
	s.byCredential[credential] = sup
	s.byOwner[sup.ownerID] = sup
	s.mu.Unlock()

	go s.listen(listenCtx, sup)
	return conn, nil
}

// Stop disconnects the connection registered under the credential. Unknown
// credentials are a no-op.
func (s *Supervisor) Stop(credential string) {
	s.mu.RLock()
	sup := s.byCredential[credential]
	s.mu.RUnlock()
	if sup == nil {
		return
	}
	s.remove(sup)
	s.logger.Info("userbot stopped", "owner_id", sup.ownerID)
}

// StopAll disconnects every supervised connection.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	all := make([]*supervised, 0, len(s.byCredential))
	for _, sup := range s.byCredential {
		all = append(all, sup)
	}
	s.mu.RUnlock()
	for _, sup := range all {
		s.remove(sup)
	}
}

// IsOwnerRunning reports whether a live connection exists for the Telegram
// user id. The router uses this to recognize messages sent by other
// accounts of the same fleet.
func (s *Supervisor) IsOwnerRunning(ownerUserID int64) bool {
	s.mu.RLock()
	sup := s.byOwner[ownerUserID]
	s.mu.RUnlock()
	return sup != nil && sup.conn.IsLive()
}

// IsRunning reports whether a live connection exists for the credential.
func (s *Supervisor) IsRunning(credential string) bool {
	s.mu.RLock()
	sup := s.byCredential[credential]
	s.mu.RUnlock()
	return sup != nil && sup.conn.IsLive()
}

// Count returns the number of registered connections.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCredential)
}

// Ping round-trips the connection registered under the credential to the
// server. Unknown credentials report ErrNotConnected.
func (s *Supervisor) Ping(ctx context.Context, credential string) error {
	s.mu.RLock()
	sup := s.byCredential[credential]
	s.mu.RUnlock()
	if sup == nil {
		return ErrNotConnected
	}
	return sup.conn.Ping(ctx)
}

// DroppedEvents sums the inbound messages dropped under back-pressure
// across the fleet.
func (s *Supervisor) DroppedEvents() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, sup := range s.byCredential {
		n += sup.conn.DroppedEvents()
	}
	return n
}

// listen drains the connection's event stream, handling each event in its
// own goroutine so one slow reply never blocks the stream.
func (s *Supervisor) listen(ctx context.Context, sup *supervised) {
	for {
		select {
		case ev, ok := <-sup.conn.Events():
			if !ok {
				return
			}
			go s.sink.Dispatch(ctx, sup.conn, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) remove(sup *supervised) {
	s.mu.Lock()
	if s.byCredential[sup.credential] == sup {
		delete(s.byCredential, sup.credential)
	}
	if s.byOwner[sup.ownerID] == sup {
		delete(s.byOwner, sup.ownerID)
	}
	s.mu.Unlock()

	sup.stop()
	if err := sup.conn.Disconnect(); err != nil {
		s.logger.Warn("disconnect failed", "owner_id", sup.ownerID, "error", err)
	}
}

func (s *Supervisor) startLock(credential string) *sync.Mutex {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	lock, ok := s.starting[credential]
	if !ok {
		lock = &sync.Mutex{}
		s.starting[credential] = lock
	}
	return lock
}
