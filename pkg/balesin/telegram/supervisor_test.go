package telegram

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// dialedConn is a controllable Connection for supervisor tests.
type dialedConn struct {
	fakeConn
	self   Identity
	live   atomic.Bool
	events chan MessageEvent
}

func newDialedConn(ownerID int64) *dialedConn {
	c := &dialedConn{
		self:   Identity{UserID: ownerID},
		events: make(chan MessageEvent, 8),
	}
	c.live.Store(true)
	return c
}

func (c *dialedConn) IsLive() bool                { return c.live.Load() }
func (c *dialedConn) Self() Identity              { return c.self }
func (c *dialedConn) Events() <-chan MessageEvent { return c.events }
func (c *dialedConn) Disconnect() error {
	c.live.Store(false)
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
	next  func() *dialedConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.next(), nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingSink struct {
	mu     sync.Mutex
	events []MessageEvent
}

func (s *recordingSink) Dispatch(_ context.Context, _ Connection, ev MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSupervisorStart_ReusesHealthyConnection(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(1) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	first, err := sup.Start(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := sup.Start(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if first != second {
		t.Error("expected the same connection for the same credential")
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
	if sup.Count() != 1 {
		t.Errorf("count = %d, want 1", sup.Count())
	}
}

func TestSupervisorStart_ReplacesDeadConnection(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(1) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	first, err := sup.Start(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	first.(*dialedConn).live.Store(false)

	second, err := sup.Start(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}

	if first == second {
		t.Error("expected a fresh connection after the first died")
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", dialer.dialCount())
	}
}

func TestSupervisorStart_ConcurrentStartsCollapse(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(1) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sup.Start(context.Background(), "cred-a"); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
}

func TestSupervisorStop_UnknownCredentialIsNoop(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(1) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	sup.Stop("never-started")

	if sup.Count() != 0 {
		t.Errorf("count = %d, want 0", sup.Count())
	}
}

func TestSupervisorStop_RemovesRegistration(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(7) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	if _, err := sup.Start(context.Background(), "cred-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sup.IsOwnerRunning(7) {
		t.Fatal("expected owner 7 running")
	}

	sup.Stop("cred-a")

	if sup.IsOwnerRunning(7) {
		t.Error("expected owner 7 stopped")
	}
	if sup.Count() != 0 {
		t.Errorf("count = %d, want 0", sup.Count())
	}
}

func TestSupervisorPing_UnknownCredential(t *testing.T) {
	dialer := &fakeDialer{next: func() *dialedConn { return newDialedConn(1) }}
	sup := NewSupervisor(dialer, &recordingSink{}, nil)

	if err := sup.Ping(context.Background(), "never-started"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}

	if _, err := sup.Start(context.Background(), "cred-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Ping(context.Background(), "cred-a"); err != nil {
		t.Errorf("ping on live connection: %v", err)
	}
}

func TestSupervisorListen_ForwardsEvents(t *testing.T) {
	conn := newDialedConn(1)
	dialer := &fakeDialer{next: func() *dialedConn { return conn }}
	sink := &recordingSink{}
	sup := NewSupervisor(dialer, sink, nil)

	if _, err := sup.Start(context.Background(), "cred-a"); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn.events <- MessageEvent{ChatID: 2, SenderID: 2, Text: "halo"}

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("event never reached the sink")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
