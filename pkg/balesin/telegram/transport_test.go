package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
)

func testDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSplitBubbles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "no marker",
			content: "single message",
			want:    []string{"single message"},
		},
		{
			name:    "two bubbles",
			content: "first thought!!!second thought",
			want:    []string{"first thought", "second thought"},
		},
		{
			name:    "trims whitespace around segments",
			content: "  hello  !!!  world  ",
			want:    []string{"hello", "world"},
		},
		{
			name:    "drops empty segments",
			content: "!!!only one!!!",
			want:    []string{"only one"},
		},
		{
			name:    "marker only",
			content: "!!!",
			want:    []string{},
		},
		{
			name:    "whitespace only",
			content: "   ",
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitBubbles(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitBubbles(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

// fakeConn is a scripted Connection for transport and router tests.
type fakeConn struct {
	mu       sync.Mutex
	self     Identity
	sent     []string
	sendErrs map[int]error // by call index
	resolve  error
	lookup   map[int64]Identity
	calls    int
}

func (f *fakeConn) IsLive() bool                { return true }
func (f *fakeConn) Disconnect() error           { return nil }
func (f *fakeConn) Self() Identity              { return f.self }
func (f *fakeConn) Events() <-chan MessageEvent { return nil }
func (f *fakeConn) DroppedEvents() uint64       { return 0 }
func (f *fakeConn) Ping(context.Context) error  { return nil }

func (f *fakeConn) SendText(_ context.Context, _ Recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if err, ok := f.sendErrs[idx]; ok {
		return err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) ResolveRecipient(_ context.Context, userID int64) (Recipient, error) {
	if f.resolve != nil {
		return Recipient{}, f.resolve
	}
	return Recipient{UserID: userID, AccessHash: 42}, nil
}

func (f *fakeConn) LookupUser(_ context.Context, userID int64) (Identity, error) {
	if id, ok := f.lookup[userID]; ok {
		return id, nil
	}
	return Identity{}, ErrEntityNotFound
}

func (f *fakeConn) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestTransportDeliver_AllBubbles(t *testing.T) {
	conn := &fakeConn{}
	tr := NewTransport(nil)

	tr.Deliver(context.Background(), conn, 100, "one!!!two!!!three")

	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(conn.sentMessages(), want) {
		t.Errorf("sent = %v, want %v", conn.sentMessages(), want)
	}
}

func TestTransportDeliver_FailedBubbleIsSkipped(t *testing.T) {
	conn := &fakeConn{sendErrs: map[int]error{1: fmt.Errorf("flood wait")}}
	tr := NewTransport(nil)

	tr.Deliver(context.Background(), conn, 100, "one!!!two!!!three")

	// The middle bubble failed; the others still went out.
	want := []string{"one", "three"}
	if !reflect.DeepEqual(conn.sentMessages(), want) {
		t.Errorf("sent = %v, want %v", conn.sentMessages(), want)
	}
}

func TestTransportDeliver_NoRecipientAbandons(t *testing.T) {
	conn := &fakeConn{resolve: ErrEntityNotFound}
	tr := NewTransport(nil)

	tr.Deliver(context.Background(), conn, 100, "hello")

	if len(conn.sentMessages()) != 0 {
		t.Errorf("expected no sends, got %v", conn.sentMessages())
	}
}

func TestTransportDeliver_EmptyContentIsNoop(t *testing.T) {
	conn := &fakeConn{}
	tr := NewTransport(nil)

	tr.Deliver(context.Background(), conn, 100, "   ")

	if len(conn.sentMessages()) != 0 {
		t.Errorf("expected no sends, got %v", conn.sentMessages())
	}
}
