// Package telegram implements the userbot side of balesin: live MTProto
// connections bound to owner accounts, the supervisor that keeps a registry
// of them, the per-connection event router and the bubble-splitting reply
// transport.
//
// Everything above the wire talks to the narrow Connection interface, never
// to the underlying client type.
package telegram

import (
	"context"
	"errors"
	"strings"
)

// Errors surfaced by the connection layer.
var (
	// ErrNotAuthorized means the credential is invalid or revoked. It is
	// fatal for that credential: retrying the same session string cannot
	// succeed and callers must not treat it like a network hiccup.
	ErrNotAuthorized = errors.New("session is not authorized")

	// ErrNotConnected means the connection is no longer live.
	ErrNotConnected = errors.New("connection is not live")

	// ErrEntityNotFound means no recipient entity could be resolved for a
	// user id through any strategy.
	ErrEntityNotFound = errors.New("entity not found")
)

// Identity describes a Telegram user as seen by a live connection.
type Identity struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	Bot       bool
}

// DisplayName returns the best human-readable name for logs and prompts.
func (id Identity) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(id.FirstName) + " " + strings.TrimSpace(id.LastName))
	if full != "" {
		return full
	}
	if id.Username != "" {
		return "@" + id.Username
	}
	return ""
}

// Recipient is a resolved outbound peer. Sending to a user requires both
// the id and the access hash the server issued to this session.
type Recipient struct {
	UserID     int64
	AccessHash int64
}

// MessageEvent is one incoming message delivered by a connection. ChatID is
// positive for one-to-one private chats and negative for groups and
// channels, matching the id-space convention the router filters on.
type MessageEvent struct {
	ChatID   int64
	SenderID int64
	Text     string
	Outgoing bool

	// Sender carries the sender entity when the update included it.
	// Nil when the server sent only the bare message.
	Sender *Identity
}

// MessageContext is the normalized value object handed to the responder.
type MessageContext struct {
	OwnerUserID     int64
	ChatID          int64
	SenderID        int64
	Text            string
	SenderUsername  string
	SenderFirstName string
	SenderLastName  string
}

// Reply is a produced answer plus free-form metadata.
type Reply struct {
	Content  string
	Metadata map[string]any
}

// MessageHandler produces a reply for an admitted message, or nil when the
// turn should be dropped silently.
type MessageHandler interface {
	Handle(ctx context.Context, mctx MessageContext) (*Reply, error)
}

// Connection is a live MTProto session bound to exactly one owner.
type Connection interface {
	// IsLive reports whether the underlying session is still connected.
	IsLive() bool

	// Disconnect tears the connection down. Safe to call more than once.
	Disconnect() error

	// Self returns the authenticated account's identity.
	Self() Identity

	// Events returns the stream of incoming message events. The channel is
	// closed when the connection dies.
	Events() <-chan MessageEvent

	// DroppedEvents counts inbound messages dropped because the event
	// buffer was full.
	DroppedEvents() uint64

	// Ping verifies the session still round-trips to the server with a
	// lightweight self lookup.
	Ping(ctx context.Context) error

	// SendText sends one outbound text message.
	SendText(ctx context.Context, to Recipient, text string) error

	// ResolveRecipient resolves an outbound peer for a user id, trying the
	// session entity cache, a direct user fetch and finally a dialog scan.
	ResolveRecipient(ctx context.Context, userID int64) (Recipient, error)

	// LookupUser resolves a user's display identity with the same
	// cascading strategies as ResolveRecipient.
	LookupUser(ctx context.Context, userID int64) (Identity, error)
}
