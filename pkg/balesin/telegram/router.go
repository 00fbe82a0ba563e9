package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prastowoa/balesin/pkg/balesin/store"
)

// FleetRegistry answers whether a Telegram user id belongs to another
// account supervised by this process. Used to keep two userbots of the
// fleet from replying to each other forever.
type FleetRegistry interface {
	IsOwnerRunning(ownerUserID int64) bool
}

// OwnerGate answers whether the owning account has the responder enabled.
type OwnerGate interface {
	IsEnabled(ctx context.Context, ownerUserID int64) (bool, error)
}

// Router filters inbound events and hands admitted ones to the responder.
// Every event is judged against the same chain: no text or our own
// outgoing traffic, messages from bots, messages from other fleet
// accounts, and anything outside a private chat are all dropped before the
// owner's enabled flag is even consulted.
type Router struct {
	fleet     FleetRegistry
	owners    OwnerGate
	responder MessageHandler
	transport *Transport
	logger    *slog.Logger
}

// NewRouter wires the admission chain to its collaborators.
func NewRouter(fleet FleetRegistry, owners OwnerGate, responder MessageHandler, transport *Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		fleet:     fleet,
		owners:    owners,
		responder: responder,
		transport: transport,
		logger:    logger.With("component", "router"),
	}
}

// Dispatch implements EventSink.
func (r *Router) Dispatch(ctx context.Context, conn Connection, ev MessageEvent) {
	owner := conn.Self()
	log := r.logger.With("owner_id", owner.UserID, "sender_id", ev.SenderID)

	if strings.TrimSpace(ev.Text) == "" || ev.Outgoing {
		return
	}
	if ev.Sender != nil && ev.Sender.Bot {
		return
	}
	if ev.SenderID != owner.UserID && r.fleet.IsOwnerRunning(ev.SenderID) {
		log.Debug("ignoring message from fleet account")
		return
	}
	if ev.ChatID <= 0 {
		return
	}

	enabled, err := r.ownerEnabled(ctx, owner.UserID)
	if err != nil {
		// A storage outage must not silence every chat. A confirmed
		// "disabled" or "not found" still rejects above.
		log.Warn("owner lookup failed after retries, assuming enabled", "error", err)
		enabled = true
	}
	if !enabled {
		return
	}

	sender := r.resolveSender(ctx, conn, ev)

	reply, err := r.responder.Handle(ctx, MessageContext{
		OwnerUserID:     owner.UserID,
		ChatID:          ev.ChatID,
		SenderID:        ev.SenderID,
		Text:            ev.Text,
		SenderUsername:  sender.Username,
		SenderFirstName: sender.FirstName,
		SenderLastName:  sender.LastName,
	})
	if err != nil {
		log.Error("responder failed", "error", err)
		return
	}
	if reply == nil || reply.Content == "" {
		return
	}

	r.transport.Deliver(ctx, conn, ev.ChatID, reply.Content)
}

// ownerEnabled consults the owner gate, retrying transient database
// failures once before giving up.
func (r *Router) ownerEnabled(ctx context.Context, ownerUserID int64) (bool, error) {
	var enabled bool
	err := store.WithRetry(ctx, r.logger, store.DefaultRetry, func() error {
		var err error
		enabled, err = r.owners.IsEnabled(ctx, ownerUserID)
		return err
	})
	return enabled, err
}

// resolveSender fills in the sender's display fields, falling back through
// the connection's entity lookup when the update did not carry them.
func (r *Router) resolveSender(ctx context.Context, conn Connection, ev MessageEvent) Identity {
	if ev.Sender != nil {
		return *ev.Sender
	}
	id, err := conn.LookupUser(ctx, ev.SenderID)
	if err != nil {
		r.logger.Debug("sender lookup failed", "sender_id", ev.SenderID, "error", err)
		return Identity{UserID: ev.SenderID}
	}
	return id
}
