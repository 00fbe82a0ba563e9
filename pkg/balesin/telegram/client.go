package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/patrickmn/go-cache"
)

// dialReadyTimeout bounds how long Dial waits for the client run loop to
// report it is authorized and serving updates.
const dialReadyTimeout = 30 * time.Second

// Dialer establishes gotd-backed connections from persisted credentials.
type Dialer struct {
	apiID   int
	apiHash string
	logger  *slog.Logger

	// OnCredentialRefresh, when set, receives rotated credentials so the
	// caller can persist them for the owning user.
	OnCredentialRefresh func(ownerUserID int64, credential string)
}

// NewDialer creates a Dialer with the MTProto application credentials.
func NewDialer(apiID int, apiHash string, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		apiID:   apiID,
		apiHash: apiHash,
		logger:  logger.With("component", "telegram"),
	}
}

// cachedUser is one entry in the per-connection entity cache.
type cachedUser struct {
	identity   Identity
	accessHash int64
}

// clientConn implements Connection on top of a gotd client run loop.
type clientConn struct {
	api    *tg.Client
	self   Identity
	events chan MessageEvent

	// entities caches user entities seen in updates, keyed by user id.
	// Access hashes are session-scoped, so the cache lives and dies with
	// the connection.
	entities *cache.Cache

	live   atomic.Bool
	drops  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// Dial connects with the given credential and waits until the session is
// authorized and serving updates. A credential the server rejects fails
// with ErrNotAuthorized; callers must not retry it like a transient error.
func (d *Dialer) Dial(ctx context.Context, credential string) (Connection, error) {
	sess, err := NewStringSession(credential)
	if err != nil {
		return nil, err
	}

	dispatcher := tg.NewUpdateDispatcher()
	client := telegram.NewClient(d.apiID, d.apiHash, telegram.Options{
		SessionStorage: sess,
		UpdateHandler:  dispatcher,
	})

	conn := &clientConn{
		api:      client.API(),
		events:   make(chan MessageEvent, 64),
		entities: cache.New(6*time.Hour, 30*time.Minute),
		done:     make(chan struct{}),
		logger:   d.logger,
	}
	dispatcher.OnNewMessage(conn.onNewMessage)

	// The refresh callback must be in place before the run loop starts:
	// gotd stores rotated sessions from its own goroutines. The owner id
	// is only known after login, so it arrives through an atomic.
	var ownerID atomic.Int64
	if d.OnCredentialRefresh != nil {
		sess.SetOnUpdate(func(cred string) {
			if id := ownerID.Load(); id != 0 {
				d.OnCredentialRefresh(id, cred)
			}
		})
	}

	// The run loop outlives the dial context: connections stay up until
	// the supervisor stops them or the process exits.
	runCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel

	ready := make(chan error, 1)
	go func() {
		defer close(conn.done)
		defer close(conn.events)
		err := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("checking auth status: %w", err)
			}
			if !status.Authorized {
				return ErrNotAuthorized
			}

			self, err := client.Self(ctx)
			if err != nil {
				return fmt.Errorf("resolving own identity: %w", err)
			}
			conn.self = identityFromUser(self)
			conn.cacheUser(self)
			conn.live.Store(true)

			ownerID.Store(conn.self.UserID)
			if d.OnCredentialRefresh != nil {
				// A rotation during the handshake fired before the
				// owner id was known; persist it now.
				if cur := sess.Credential(); cur != credential {
					d.OnCredentialRefresh(conn.self.UserID, cur)
				}
			}

			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		conn.live.Store(false)
		// Run can fail before the ready signal (bad credential, network).
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, err
		}
		d.logger.Info("userbot connected", "owner_id", conn.self.UserID)
		return conn, nil
	case <-time.After(dialReadyTimeout):
		cancel()
		return nil, fmt.Errorf("timed out waiting for connection")
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// IsLive implements Connection.
func (c *clientConn) IsLive() bool { return c.live.Load() }

// Self implements Connection.
func (c *clientConn) Self() Identity { return c.self }

// Events implements Connection.
func (c *clientConn) Events() <-chan MessageEvent { return c.events }

// DroppedEvents implements Connection.
func (c *clientConn) DroppedEvents() uint64 { return c.drops.Load() }

// Ping implements Connection. A cheap self lookup proving the session
// still round-trips to the server; gotd's reconnect logic handles most
// outages, this catches a wedged connection whose run loop never exited.
func (c *clientConn) Ping(ctx context.Context) error {
	if !c.live.Load() {
		return ErrNotConnected
	}
	if _, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUserSelf{}}); err != nil {
		return fmt.Errorf("pinging session: %w", err)
	}
	return nil
}

// Disconnect implements Connection. Stopping an already-dead connection is
// a no-op.
func (c *clientConn) Disconnect() error {
	c.live.Store(false)
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("disconnect timed out waiting for run loop")
	}
	return nil
}

// SendText implements Connection.
func (c *clientConn) SendText(ctx context.Context, to Recipient, text string) error {
	if !c.live.Load() {
		return ErrNotConnected
	}
	_, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     &tg.InputPeerUser{UserID: to.UserID, AccessHash: to.AccessHash},
		Message:  text,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// ResolveRecipient implements Connection.
func (c *clientConn) ResolveRecipient(ctx context.Context, userID int64) (Recipient, error) {
	cu, err := c.resolveUser(ctx, userID)
	if err != nil {
		return Recipient{}, err
	}
	return Recipient{UserID: userID, AccessHash: cu.accessHash}, nil
}

// LookupUser implements Connection.
func (c *clientConn) LookupUser(ctx context.Context, userID int64) (Identity, error) {
	cu, err := c.resolveUser(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	return cu.identity, nil
}

// resolveUser runs the cascading entity resolution: session cache first, a
// direct users.getUsers fetch second, a dialog-list scan last.
func (c *clientConn) resolveUser(ctx context.Context, userID int64) (cachedUser, error) {
	key := cacheKey(userID)
	if v, ok := c.entities.Get(key); ok {
		return v.(cachedUser), nil
	}

	if cu, err := c.fetchUser(ctx, userID); err == nil {
		return cu, nil
	}

	if cu, err := c.scanDialogs(ctx, userID); err == nil {
		return cu, nil
	}

	return cachedUser{}, fmt.Errorf("resolving user %d: %w", userID, ErrEntityNotFound)
}

// fetchUser asks the server for the user entity directly.
func (c *clientConn) fetchUser(ctx context.Context, userID int64) (cachedUser, error) {
	users, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: userID},
	})
	if err != nil {
		return cachedUser{}, err
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok && user.ID == userID {
			return c.cacheUser(user), nil
		}
	}
	return cachedUser{}, ErrEntityNotFound
}

// scanDialogs walks the dialog list looking for the user. This is the last
// resort: slow, but it works for any peer the account has chatted with.
func (c *clientConn) scanDialogs(ctx context.Context, userID int64) (cachedUser, error) {
	resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return cachedUser{}, err
	}

	var users []tg.UserClass
	switch d := resp.(type) {
	case *tg.MessagesDialogs:
		users = d.Users
	case *tg.MessagesDialogsSlice:
		users = d.Users
	default:
		return cachedUser{}, ErrEntityNotFound
	}

	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			cu := c.cacheUser(user)
			if user.ID == userID {
				return cu, nil
			}
		}
	}
	return cachedUser{}, ErrEntityNotFound
}

// cacheUser stores a user entity in the session cache and returns it.
func (c *clientConn) cacheUser(u *tg.User) cachedUser {
	cu := cachedUser{identity: identityFromUser(u), accessHash: u.AccessHash}
	c.entities.Set(cacheKey(u.ID), cu, cache.DefaultExpiration)
	return cu
}

// onNewMessage converts a gotd update into a MessageEvent and emits it.
func (c *clientConn) onNewMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	m, ok := update.Message.(*tg.Message)
	if !ok {
		return nil
	}

	// Cache every entity the update carried; later sends reuse the
	// access hashes.
	for _, u := range e.Users {
		c.cacheUser(u)
	}

	ev := MessageEvent{
		Text:     m.Message,
		Outgoing: m.Out,
	}

	switch peer := m.PeerID.(type) {
	case *tg.PeerUser:
		ev.ChatID = peer.UserID
		ev.SenderID = peer.UserID
	case *tg.PeerChat:
		ev.ChatID = -peer.ChatID
	case *tg.PeerChannel:
		ev.ChatID = -peer.ChannelID
	default:
		return nil
	}

	// Outgoing messages carry the counterpart as peer; the sender is us.
	if ev.Outgoing {
		ev.SenderID = c.self.UserID
	}

	if u, ok := e.Users[ev.SenderID]; ok {
		id := identityFromUser(u)
		ev.Sender = &id
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.drops.Add(1)
		c.logger.Warn("event buffer full, dropping message", "sender_id", ev.SenderID)
	}
	return nil
}

func identityFromUser(u *tg.User) Identity {
	return Identity{
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Bot:       u.Bot,
	}
}

func cacheKey(userID int64) string {
	return fmt.Sprintf("u:%d", userID)
}
