package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
)

// StringSession is a session.Storage holding the session blob in memory as
// an opaque base64 credential. The dashboard persists the credential per
// owner; the worker loads it here to re-establish the session without
// interactive login.
//
// The protocol layer may rewrite the session during a connection's
// lifetime (key rotation, DC migration). The callback installed with
// SetOnUpdate fires with the new credential so callers can persist it.
type StringSession struct {
	mu   sync.Mutex
	data []byte

	// onUpdate is called with the refreshed credential every time the
	// client stores a changed session. Guarded by mu: the client's own
	// goroutines call StoreSession concurrently with SetOnUpdate.
	onUpdate func(credential string)
}

// NewStringSession decodes a credential into session storage. An empty
// credential yields a fresh, unauthenticated session.
func NewStringSession(credential string) (*StringSession, error) {
	s := &StringSession{}
	if credential == "" {
		return s, nil
	}
	data, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, fmt.Errorf("decoding session credential: %w", err)
	}
	s.data = data
	return s, nil
}

// LoadSession implements session.Storage.
func (s *StringSession) LoadSession(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

// StoreSession implements session.Storage.
func (s *StringSession) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	changed := string(data) != string(s.data)
	s.data = make([]byte, len(data))
	copy(s.data, data)
	onUpdate := s.onUpdate
	s.mu.Unlock()

	if changed && onUpdate != nil {
		onUpdate(base64.StdEncoding.EncodeToString(data))
	}
	return nil
}

// SetOnUpdate installs the refresh callback. Safe to call while the
// client is running.
func (s *StringSession) SetOnUpdate(fn func(credential string)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Credential returns the current session blob as an opaque string.
func (s *StringSession) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return base64.StdEncoding.EncodeToString(s.data)
}
