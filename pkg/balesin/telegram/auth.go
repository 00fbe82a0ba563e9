package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// ErrPasswordNeeded reports that the account has two-step verification
// enabled and CompleteLogin must be called again with the password.
var ErrPasswordNeeded = errors.New("two-step verification password required")

// Authenticator drives the interactive phone login flow. Each step runs a
// short-lived client; the session blob accumulated across steps is carried
// between calls as an opaque credential string.
type Authenticator struct {
	apiID   int
	apiHash string
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator with the MTProto application
// credentials.
func NewAuthenticator(apiID int, apiHash string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		apiID:   apiID,
		apiHash: apiHash,
		logger:  logger.With("component", "auth"),
	}
}

// SendCode requests a login code for the phone number. It returns the code
// hash Telegram expects back and the partial credential the next step must
// reuse so that the code arrives on the same data-center session.
func (a *Authenticator) SendCode(ctx context.Context, phone string) (codeHash, tempCredential string, err error) {
	err = a.run(ctx, "", func(ctx context.Context, client *telegram.Client, sess *StringSession) error {
		sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
		if err != nil {
			return fmt.Errorf("requesting login code: %w", err)
		}
		code, ok := sent.(*tg.AuthSentCode)
		if !ok {
			return fmt.Errorf("unexpected sent code type %T", sent)
		}
		codeHash = code.PhoneCodeHash
		tempCredential = sess.Credential()
		return nil
	})
	return codeHash, tempCredential, err
}

// CompleteLogin exchanges the SMS code for an authorized session. When the
// account has a cloud password, the first call fails with ErrPasswordNeeded
// and the caller retries with the password filled in. On success it returns
// the durable credential and the Telegram user id it belongs to.
func (a *Authenticator) CompleteLogin(ctx context.Context, phone, code, codeHash, tempCredential, password string) (credential string, ownerUserID int64, err error) {
	err = a.run(ctx, tempCredential, func(ctx context.Context, client *telegram.Client, sess *StringSession) error {
		_, err := client.Auth().SignIn(ctx, phone, code, codeHash)
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			if password == "" {
				return ErrPasswordNeeded
			}
			if _, err := client.Auth().Password(ctx, password); err != nil {
				return fmt.Errorf("checking password: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("signing in: %w", err)
		}

		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("resolving own identity: %w", err)
		}
		ownerUserID = self.ID
		credential = sess.Credential()
		a.logger.Info("login complete", "owner_id", ownerUserID, "phone", phone)
		return nil
	})
	return credential, ownerUserID, err
}

// CheckStatus reports whether a stored credential is still authorized. The
// returned credential reflects any session rotation the server performed
// during the check and should be persisted when it differs.
func (a *Authenticator) CheckStatus(ctx context.Context, credential string) (authorized bool, refreshed string, err error) {
	refreshed = credential
	err = a.run(ctx, credential, func(ctx context.Context, client *telegram.Client, sess *StringSession) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("checking auth status: %w", err)
		}
		authorized = status.Authorized
		refreshed = sess.Credential()
		return nil
	})
	return authorized, refreshed, err
}

// run executes fn inside a short-lived client connection seeded with the
// given credential.
func (a *Authenticator) run(ctx context.Context, credential string, fn func(ctx context.Context, client *telegram.Client, sess *StringSession) error) error {
	sess, err := NewStringSession(credential)
	if err != nil {
		return err
	}
	client := telegram.NewClient(a.apiID, a.apiHash, telegram.Options{
		SessionStorage: sess,
	})
	return client.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client, sess)
	})
}
