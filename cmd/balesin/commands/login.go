package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/prastowoa/balesin/pkg/balesin/store"
	"github.com/prastowoa/balesin/pkg/balesin/telegram"
)

// newLoginCmd creates the `balesin login` command that authenticates an
// owner's Telegram account and stores the session.
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log a Telegram account into the fleet",
		Long: `Authenticate a phone number with Telegram and store the resulting
session in the database. The worker picks the account up on its next
reconcile pass once the userbot is enabled.

Examples:
  balesin login --phone +628123456789
  balesin login --phone +628123456789 --enable`,
		RunE: runLogin,
	}

	cmd.Flags().String("phone", "", "phone number in international format")
	cmd.Flags().Bool("enable", false, "enable the userbot immediately after login")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	phone, _ := cmd.Flags().GetString("phone")
	phone = strings.TrimSpace(phone)
	enable, _ := cmd.Flags().GetBool("enable")

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close(db)
	owners := store.NewOwnerStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	auth := telegram.NewAuthenticator(cfg.Telegram.APIID, cfg.Telegram.APIHash, logger)

	fmt.Printf("Sending login code to %s...\n", phone)
	codeHash, tempCredential, err := auth.SendCode(ctx, phone)
	if err != nil {
		return fmt.Errorf("sending code: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter the code you received: ")
	code, _ := reader.ReadString('\n')
	code = strings.TrimSpace(code)

	credential, ownerID, err := auth.CompleteLogin(ctx, phone, code, codeHash, tempCredential, "")
	if errors.Is(err, telegram.ErrPasswordNeeded) {
		fmt.Print("Two-step verification password: ")
		raw, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if perr != nil {
			return fmt.Errorf("reading password: %w", perr)
		}
		credential, ownerID, err = auth.CompleteLogin(ctx, phone, code, codeHash, tempCredential, string(raw))
	}
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	owner := &store.Owner{
		TelegramUserID: ownerID,
		PhoneNumber:    phone,
		Session:        &credential,
		UserbotEnabled: enable,
	}
	if err := owners.Upsert(ctx, owner); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	if enable {
		if err := owners.SetEnabled(ctx, ownerID, true); err != nil {
			return fmt.Errorf("enabling userbot: %w", err)
		}
	}

	fmt.Printf("Logged in as user %d. Userbot enabled: %v\n", ownerID, enable)
	return nil
}
