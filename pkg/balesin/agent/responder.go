package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/prastowoa/balesin/pkg/balesin/store"
	"github.com/prastowoa/balesin/pkg/balesin/telegram"
)

// InstructionSource yields the owner's custom prompt, empty when unset.
type InstructionSource interface {
	CustomInstructions(ctx context.Context, ownerUserID int64) (string, error)
}

// Memory is the conversation history the responder reads and extends.
type Memory interface {
	Recent(ctx context.Context, ownerID, senderID int64, limit int) (store.Turns, error)
	Append(ctx context.Context, ownerID, senderID int64, role, content string, metadata map[string]any) error
}

// Responder answers admitted messages. It loads the owner's instructions
// and the conversation history fresh on every turn, runs the agent under a
// deadline, and persists both sides of the exchange.
type Responder struct {
	agent        *Agent
	instructions InstructionSource
	memory       Memory
	timeout      time.Duration
	logger       *slog.Logger

	// sessionMu serializes turns per (owner, sender) pair so two messages
	// arriving back to back cannot interleave their history appends.
	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
}

// NewResponder wires the agent to its instruction and memory sources.
func NewResponder(agent *Agent, instructions InstructionSource, memory Memory, timeout time.Duration, logger *slog.Logger) *Responder {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		agent:        agent,
		instructions: instructions,
		memory:       memory,
		timeout:      timeout,
		logger:       logger.With("component", "responder"),
		sessionMu:    make(map[string]*sync.Mutex),
	}
}

// Handle implements telegram.MessageHandler. A timed-out or failed turn
// returns nil with no error: the sender simply gets no reply, and nothing
// is written to memory.
func (r *Responder) Handle(ctx context.Context, mctx telegram.MessageContext) (*telegram.Reply, error) {
	lock := r.sessionLock(mctx.OwnerUserID, mctx.SenderID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := r.logger.With("owner_id", mctx.OwnerUserID, "sender_id", mctx.SenderID)

	custom := r.loadInstructions(ctx, mctx.OwnerUserID, log)

	sender := SenderContext{
		UserID:    mctx.SenderID,
		Username:  mctx.SenderUsername,
		FirstName: mctx.SenderFirstName,
		LastName:  mctx.SenderLastName,
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: BuildInstructions(custom, sender)},
	}
	messages = append(messages, r.loadHistory(ctx, mctx, log)...)

	userMessage := BuildUserMessage(sender, mctx.Text)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userMessage,
	})

	answer, err := r.agent.Run(ctx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("agent timed out, dropping turn", "timeout", r.timeout)
			return nil, nil
		}
		return nil, fmt.Errorf("running agent: %w", err)
	}
	if answer == "" {
		return nil, nil
	}

	r.remember(mctx, answer, log)

	return &telegram.Reply{
		Content: answer,
		Metadata: map[string]any{
			"chat_id":     mctx.ChatID,
			"sender_id":   mctx.SenderID,
			"sender_name": sender.DisplayName(),
		},
	}, nil
}

// loadInstructions fetches the owner's custom prompt, retrying transient
// store failures. A persistent failure falls back to the default prompt
// rather than dropping the turn.
func (r *Responder) loadInstructions(ctx context.Context, ownerID int64, log *slog.Logger) string {
	var custom string
	err := store.WithRetry(ctx, log, store.DefaultRetry, func() error {
		var err error
		custom, err = r.instructions.CustomInstructions(ctx, ownerID)
		return err
	})
	if err != nil {
		log.Warn("instructions lookup failed, using defaults", "error", err)
		return ""
	}
	return custom
}

// loadHistory converts the stored turns into chat messages. History is
// best effort; a read failure means the turn runs without context.
func (r *Responder) loadHistory(ctx context.Context, mctx telegram.MessageContext, log *slog.Logger) []openai.ChatCompletionMessage {
	turns, err := r.memory.Recent(ctx, mctx.OwnerUserID, mctx.SenderID, store.MaxTurns)
	if err != nil {
		log.Warn("history read failed, continuing without", "error", err)
		return nil
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return messages
}

// remember persists both sides of the exchange. Failures are logged and
// swallowed; the reply has already been produced.
func (r *Responder) remember(mctx telegram.MessageContext, answer string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta := map[string]any{"chat_id": mctx.ChatID}
	if err := r.memory.Append(ctx, mctx.OwnerUserID, mctx.SenderID, "user", mctx.Text, meta); err != nil {
		log.Warn("persisting user turn failed", "error", err)
	}
	if err := r.memory.Append(ctx, mctx.OwnerUserID, mctx.SenderID, "assistant", answer, meta); err != nil {
		log.Warn("persisting assistant turn failed", "error", err)
	}
}

func (r *Responder) sessionLock(ownerID, senderID int64) *sync.Mutex {
	key := fmt.Sprintf("%d_%d", ownerID, senderID)
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.sessionMu[key]
	if !ok {
		lock = &sync.Mutex{}
		r.sessionMu[key] = lock
	}
	return lock
}
