package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// bubbleSeparator splits one generated answer into several chat bubbles.
// The responder's prompt instructs the model to place it between thoughts.
const bubbleSeparator = "!!!"

// bubblePacing is the delay between consecutive bubbles so the burst reads
// like a person typing.
const bubblePacing = 300 * time.Millisecond

// Transport delivers replies back into the chat. Delivery is best effort:
// failures are logged, never propagated, so a broken send cannot poison
// the event loop.
type Transport struct {
	logger *slog.Logger
}

// NewTransport creates a Transport.
func NewTransport(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger.With("component", "transport")}
}

// SplitBubbles cuts content on the bubble separator, trimming each segment
// and dropping empty ones. Content without a separator comes back as a
// single trimmed bubble.
func SplitBubbles(content string) []string {
	parts := strings.Split(content, bubbleSeparator)
	bubbles := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			bubbles = append(bubbles, p)
		}
	}
	return bubbles
}

// Deliver sends the reply to the chat as one or more bubbles. A failed
// bubble is logged and skipped; later bubbles still go out. If no
// recipient entity can be resolved at all, the whole reply is abandoned.
func (t *Transport) Deliver(ctx context.Context, conn Connection, chatID int64, content string) {
	bubbles := SplitBubbles(content)
	if len(bubbles) == 0 {
		return
	}

	to, err := conn.ResolveRecipient(ctx, chatID)
	if err != nil {
		t.logger.Error("no recipient entity, abandoning reply",
			"chat_id", chatID, "error", err)
		return
	}

	for i, bubble := range bubbles {
		if i > 0 {
			select {
			case <-time.After(bubblePacing):
			case <-ctx.Done():
				return
			}
		}
		if err := conn.SendText(ctx, to, bubble); err != nil {
			t.logger.Error("bubble send failed",
				"chat_id", chatID, "bubble", i+1, "of", len(bubbles), "error", err)
		}
	}
}
