package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func turnsOf(n int) Turns {
	turns := make(Turns, 0, n)
	for i := 0; i < n; i++ {
		turns = append(turns, Turn{
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC),
		})
	}
	return turns
}

func TestTurnsCapped_UnderLimitUnchanged(t *testing.T) {
	turns := turnsOf(10)
	capped := turns.Capped(MaxTurns)
	assert.Len(t, capped, 10)
	assert.Equal(t, turns, capped)
}

func TestTurnsCapped_DropsOldestFirst(t *testing.T) {
	turns := turnsOf(31)
	capped := turns.Capped(MaxTurns)

	assert.Len(t, capped, MaxTurns)
	// The oldest entry is gone, the newest is kept.
	assert.Equal(t, "message 1", capped[0].Content)
	assert.Equal(t, "message 30", capped[len(capped)-1].Content)
}

func TestTurnsCapped_ExactlyAtLimit(t *testing.T) {
	turns := turnsOf(MaxTurns)
	assert.Len(t, turns.Capped(MaxTurns), MaxTurns)
}

func TestSessionID(t *testing.T) {
	assert.Equal(t, "123_456", sessionID(123, 456))
}
