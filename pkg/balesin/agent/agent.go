// Package agent implements the AI responder: the layered system prompt,
// the chat completion tool loop with knowledge retrieval, and the
// per-conversation memory glue.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// maxToolRounds bounds how many tool-call cycles one turn may spend before
// the loop is cut off.
const maxToolRounds = 5

// chatCompleter is the slice of the OpenAI client the agent uses. Tests
// substitute a scripted fake.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Agent runs one model turn: it sends the conversation to the chat model,
// executes any tool calls the model issues, and loops until the model
// produces a final text answer.
type Agent struct {
	client chatCompleter
	model  string
	tools  *toolbox
	logger *slog.Logger
}

// NewAgent wires the chat model to its tools.
func NewAgent(client chatCompleter, model string, knowledge KnowledgeSearcher, web WebSearcher, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	return &Agent{
		client: client,
		model:  model,
		tools:  &toolbox{knowledge: knowledge, web: web, logger: logger},
		logger: logger,
	}
}

// Run produces the model's final answer for the message history. The
// history must already start with the system prompt and end with the
// user's message.
func (a *Agent) Run(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	tools := a.tools.definitions()

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    a.model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("chat completion returned no choices")
		}

		choice := resp.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			return choice.Content, nil
		}

		messages = append(messages, choice)
		for _, call := range choice.ToolCalls {
			a.logger.Debug("tool call", "tool", call.Function.Name)
			output := a.tools.call(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	return "", fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}
