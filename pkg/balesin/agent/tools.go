package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/prastowoa/balesin/pkg/balesin/store"
)

// noKnowledgeFound is what the knowledge tool reports when no entry clears
// any similarity threshold. The prompt forbids the model from inventing an
// answer when it sees this.
const noKnowledgeFound = "Tidak ditemukan informasi yang relevan di knowledge base setelah beberapa kali pencarian."

// searchThresholds are tried strict-first: a miss at 0.7 retries looser
// before giving up.
var searchThresholds = []float64{0.7, 0.5, 0.3}

const searchLimit = 3

// KnowledgeSearcher is the slice of the knowledge store the tools need.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int, threshold float64) ([]store.SearchResult, error)
}

// WebSearcher answers a query with fresh public information.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// toolbox executes tool calls issued by the model.
type toolbox struct {
	knowledge KnowledgeSearcher
	web       WebSearcher
	logger    *slog.Logger
}

type searchArgs struct {
	Query string `json:"query"`
}

// definitions returns the tool schemas advertised to the model.
func (t *toolbox) definitions() []openai.Tool {
	params := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Pertanyaan atau kata kunci untuk dicari"}
		},
		"required": ["query"]
	}`)

	tools := []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "knowledge_search",
				Description: "WAJIB digunakan untuk mencari informasi spesifik di knowledge base (produk, layanan, harga, paket, FAQ). JANGAN gunakan untuk greeting/small talk. JANGAN memberikan informasi (terutama harga) yang tidak ditemukan di knowledge base.",
				Parameters:  params,
			},
		},
	}
	if t.web != nil {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "web_search",
				Description: "Mencari informasi publik terbaru di web. Gunakan hanya jika knowledge_search tidak menemukan dan informasi memang publik.",
				Parameters:  params,
			},
		})
	}
	return tools
}

// call dispatches one tool invocation. Errors become tool output text so
// the model can recover instead of the whole turn failing.
func (t *toolbox) call(ctx context.Context, name, arguments string) string {
	var args searchArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("invalid tool arguments: %v", err)
	}

	switch name {
	case "knowledge_search":
		return t.knowledgeSearch(ctx, args.Query)
	case "web_search":
		if t.web == nil {
			return "web_search tidak tersedia"
		}
		result, err := t.web.Search(ctx, args.Query)
		if err != nil {
			t.logger.Warn("web search failed", "error", err)
			return fmt.Sprintf("Error mencari di web: %v", err)
		}
		return result
	default:
		return fmt.Sprintf("unknown tool %q", name)
	}
}

// knowledgeSearch runs the retrieval with descending thresholds and builds
// a context block from the hits. Every miss falls through to the next
// threshold; a full miss reports noKnowledgeFound verbatim.
func (t *toolbox) knowledgeSearch(ctx context.Context, query string) string {
	for _, threshold := range searchThresholds {
		results, err := t.knowledge.Search(ctx, query, searchLimit, threshold)
		if err != nil {
			t.logger.Warn("knowledge search failed", "threshold", threshold, "error", err)
			return fmt.Sprintf("Error mencari di knowledge base: %v", err)
		}
		if len(results) == 0 {
			continue
		}

		var b strings.Builder
		b.WriteString("Informasi dari knowledge base:\n\n")
		for i, r := range results {
			fmt.Fprintf(&b, "[%d] (relevansi %.2f)\n%s\n\n", i+1, r.Similarity, r.Content)
		}
		return strings.TrimSpace(b.String())
	}
	return noKnowledgeFound
}

// openAIWebSearcher backs WebSearcher with a search-enabled chat model.
type openAIWebSearcher struct {
	client *openai.Client
	model  string
}

// NewWebSearcher creates a WebSearcher that delegates to OpenAI's
// search-preview model family.
func NewWebSearcher(client *openai.Client) WebSearcher {
	return &openAIWebSearcher{client: client, model: "gpt-4o-mini-search-preview"}
}

func (w *openAIWebSearcher) Search(ctx context.Context, query string) (string, error) {
	resp, err := w.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: w.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
	})
	if err != nil {
		return "", fmt.Errorf("web search completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("web search returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
