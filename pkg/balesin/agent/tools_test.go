package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prastowoa/balesin/pkg/balesin/store"
)

// fakeKnowledge records thresholds and serves scripted results per
// threshold.
type fakeKnowledge struct {
	byThreshold map[float64][]store.SearchResult
	err         error
	thresholds  []float64
}

func (f *fakeKnowledge) Search(_ context.Context, _ string, _ int, threshold float64) ([]store.SearchResult, error) {
	f.thresholds = append(f.thresholds, threshold)
	if f.err != nil {
		return nil, f.err
	}
	return f.byThreshold[threshold], nil
}

func TestKnowledgeSearch_StrictThresholdWins(t *testing.T) {
	kb := &fakeKnowledge{byThreshold: map[float64][]store.SearchResult{
		0.7: {{Content: "Paket basic Rp150.000/bulan", Similarity: 0.82}},
	}}
	tb := &toolbox{knowledge: kb, logger: testLogger()}

	got := tb.knowledgeSearch(context.Background(), "harga paket basic")

	assert.Contains(t, got, "Paket basic Rp150.000/bulan")
	assert.Equal(t, []float64{0.7}, kb.thresholds)
}

func TestKnowledgeSearch_FallsThroughThresholds(t *testing.T) {
	kb := &fakeKnowledge{byThreshold: map[float64][]store.SearchResult{
		0.3: {{Content: "jam buka 09.00-21.00", Similarity: 0.41}},
	}}
	tb := &toolbox{knowledge: kb, logger: testLogger()}

	got := tb.knowledgeSearch(context.Background(), "jam operasional")

	assert.Contains(t, got, "jam buka")
	assert.Equal(t, []float64{0.7, 0.5, 0.3}, kb.thresholds)
}

func TestKnowledgeSearch_AllMissesReportsNotFound(t *testing.T) {
	kb := &fakeKnowledge{}
	tb := &toolbox{knowledge: kb, logger: testLogger()}

	got := tb.knowledgeSearch(context.Background(), "sesuatu yang tidak ada")

	assert.Equal(t, noKnowledgeFound, got)
	assert.Equal(t, []float64{0.7, 0.5, 0.3}, kb.thresholds)
}

func TestKnowledgeSearch_ErrorBecomesToolOutput(t *testing.T) {
	kb := &fakeKnowledge{err: fmt.Errorf("pgvector extension missing")}
	tb := &toolbox{knowledge: kb, logger: testLogger()}

	got := tb.knowledgeSearch(context.Background(), "harga")

	assert.Contains(t, got, "Error mencari di knowledge base")
}

func TestToolboxCall_UnknownTool(t *testing.T) {
	tb := &toolbox{knowledge: &fakeKnowledge{}, logger: testLogger()}
	got := tb.call(context.Background(), "nope", `{"query":"x"}`)
	assert.Contains(t, got, "unknown tool")
}

func TestToolboxCall_BadArguments(t *testing.T) {
	tb := &toolbox{knowledge: &fakeKnowledge{}, logger: testLogger()}
	got := tb.call(context.Background(), "knowledge_search", `{not json`)
	assert.Contains(t, got, "invalid tool arguments")
}

func TestToolboxDefinitions_WebSearchOptional(t *testing.T) {
	tb := &toolbox{knowledge: &fakeKnowledge{}, logger: testLogger()}
	require.Len(t, tb.definitions(), 1)

	tb.web = &staticWeb{}
	require.Len(t, tb.definitions(), 2)
}

type staticWeb struct{}

func (staticWeb) Search(context.Context, string) (string, error) { return "", nil }
