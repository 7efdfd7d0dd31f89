package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexicalSearchRanksByTermOverlap(t *testing.T) {
	r := newTestRegistry(t)
	idx, err := NewSearchIndex(context.Background(), r, nil)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "fetch user by id", nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "api.crm.users.get", results[0].FunctionName)
	require.Equal(t, "crm", results[0].APIGroup)
	require.Greater(t, results[0].RelevanceScore, 0.0)
}

func TestLexicalSearchGroupFilter(t *testing.T) {
	r := newTestRegistry(t)
	idx, err := NewSearchIndex(context.Background(), r, nil)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "send user email", []string{"email"}, 5)
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, "email", res.APIGroup)
	}
	require.NotEmpty(t, results)
}

func TestLexicalSearchMaxResults(t *testing.T) {
	r := newTestRegistry(t)
	idx, err := NewSearchIndex(context.Background(), r, nil)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "crm email user", nil, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestLexicalSearchNoMatches(t *testing.T) {
	r := newTestRegistry(t)
	idx, err := NewSearchIndex(context.Background(), r, nil)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "quantum blockchain", nil, 5)
	require.NoError(t, err)
	require.Empty(t, results)
}

// fixedEmbedder maps known phrases onto axis-aligned vectors so similarity
// ordering in tests is deterministic.
type fixedEmbedder struct {
	vectors map[string][]float32
	fall    []float32
}

func (e fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return e.fall, nil
}

func TestSemanticSearchUsesEmbedder(t *testing.T) {
	r := newTestRegistry(t)
	getText := ""
	for _, tool := range r.List() {
		if tool.Name == "crm/users/get" {
			getText = searchText(tool)
		}
	}
	require.NotEmpty(t, getText)

	embedder := fixedEmbedder{
		vectors: map[string][]float32{
			getText:            {1, 0, 0},
			"look up a record": {0.9, 0.1, 0},
		},
		fall: []float32{0, 0, 1},
	}
	idx, err := NewSearchIndex(context.Background(), r, embedder)
	require.NoError(t, err)

	results, err := idx.Search(context.Background(), "look up a record", nil, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "api.crm.users.get", results[0].FunctionName)
}

func TestFunctionNameAndGroupOf(t *testing.T) {
	require.Equal(t, "api.a.b.c", FunctionName("a/b/c"))
	require.Equal(t, "api.solo", FunctionName("solo"))
	require.Equal(t, "a", groupOf("a/b/c"))
	require.Equal(t, "solo", groupOf("solo"))
}
