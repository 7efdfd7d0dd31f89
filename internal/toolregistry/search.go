package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"atp/internal/logging"
)

// Embedder generates text embeddings for semantic tool search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchResult is one ranked hit for /api/search.
type SearchResult struct {
	APIGroup       string  `json:"apiGroup"`
	FunctionName   string  `json:"functionName"`
	Signature      string  `json:"signature"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// SearchIndex ranks tools against free-text queries. With an embedder it
// runs a chromem similarity search; without one it falls back to lexical
// token scoring, which keeps /api/search functional in minimal deployments.
type SearchIndex struct {
	registry   *Registry
	collection *chromem.Collection
	logger     logging.Logger
}

// NewSearchIndex builds the index from the sealed registry. embedder may be
// nil.
func NewSearchIndex(ctx context.Context, registry *Registry, embedder Embedder) (*SearchIndex, error) {
	idx := &SearchIndex{
		registry: registry,
		logger:   logging.NewComponentLogger("ToolSearch"),
	}
	if embedder == nil {
		return idx, nil
	}
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("tools", nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("create tool collection: %w", err)
	}
	for _, tool := range registry.List() {
		doc := chromem.Document{
			ID:      tool.Name,
			Content: searchText(tool),
			Metadata: map[string]string{
				"group": groupOf(tool.Name),
			},
		}
		if err := collection.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("index tool %s: %w", tool.Name, err)
		}
	}
	idx.collection = collection
	return idx, nil
}

// Search ranks tools for a query, optionally restricted to apiGroups.
func (idx *SearchIndex) Search(ctx context.Context, query string, apiGroups []string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	groups := map[string]bool{}
	for _, g := range apiGroups {
		groups[g] = true
	}
	if idx.collection != nil {
		return idx.semanticSearch(ctx, query, groups, maxResults)
	}
	return idx.lexicalSearch(query, groups, maxResults), nil
}

func (idx *SearchIndex) semanticSearch(ctx context.Context, query string, groups map[string]bool, maxResults int) ([]SearchResult, error) {
	n := maxResults
	if len(groups) > 0 {
		// Over-fetch, then filter by group.
		n = maxResults * 4
	}
	if count := idx.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	hits, err := idx.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		idx.logger.Warn("semantic search failed, falling back to lexical: %v", err)
		return idx.lexicalSearch(query, groups, maxResults), nil
	}
	results := make([]SearchResult, 0, maxResults)
	for _, hit := range hits {
		tool, ok := idx.registry.Resolve(hit.ID)
		if !ok {
			continue
		}
		group := groupOf(tool.Name)
		if len(groups) > 0 && !groups[group] {
			continue
		}
		results = append(results, SearchResult{
			APIGroup:       group,
			FunctionName:   FunctionName(tool.Name),
			Signature:      Signature(tool),
			RelevanceScore: float64(hit.Similarity),
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

func (idx *SearchIndex) lexicalSearch(query string, groups map[string]bool, maxResults int) []SearchResult {
	terms := strings.Fields(strings.ToLower(query))
	var results []SearchResult
	for _, tool := range idx.registry.List() {
		group := groupOf(tool.Name)
		if len(groups) > 0 && !groups[group] {
			continue
		}
		score := lexicalScore(terms, strings.ToLower(searchText(tool)))
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			APIGroup:       group,
			FunctionName:   FunctionName(tool.Name),
			Signature:      Signature(tool),
			RelevanceScore: score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].RelevanceScore > results[j].RelevanceScore })
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// lexicalScore is the fraction of query terms present, with a small bonus
// for exact name hits.
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func searchText(tool *Tool) string {
	parts := []string{tool.Name, strings.ReplaceAll(tool.Name, "/", " ")}
	if tool.Metadata.Description != "" {
		parts = append(parts, tool.Metadata.Description)
	}
	if props, ok := tool.InputSchema["properties"].(map[string]any); ok {
		for name := range props {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, " ")
}

func groupOf(name string) string {
	if i := strings.IndexByte(name, '/'); i > 0 {
		return name[:i]
	}
	return name
}

// FunctionName renders the sandbox call form of a tool path.
func FunctionName(name string) string {
	return "api." + strings.ReplaceAll(name, "/", ".")
}
