package knowledge

import (
	"context"
	"log/slog"

	clubchat "github.com/aadya75/clubchat"
)

// RetrievedChunk is one hit in a retrieval response.
type RetrievedChunk struct {
	Text       string            `json:"text"`
	Score      float64           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DocumentID string            `json:"document_id"`
}

// RetrievalResponse is the result of one retrieve call. Citations is
// keyed by document id and only present when requested and the graph
// is enabled.
type RetrievalResponse struct {
	Query     string               `json:"query"`
	Chunks    []RetrievedChunk     `json:"chunks"`
	Citations map[string]Neighbors `json:"citations,omitempty"`
}

// Resource describes one indexed document with a human-readable label
// derived from its first chunk's metadata.
type Resource struct {
	DocumentID string `json:"document_id"`
	Label      string `json:"label"`
}

// Retriever wraps the embedder, the vector index, and the optional
// citation graph behind a single retrieve call.
type Retriever struct {
	embedder clubchat.EmbeddingProvider
	index    *Index
	graph    *CitationGraph
	tracer   clubchat.Tracer
	logger   *slog.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// RetrieverGraph attaches the citation graph.
func RetrieverGraph(g *CitationGraph) RetrieverOption {
	return func(r *Retriever) { r.graph = g }
}

// RetrieverTracer enables span emission.
func RetrieverTracer(t clubchat.Tracer) RetrieverOption {
	return func(r *Retriever) { r.tracer = t }
}

// RetrieverLogger sets the structured logger.
func RetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// NewRetriever creates a retriever over the given embedder and index.
func NewRetriever(embedder clubchat.EmbeddingProvider, index *Index, opts ...RetrieverOption) *Retriever {
	r := &Retriever{embedder: embedder, index: index}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Retrieve embeds the query once, searches the index, and optionally
// attaches citation neighborhoods for the distinct documents hit.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, includeCitations bool) (RetrievalResponse, error) {
	if r.tracer != nil {
		var span clubchat.Span
		ctx, span = r.tracer.Start(ctx, "knowledge.retrieve",
			clubchat.StringAttr("query", query),
			clubchat.IntAttr("k", k))
		defer span.End()
	}

	resp := RetrievalResponse{Query: query, Chunks: []RetrievedChunk{}}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return resp, err
	}
	results, err := r.index.Search(embeddings[0], k, nil)
	if err != nil {
		return resp, err
	}

	seenDocs := make(map[string]bool)
	var docOrder []string
	for _, res := range results {
		resp.Chunks = append(resp.Chunks, RetrievedChunk{
			Text:       res.Chunk.Text,
			Score:      res.Score,
			Metadata:   res.Chunk.Metadata,
			DocumentID: res.DocumentID,
		})
		if !seenDocs[res.DocumentID] {
			seenDocs[res.DocumentID] = true
			docOrder = append(docOrder, res.DocumentID)
		}
	}

	if includeCitations && r.graph != nil && r.graph.Enabled() {
		resp.Citations = make(map[string]Neighbors, len(docOrder))
		for _, docID := range docOrder {
			neighbors, err := r.graph.Neighbors(ctx, docID)
			if err != nil {
				r.logger.Warn("citation lookup failed", "document", docID, "err", err)
				continue
			}
			resp.Citations[docID] = neighbors
		}
	}

	r.logger.Debug("retrieval complete", "query", query, "hits", len(resp.Chunks))
	return resp, nil
}

// ListResources returns the indexed documents with labels taken from
// each document's first chunk metadata (filename, else heading, else
// the id itself).
func (r *Retriever) ListResources() []Resource {
	docs := r.index.ListDocuments()
	out := make([]Resource, 0, len(docs))
	for _, id := range docs {
		label := id
		if chunk, ok := r.index.FirstChunk(id); ok {
			if name := chunk.Metadata["filename"]; name != "" {
				label = name
			} else if heading := chunk.Metadata["heading"]; heading != "" {
				label = heading
			}
		}
		out = append(out, Resource{DocumentID: id, Label: label})
	}
	return out
}

// --- club search adapter ---

// ClubSearcher adapts a Retriever-shaped index to the context
// provider's narrow search contract, adding category filtering over
// chunk metadata.
type ClubSearcher struct {
	embedder clubchat.EmbeddingProvider
	index    *Index
}

var _ clubchat.ClubSearcher = (*ClubSearcher)(nil)

// NewClubSearcher creates the club knowledge search adapter.
func NewClubSearcher(embedder clubchat.EmbeddingProvider, index *Index) *ClubSearcher {
	return &ClubSearcher{embedder: embedder, index: index}
}

// Search embeds the query and searches the club index. A non-empty
// category filters on the chunk metadata "category" key.
func (s *ClubSearcher) Search(ctx context.Context, query, category string, topK int) ([]clubchat.ClubResult, error) {
	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	var filter func(Chunk) bool
	if category != "" {
		filter = func(c Chunk) bool { return c.Metadata["category"] == category }
	}
	results, err := s.index.Search(embeddings[0], topK, filter)
	if err != nil {
		return nil, err
	}
	out := make([]clubchat.ClubResult, len(results))
	for i, r := range results {
		out[i] = clubchat.ClubResult{
			Content:  r.Chunk.Text,
			Score:    r.Score,
			Metadata: r.Chunk.Metadata,
		}
	}
	return out, nil
}
