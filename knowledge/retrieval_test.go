package knowledge

import (
	"context"
	"testing"
)

func TestRetrieverTopK(t *testing.T) {
	embedder := NewHashEmbedder(DefaultDimensions)
	ix, err := OpenIndex(t.TempDir(), embedder.Dimensions())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	texts := []string{"PID control basics", "line follower build", "club meeting notes"}
	embeddings, _ := embedder.Embed(ctx, texts)
	chunks := make([]Chunk, len(texts))
	for i, s := range texts {
		chunks[i] = Chunk{Text: s, Metadata: map[string]string{"filename": "notes.md"}}
	}
	if err := ix.Add(embeddings, chunks, "doc-1"); err != nil {
		t.Fatal(err)
	}

	r := NewRetriever(embedder, ix)
	resp, err := r.Retrieve(ctx, "PID control basics", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Query != "PID control basics" {
		t.Errorf("query = %q", resp.Query)
	}
	if len(resp.Chunks) != 2 {
		t.Fatalf("chunks = %d", len(resp.Chunks))
	}
	// The hash embedder is exact-match only; the identical text must
	// come back first with score 1.
	if resp.Chunks[0].Text != "PID control basics" || resp.Chunks[0].Score != 1 {
		t.Errorf("top hit = %+v", resp.Chunks[0])
	}
	if resp.Citations != nil {
		t.Error("citations present without request")
	}
}

func TestRetrieverCitationsDisabledGraph(t *testing.T) {
	embedder := NewHashEmbedder(32)
	ix, _ := OpenIndex(t.TempDir(), 32)
	embeddings, _ := embedder.Embed(context.Background(), []string{"text"})
	ix.Add(embeddings, []Chunk{{Text: "text"}}, "doc-1")

	graph := OpenCitationGraph(context.Background(), "") // disabled
	r := NewRetriever(embedder, ix, RetrieverGraph(graph))

	resp, err := r.Retrieve(context.Background(), "text", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Citations != nil {
		t.Error("disabled graph produced citations")
	}
}

func TestRetrieverListResources(t *testing.T) {
	embedder := NewHashEmbedder(32)
	ix, _ := OpenIndex(t.TempDir(), 32)
	embeddings, _ := embedder.Embed(context.Background(), []string{"a", "b"})
	ix.Add(embeddings[:1], []Chunk{{Text: "a", Metadata: map[string]string{"filename": "guide.pdf"}}}, "docs/guide.pdf")
	ix.Add(embeddings[1:], []Chunk{{Text: "b"}}, "docs/raw.txt")

	r := NewRetriever(embedder, ix)
	resources := r.ListResources()
	if len(resources) != 2 {
		t.Fatalf("resources = %+v", resources)
	}
	byID := make(map[string]string)
	for _, res := range resources {
		byID[res.DocumentID] = res.Label
	}
	if byID["docs/guide.pdf"] != "guide.pdf" {
		t.Errorf("labeled resource = %q", byID["docs/guide.pdf"])
	}
	if byID["docs/raw.txt"] != "docs/raw.txt" {
		t.Errorf("fallback label = %q", byID["docs/raw.txt"])
	}
}

func TestClubSearcherCategoryFilter(t *testing.T) {
	embedder := NewHashEmbedder(32)
	ix, _ := OpenIndex(t.TempDir(), 32)
	ctx := context.Background()

	texts := []string{"Alice coordinates RoboSprint", "RoboSprint announcement"}
	embeddings, _ := embedder.Embed(ctx, texts)
	ix.Add(embeddings[:1], []Chunk{{Text: texts[0], Metadata: map[string]string{"category": "coordinators"}}}, "doc-coord")
	ix.Add(embeddings[1:], []Chunk{{Text: texts[1], Metadata: map[string]string{"category": "announcements"}}}, "doc-ann")

	s := NewClubSearcher(embedder, ix)
	results, err := s.Search(ctx, "who runs robosprint", "coordinators", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Content != texts[0] {
		t.Fatalf("results = %+v", results)
	}

	unfiltered, _ := s.Search(ctx, "who runs robosprint", "", 3)
	if len(unfiltered) != 2 {
		t.Errorf("unfiltered = %d", len(unfiltered))
	}
}
