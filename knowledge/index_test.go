package knowledge

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	clubchat "github.com/aadya75/clubchat"
)

const testDim = 8

func testVec(seed float32) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = seed + float32(i)*0.01
	}
	return v
}

func testChunks(texts ...string) []Chunk {
	out := make([]Chunk, len(texts))
	for i, s := range texts {
		out[i] = Chunk{Text: s, Metadata: map[string]string{"filename": "doc.txt"}}
	}
	return out
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(t.TempDir(), testDim)
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestIndexAddAssignsConsecutiveIDs(t *testing.T) {
	ix := openTestIndex(t)

	if err := ix.Add([][]float32{testVec(1), testVec(2)}, testChunks("a", "b"), "doc-1"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Add([][]float32{testVec(3)}, testChunks("c"), "doc-2"); err != nil {
		t.Fatal(err)
	}

	results, err := ix.Search(testVec(3), 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Chunk.Text != "c" || results[0].DocumentID != "doc-2" {
		t.Errorf("nearest = %+v", results[0])
	}
	if results[0].Chunk.ChunkID != 2 {
		t.Errorf("third inserted chunk id = %d, want 2", results[0].Chunk.ChunkID)
	}
}

func TestIndexDimMismatch(t *testing.T) {
	ix := openTestIndex(t)

	err := ix.Add([][]float32{make([]float32, testDim+1)}, testChunks("a"), "doc")
	var ierr *clubchat.IndexError
	if !errors.As(err, &ierr) || ierr.Kind != clubchat.KindDimMismatch {
		t.Fatalf("err = %v", err)
	}

	if _, err := ix.Search(make([]float32, 3), 1, nil); err == nil {
		t.Fatal("short query accepted")
	}

	err = ix.Add([][]float32{testVec(1)}, testChunks("a", "b"), "doc")
	if !errors.As(err, &ierr) || ierr.Kind != clubchat.KindDimMismatch {
		t.Fatalf("count mismatch: %v", err)
	}
}

func TestIndexScoreFromDistance(t *testing.T) {
	ix := openTestIndex(t)
	ix.Add([][]float32{testVec(1)}, testChunks("a"), "doc")

	results, _ := ix.Search(testVec(1), 1, nil)
	if results[0].Distance != 0 {
		t.Errorf("identical vector distance = %v", results[0].Distance)
	}
	if results[0].Score != 1 {
		t.Errorf("score = %v, want 1", results[0].Score)
	}
}

func TestIndexDeleteRemovesDocumentEverywhere(t *testing.T) {
	ix := openTestIndex(t)
	ix.Add([][]float32{testVec(1), testVec(2)}, testChunks("a", "b"), "doc-1")
	ix.Add([][]float32{testVec(3)}, testChunks("c"), "doc-2")

	n, err := ix.Delete("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}

	results, _ := ix.Search(testVec(1), 10, nil)
	for _, r := range results {
		if r.DocumentID == "doc-1" {
			t.Errorf("deleted document still searchable: %+v", r)
		}
	}
	if docs := ix.ListDocuments(); len(docs) != 1 || docs[0] != "doc-2" {
		t.Errorf("documents = %v", docs)
	}
	// Chunk ids are compacted after the rebuild.
	if results[0].Chunk.ChunkID != 0 {
		t.Errorf("surviving chunk id = %d, want 0", results[0].Chunk.ChunkID)
	}

	if n, _ := ix.Delete("doc-1"); n != 0 {
		t.Errorf("second delete = %d", n)
	}
}

func TestIndexPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ix, err := OpenIndex(dir, testDim)
	if err != nil {
		t.Fatal(err)
	}
	ix.Add([][]float32{testVec(1), testVec(2)}, testChunks("alpha", "beta"), "doc-1")

	reopened, err := OpenIndex(dir, testDim)
	if err != nil {
		t.Fatal(err)
	}
	stats := reopened.Stats()
	if stats.NChunks != 2 || stats.NDocuments != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	results, _ := reopened.Search(testVec(1), 1, nil)
	if results[0].Chunk.Text != "alpha" {
		t.Errorf("reloaded nearest = %+v", results[0])
	}
	if results[0].Chunk.Metadata["filename"] != "doc.txt" {
		t.Errorf("metadata lost on reload: %+v", results[0].Chunk.Metadata)
	}
}

func TestIndexCorruptStoreFallsBackEmpty(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, vectorsFile), []byte("garbage"), 0o644)
	os.WriteFile(filepath.Join(dir, metadataFile), []byte("{not json"), 0o644)

	ix, err := OpenIndex(dir, testDim)
	if err != nil {
		t.Fatalf("corrupt store must not fail open: %v", err)
	}
	if stats := ix.Stats(); stats.NChunks != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestIndexSearchFilterOverFetches(t *testing.T) {
	ix := openTestIndex(t)
	// Nearest chunks belong to the wrong category; the filter must
	// reach past them.
	for i := 0; i < 2; i++ {
		ix.Add([][]float32{testVec(float32(i))},
			[]Chunk{{Text: "general", Metadata: map[string]string{"category": "general"}}},
			"doc-general")
	}
	ix.Add([][]float32{testVec(9)},
		[]Chunk{{Text: "Alice coordinates RoboSprint", Metadata: map[string]string{"category": "coordinators"}}},
		"doc-coord")

	results, err := ix.Search(testVec(0), 1, func(c Chunk) bool {
		return c.Metadata["category"] == "coordinators"
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Chunk.Text != "Alice coordinates RoboSprint" {
		t.Fatalf("filtered results = %+v", results)
	}
}

func TestIndexStats(t *testing.T) {
	ix := openTestIndex(t)
	ix.Add([][]float32{testVec(1), testVec(2)}, testChunks("a", "b"), "doc-1")
	ix.Add([][]float32{testVec(3)}, testChunks("c"), "doc-2")

	stats := ix.Stats()
	if stats.NChunks != 3 || stats.NDocuments != 2 || stats.Dim != testDim || stats.Kind != "flat_l2" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestIndexEmptySearch(t *testing.T) {
	ix := openTestIndex(t)
	results, err := ix.Search(testVec(1), 5, nil)
	if err != nil || results != nil {
		t.Errorf("empty index search = %v, %v", results, err)
	}
}
