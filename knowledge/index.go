package knowledge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	clubchat "github.com/aadya75/clubchat"
)

// Index file names inside the configured directory.
const (
	vectorsFile  = "vectors.bin"
	metadataFile = "metadata.json"
)

// overFetchFactor controls how many extra candidates a filtered search
// scans before truncating to k.
const overFetchFactor = 3

// SearchResult is one scored hit from the index.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Score      float64 `json:"score"`
	Distance   float64 `json:"distance"`
	DocumentID string  `json:"document_id"`
}

// Stats describes the index at rest.
type Stats struct {
	NChunks    int    `json:"n_chunks"`
	NDocuments int    `json:"n_documents"`
	Dim        int    `json:"dim"`
	Kind       string `json:"kind"`
}

// Index is an exact flat L2 index over fixed-dimension vectors, with a
// parallel chunk-metadata array and a chunk-id → document-id map.
// Writes serialize under a single-writer lock; reads take a snapshot of
// the slice headers, so searches during a delete-rebuild observe either
// the pre- or post-rebuild state, never a partial one. Every mutation
// persists to two files (vectors + metadata) via temp-and-rename.
type Index struct {
	dir    string
	dim    int
	logger *slog.Logger

	mu      sync.RWMutex
	vectors [][]float32
	chunks  []Chunk
	docIDs  []string
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// IndexLogger sets the structured logger.
func IndexLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) { ix.logger = l }
}

// OpenIndex loads the index from dir, or creates an empty one when the
// files are absent. A corrupt store is replaced by an empty index with
// a loud log line rather than an error: retrieval degrades, ingestion
// rebuilds.
func OpenIndex(dir string, dim int, opts ...IndexOption) (*Index, error) {
	if dim <= 0 {
		return nil, &clubchat.IndexError{Kind: clubchat.KindDimMismatch, Msg: fmt.Sprintf("invalid dimension %d", dim)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index dir: %w", err)
	}
	ix := &Index{dir: dir, dim: dim}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = slog.New(slog.DiscardHandler)
	}

	if err := ix.load(); err != nil {
		ix.logger.Error("vector index corrupt, starting empty", "dir", dir, "err", err)
		ix.vectors, ix.chunks, ix.docIDs = nil, nil, nil
	}
	return ix, nil
}

// load reads both files. Missing files mean a fresh index; anything
// else unreadable is corruption.
func (ix *Index) load() error {
	vecPath := filepath.Join(ix.dir, vectorsFile)
	metaPath := filepath.Join(ix.dir, metadataFile)

	vecData, vecErr := os.ReadFile(vecPath)
	metaData, metaErr := os.ReadFile(metaPath)
	if os.IsNotExist(vecErr) || os.IsNotExist(metaErr) {
		return nil
	}
	if vecErr != nil {
		return vecErr
	}
	if metaErr != nil {
		return metaErr
	}

	vectors, err := decodeVectors(vecData, ix.dim)
	if err != nil {
		return &clubchat.IndexError{Kind: clubchat.KindCorruptStore, Msg: err.Error()}
	}
	var meta struct {
		Chunks []Chunk  `json:"chunks"`
		DocIDs []string `json:"doc_ids"`
	}
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return &clubchat.IndexError{Kind: clubchat.KindCorruptStore, Msg: err.Error()}
	}
	if len(meta.Chunks) != len(vectors) || len(meta.DocIDs) != len(vectors) {
		return &clubchat.IndexError{
			Kind: clubchat.KindCorruptStore,
			Msg: fmt.Sprintf("record count mismatch: %d vectors, %d chunks, %d doc ids",
				len(vectors), len(meta.Chunks), len(meta.DocIDs)),
		}
	}

	ix.vectors = vectors
	ix.chunks = meta.Chunks
	ix.docIDs = meta.DocIDs
	ix.logger.Info("vector index loaded", "dir", ix.dir, "chunks", len(vectors))
	return nil
}

// Add inserts records at consecutive chunk ids starting at the current
// size and persists. Every embedding must have exactly the index
// dimension.
func (ix *Index) Add(embeddings [][]float32, chunks []Chunk, documentID string) error {
	if len(embeddings) != len(chunks) {
		return &clubchat.IndexError{
			Kind: clubchat.KindDimMismatch,
			Msg:  fmt.Sprintf("%d embeddings for %d chunks", len(embeddings), len(chunks)),
		}
	}
	for i, e := range embeddings {
		if len(e) != ix.dim {
			return &clubchat.IndexError{
				Kind: clubchat.KindDimMismatch,
				Msg:  fmt.Sprintf("embedding %d has %d components, want %d", i, len(e), ix.dim),
			}
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := len(ix.chunks)
	newVectors := append(sliceCopy(ix.vectors), embeddings...)
	newChunks := sliceCopy(ix.chunks)
	newDocs := sliceCopy(ix.docIDs)
	for i, c := range chunks {
		c.ChunkID = start + i
		newChunks = append(newChunks, c)
		newDocs = append(newDocs, documentID)
	}

	if err := ix.persist(newVectors, newChunks, newDocs); err != nil {
		return err
	}
	ix.vectors, ix.chunks, ix.docIDs = newVectors, newChunks, newDocs
	ix.logger.Info("chunks added", "document", documentID, "count", len(chunks), "total", len(newChunks))
	return nil
}

// Search returns the top k results by ascending L2 distance. With a
// filter it over-fetches 3k candidates, filters, then truncates.
func (ix *Index) Search(query []float32, k int, filter func(Chunk) bool) ([]SearchResult, error) {
	if len(query) != ix.dim {
		return nil, &clubchat.IndexError{
			Kind: clubchat.KindDimMismatch,
			Msg:  fmt.Sprintf("query has %d components, want %d", len(query), ix.dim),
		}
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	vectors, chunks, docIDs := ix.vectors, ix.chunks, ix.docIDs
	ix.mu.RUnlock()

	if len(vectors) == 0 {
		return nil, nil
	}

	fetch := k
	if filter != nil {
		fetch = k * overFetchFactor
	}

	results := make([]SearchResult, 0, len(vectors))
	for i, v := range vectors {
		dist := l2Distance(query, v)
		results = append(results, SearchResult{
			Chunk:      chunks[i],
			Score:      1 / (1 + dist),
			Distance:   dist,
			DocumentID: docIDs[i],
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })

	if len(results) > fetch {
		results = results[:fetch]
	}
	if filter != nil {
		filtered := results[:0:0]
		for _, r := range results {
			if filter(r.Chunk) {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes every chunk of the document, compacts chunk ids, and
// persists. Returns the number of chunks removed.
func (ix *Index) Delete(documentID string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var vectors [][]float32
	var chunks []Chunk
	var docIDs []string
	deleted := 0
	for i := range ix.chunks {
		if ix.docIDs[i] == documentID {
			deleted++
			continue
		}
		c := ix.chunks[i]
		c.ChunkID = len(chunks)
		vectors = append(vectors, ix.vectors[i])
		chunks = append(chunks, c)
		docIDs = append(docIDs, ix.docIDs[i])
	}
	if deleted == 0 {
		return 0, nil
	}

	if err := ix.persist(vectors, chunks, docIDs); err != nil {
		return 0, err
	}
	ix.vectors, ix.chunks, ix.docIDs = vectors, chunks, docIDs
	ix.logger.Info("document deleted", "document", documentID, "chunks_removed", deleted)
	return deleted, nil
}

// ListDocuments returns the distinct document ids, sorted.
func (ix *Index) ListDocuments() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range ix.docIDs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FirstChunk returns the lowest-id chunk of a document, used to derive
// a human-readable label for the document.
func (ix *Index) FirstChunk(documentID string) (Chunk, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for i, id := range ix.docIDs {
		if id == documentID {
			return ix.chunks[i], true
		}
	}
	return Chunk{}, false
}

// Stats describes the index at rest.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]bool)
	for _, id := range ix.docIDs {
		seen[id] = true
	}
	return Stats{
		NChunks:    len(ix.chunks),
		NDocuments: len(seen),
		Dim:        ix.dim,
		Kind:       "flat_l2",
	}
}

// Close flushes current state to disk.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.persist(ix.vectors, ix.chunks, ix.docIDs)
}

// persist writes both files via temp-and-rename. Called with the write
// lock held.
func (ix *Index) persist(vectors [][]float32, chunks []Chunk, docIDs []string) error {
	if err := writeAtomic(filepath.Join(ix.dir, vectorsFile), encodeVectors(vectors, ix.dim)); err != nil {
		return fmt.Errorf("persist vectors: %w", err)
	}
	meta := struct {
		Chunks []Chunk  `json:"chunks"`
		DocIDs []string `json:"doc_ids"`
	}{Chunks: chunks, DocIDs: docIDs}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(ix.dir, metadataFile), data); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// writeAtomic writes to a temp file in the same directory and renames.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// --- vector codec ---

// encodeVectors serializes count, dim, then row-major float32 bits in
// little-endian order.
func encodeVectors(vectors [][]float32, dim int) []byte {
	buf := make([]byte, 8+len(vectors)*dim*4)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(vectors)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(dim))
	off := 8
	for _, v := range vectors {
		for _, f := range v {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	return buf
}

func decodeVectors(data []byte, dim int) ([][]float32, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("vector file too short: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[0:]))
	fileDim := int(binary.LittleEndian.Uint32(data[4:]))
	if fileDim != dim {
		return nil, fmt.Errorf("vector file dimension %d, want %d", fileDim, dim)
	}
	want := 8 + count*dim*4
	if len(data) != want {
		return nil, fmt.Errorf("vector file size %d, want %d", len(data), want)
	}
	vectors := make([][]float32, count)
	off := 8
	for i := range vectors {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		vectors[i] = row
	}
	return vectors, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func sliceCopy[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
