package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	clubchat "github.com/aadya75/clubchat"
)

// Ingestion defaults.
const (
	defaultIngestWorkers = 3
	embedBatchSize       = 64
)

// Category folder names recognized at the top of the source tree.
var knownCategories = map[string]string{
	"events":        "events",
	"announcements": "announcements",
	"coordinators":  "coordinators",
}

// DocReport is the per-document entry of a run report.
type DocReport struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
	Chunks     int    `json:"chunks"`
	Category   string `json:"category,omitempty"`
}

// RunReport summarizes one ingestion run. It is persisted as one JSON
// file per run plus a "latest" alias.
type RunReport struct {
	StartedAt  int64       `json:"started_at"`
	FinishedAt int64       `json:"finished_at"`
	Documents  int         `json:"documents"`
	Chunks     int         `json:"chunks"`
	Skipped    int         `json:"skipped"`
	Errors     []string    `json:"errors,omitempty"`
	PerDoc     []DocReport `json:"per_document,omitempty"`
}

// Ingestor walks a source directory, parses, chunks, embeds, and
// upserts the index and the citation graph. Re-running on an unchanged
// source is a no-op at the observable level: a document id already
// present is deleted, then re-added.
type Ingestor struct {
	parser   *Parser
	chunker  *Chunker
	embedder clubchat.EmbeddingProvider
	index    *Index
	graph    *CitationGraph

	ignoreFiles map[string]bool
	ignoreDirs  map[string]bool
	workers     int
	metaDir     string

	tracer clubchat.Tracer
	logger *slog.Logger
}

// IngestOption configures an Ingestor.
type IngestOption func(*Ingestor)

// IngestGraph attaches the citation graph: every ingested document is
// registered as a paper.
func IngestGraph(g *CitationGraph) IngestOption {
	return func(ing *Ingestor) { ing.graph = g }
}

// IgnoreFiles replaces the ignored file name set.
func IgnoreFiles(names ...string) IngestOption {
	return func(ing *Ingestor) {
		ing.ignoreFiles = make(map[string]bool, len(names))
		for _, n := range names {
			ing.ignoreFiles[strings.ToLower(n)] = true
		}
	}
}

// IgnoreDirs replaces the ignored directory name set.
func IgnoreDirs(names ...string) IngestOption {
	return func(ing *Ingestor) {
		ing.ignoreDirs = make(map[string]bool, len(names))
		for _, n := range names {
			ing.ignoreDirs[strings.ToLower(n)] = true
		}
	}
}

// IngestWorkers sets the parse/embed worker pool size. Default 3.
func IngestWorkers(n int) IngestOption {
	return func(ing *Ingestor) { ing.workers = n }
}

// IngestMetaDir sets where run reports are written. Empty disables
// report persistence.
func IngestMetaDir(dir string) IngestOption {
	return func(ing *Ingestor) { ing.metaDir = dir }
}

// IngestTracer enables span emission.
func IngestTracer(t clubchat.Tracer) IngestOption {
	return func(ing *Ingestor) { ing.tracer = t }
}

// IngestLogger sets the structured logger.
func IngestLogger(l *slog.Logger) IngestOption {
	return func(ing *Ingestor) { ing.logger = l }
}

// NewIngestor creates an ingestor over the given chunker, embedder, and
// index.
func NewIngestor(chunker *Chunker, embedder clubchat.EmbeddingProvider, index *Index, opts ...IngestOption) *Ingestor {
	ing := &Ingestor{
		parser:   NewParser(),
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		ignoreFiles: map[string]bool{
			"readme.md": true, ".ds_store": true,
		},
		ignoreDirs: map[string]bool{
			"archives": true,
		},
		workers: defaultIngestWorkers,
	}
	for _, opt := range opts {
		opt(ing)
	}
	if ing.logger == nil {
		ing.logger = slog.New(slog.DiscardHandler)
	}
	return ing
}

// Run ingests every supported document under sourceDir. Per-document
// failures are counted and reported, never fatal to the run.
func (ing *Ingestor) Run(ctx context.Context, sourceDir string) (RunReport, error) {
	if ing.tracer != nil {
		var span clubchat.Span
		ctx, span = ing.tracer.Start(ctx, "knowledge.ingest", clubchat.StringAttr("source", sourceDir))
		defer span.End()
	}

	report := RunReport{StartedAt: clubchat.NowUnix()}

	files, skipped, err := ing.enumerate(sourceDir)
	if err != nil {
		return report, err
	}
	report.Skipped = skipped
	ing.logger.Info("ingestion started", "source", sourceDir, "files", len(files), "skipped", skipped)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.workers)
	for _, rel := range files {
		g.Go(func() error {
			doc, err := ing.ingestOne(gctx, sourceDir, rel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rel, err))
				ing.logger.Error("document failed", "source", rel, "err", err)
				return nil
			}
			report.Documents++
			report.Chunks += doc.Chunks
			report.PerDoc = append(report.PerDoc, doc)
			return nil
		})
	}
	g.Wait()

	sort.Slice(report.PerDoc, func(i, j int) bool {
		return report.PerDoc[i].DocumentID < report.PerDoc[j].DocumentID
	})
	report.FinishedAt = clubchat.NowUnix()
	ing.logger.Info("ingestion completed",
		"documents", report.Documents,
		"chunks", report.Chunks,
		"errors", len(report.Errors))

	if err := ing.writeReport(report); err != nil {
		ing.logger.Error("run report not written", "err", err)
	}
	return report, nil
}

// enumerate walks the tree, applying the directory and file ignore
// lists and the supported-extension filter.
func (ing *Ingestor) enumerate(sourceDir string) (files []string, skipped int, err error) {
	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ing.ignoreDirs[strings.ToLower(d.Name())] {
				return filepath.SkipDir
			}
			return nil
		}
		if ing.ignoreFiles[strings.ToLower(d.Name())] {
			skipped++
			return nil
		}
		if ContentTypeFromExtension(filepath.Ext(path)) == "" {
			skipped++
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("enumerate %s: %w", sourceDir, err)
	}
	sort.Strings(files)
	return files, skipped, nil
}

// ingestOne processes a single document: delete-then-add under its
// stable path-derived id.
func (ing *Ingestor) ingestOne(ctx context.Context, sourceDir, rel string) (DocReport, error) {
	docID := rel
	content, err := os.ReadFile(filepath.Join(sourceDir, filepath.FromSlash(rel)))
	if err != nil {
		return DocReport{}, err
	}

	result, err := ing.parser.Parse(content, rel)
	if err != nil {
		return DocReport{}, err
	}

	category, eventName := classifyPath(rel)
	meta := map[string]string{
		"document_id": docID,
		"filename":    filepath.Base(rel),
	}
	if category != "" {
		meta["category"] = category
	}
	if eventName != "" {
		meta["event_name"] = eventName
	}

	chunks := ing.chunker.Chunk(result.Text, meta)
	if len(chunks) == 0 {
		return DocReport{}, &clubchat.ParseError{Kind: clubchat.KindCorrupt, Source: rel, Msg: "no text extracted"}
	}
	assignSections(chunks, result.Meta)

	embeddings, err := ing.embedChunks(ctx, chunks)
	if err != nil {
		return DocReport{}, err
	}

	// Idempotence at the document level: drop any prior version first.
	if _, err := ing.index.Delete(docID); err != nil {
		return DocReport{}, err
	}
	if err := ing.index.Add(embeddings, chunks, docID); err != nil {
		return DocReport{}, err
	}

	if ing.graph != nil && ing.graph.Enabled() {
		if err := ing.graph.AddPaper(ctx, docID, filepath.Base(rel), meta); err != nil {
			ing.logger.Warn("graph registration failed", "document", docID, "err", err)
		}
	}

	ing.logger.Debug("document ingested", "document", docID, "chunks", len(chunks))
	return DocReport{DocumentID: docID, Source: rel, Chunks: len(chunks), Category: category}, nil
}

// embedChunks embeds chunk texts in batches.
func (ing *Ingestor) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for i := 0; i < len(chunks); i += embedBatchSize {
		end := min(i+embedBatchSize, len(chunks))
		texts := make([]string, end-i)
		for j := range texts {
			texts[j] = chunks[i+j].Text
		}
		embeddings, err := ing.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		out = append(out, embeddings...)
	}
	return out, nil
}

// classifyPath derives the club category (top-level folder) and event
// name (second-level folder under Events) from a relative path.
func classifyPath(rel string) (category, eventName string) {
	parts := strings.Split(rel, "/")
	if len(parts) < 2 {
		return "", ""
	}
	category = knownCategories[strings.ToLower(parts[0])]
	if category == "events" && len(parts) >= 3 {
		eventName = parts[1]
	}
	return category, eventName
}

// assignSections tags each chunk with the heading or page of the last
// section starting at or before the chunk. Sections are re-anchored in
// the cleaned text by their marker ("[Page N]") or heading string, so
// offsets survive whitespace normalization.
func assignSections(chunks []Chunk, sections []SectionMeta) {
	if len(sections) == 0 || len(chunks) == 0 {
		return
	}

	type anchor struct {
		pos     int
		heading string
		page    int
	}
	cleaned := chunksFullText(chunks)
	var anchors []anchor
	searchFrom := 0
	for _, s := range sections {
		marker := s.Heading
		if s.PageNumber > 0 {
			marker = fmt.Sprintf("[Page %d]", s.PageNumber)
		}
		if marker == "" {
			continue
		}
		idx := strings.Index(cleaned[searchFrom:], marker)
		if idx < 0 {
			continue
		}
		pos := searchFrom + idx
		anchors = append(anchors, anchor{pos: pos, heading: s.Heading, page: s.PageNumber})
		searchFrom = pos + len(marker)
	}
	if len(anchors) == 0 {
		return
	}

	for i := range chunks {
		var last *anchor
		for a := range anchors {
			if anchors[a].pos <= chunks[i].StartChar {
				last = &anchors[a]
			}
		}
		if last == nil {
			continue
		}
		// Chunks share one metadata map coming in; copy before tagging.
		meta := make(map[string]string, len(chunks[i].Metadata)+2)
		for k, v := range chunks[i].Metadata {
			meta[k] = v
		}
		if last.heading != "" {
			meta["heading"] = last.heading
		}
		if last.page > 0 {
			meta["page"] = fmt.Sprintf("%d", last.page)
		}
		chunks[i].Metadata = meta
	}
}

// chunksFullText reconstructs the cleaned text from the chunk windows
// (the first chunk starts at 0 and windows cover the text).
func chunksFullText(chunks []Chunk) string {
	var b strings.Builder
	end := 0
	for _, c := range chunks {
		if c.EndChar <= end {
			continue
		}
		start := max(c.StartChar, end)
		b.WriteString(c.Text[start-c.StartChar:])
		end = c.EndChar
	}
	return b.String()
}

// writeReport persists the run report and refreshes the latest alias.
func (ing *Ingestor) writeReport(report RunReport) error {
	if ing.metaDir == "" {
		return nil
	}
	if err := os.MkdirAll(ing.metaDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("ingest-%d.json", report.StartedAt)
	if err := os.WriteFile(filepath.Join(ing.metaDir, name), data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ing.metaDir, "latest.json"), data, 0o644)
}
