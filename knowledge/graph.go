package knowledge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PaperRef is an id/title pair in a citation neighborhood.
type PaperRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Neighbors is the citation neighborhood of one paper.
type Neighbors struct {
	CitedBy []PaperRef `json:"cited_by"`
	Cites   []PaperRef `json:"cites"`
}

// CitationGraph stores papers and directed CITES edges in Postgres.
// An empty connection string, or a backend that cannot be reached at
// open time, yields a disabled graph: writes become no-ops and
// Neighbors returns empty sets. Edges carry no foreign keys so orphan
// nodes and dangling references are tolerated.
type CitationGraph struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// GraphOption configures a CitationGraph.
type GraphOption func(*CitationGraph)

// GraphLogger sets the structured logger.
func GraphLogger(l *slog.Logger) GraphOption {
	return func(g *CitationGraph) { g.logger = l }
}

// OpenCitationGraph connects to Postgres and ensures the schema. Any
// failure disables the graph instead of failing the caller.
func OpenCitationGraph(ctx context.Context, connString string, opts ...GraphOption) *CitationGraph {
	g := &CitationGraph{}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	if connString == "" {
		return g
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		g.logger.Warn("citation graph unavailable", "err", err)
		return g
	}
	if err := pool.Ping(ctx); err != nil {
		g.logger.Warn("citation graph unavailable", "err", err)
		pool.Close()
		return g
	}
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS papers (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS citations (
			citing TEXT NOT NULL,
			cited TEXT NOT NULL,
			PRIMARY KEY (citing, cited)
		)`,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			g.logger.Warn("citation graph schema failed", "err", err)
			pool.Close()
			return g
		}
	}
	g.pool = pool
	g.logger.Info("citation graph connected")
	return g
}

// Enabled reports whether a backend is attached.
func (g *CitationGraph) Enabled() bool { return g.pool != nil }

// AddPaper upserts a paper node. No-op when disabled.
func (g *CitationGraph) AddPaper(ctx context.Context, id, title string, meta map[string]string) error {
	if g.pool == nil {
		return nil
	}
	if title == "" {
		title = id
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := g.pool.Exec(ctx,
		`INSERT INTO papers (id, title, metadata) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, metadata = EXCLUDED.metadata`,
		id, title, metaJSON)
	return err
}

// AddCitation records a directed CITES edge. No-op when disabled.
func (g *CitationGraph) AddCitation(ctx context.Context, citing, cited string) error {
	if g.pool == nil {
		return nil
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO citations (citing, cited) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		citing, cited)
	return err
}

// Neighbors returns papers citing and cited by the given paper. Titles
// of papers missing from the papers table fall back to their id.
func (g *CitationGraph) Neighbors(ctx context.Context, id string) (Neighbors, error) {
	n := Neighbors{CitedBy: []PaperRef{}, Cites: []PaperRef{}}
	if g.pool == nil {
		return n, nil
	}

	rows, err := g.pool.Query(ctx,
		`SELECT c.citing, COALESCE(p.title, c.citing)
		 FROM citations c LEFT JOIN papers p ON p.id = c.citing
		 WHERE c.cited = $1`, id)
	if err != nil {
		return n, err
	}
	for rows.Next() {
		var ref PaperRef
		if err := rows.Scan(&ref.ID, &ref.Title); err != nil {
			rows.Close()
			return n, err
		}
		n.CitedBy = append(n.CitedBy, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return n, err
	}

	rows, err = g.pool.Query(ctx,
		`SELECT c.cited, COALESCE(p.title, c.cited)
		 FROM citations c LEFT JOIN papers p ON p.id = c.cited
		 WHERE c.citing = $1`, id)
	if err != nil {
		return n, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref PaperRef
		if err := rows.Scan(&ref.ID, &ref.Title); err != nil {
			return n, err
		}
		n.Cites = append(n.Cites, ref)
	}
	return n, rows.Err()
}

// DeletePaper removes a paper and detaches its edges. No-op when
// disabled.
func (g *CitationGraph) DeletePaper(ctx context.Context, id string) error {
	if g.pool == nil {
		return nil
	}
	if _, err := g.pool.Exec(ctx, `DELETE FROM citations WHERE citing = $1 OR cited = $1`, id); err != nil {
		return err
	}
	_, err := g.pool.Exec(ctx, `DELETE FROM papers WHERE id = $1`, id)
	return err
}

// Close releases the connection pool.
func (g *CitationGraph) Close() error {
	if g.pool != nil {
		g.pool.Close()
	}
	return nil
}
