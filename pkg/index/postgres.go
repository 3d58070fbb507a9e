package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
}

const upsertSummarySQL = `
INSERT INTO node_summaries (graph_id, kind, canonical_name, summary, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (graph_id) DO UPDATE SET
	kind = EXCLUDED.kind,
	canonical_name = EXCLUDED.canonical_name,
	summary = EXCLUDED.summary,
	embedding = EXCLUDED.embedding,
	updated_at = EXCLUDED.updated_at`

const vectorSearchSQL = `
SELECT graph_id, kind, canonical_name, summary, (1 - (embedding <=> $1))::float8 AS score
FROM node_summaries
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1
LIMIT $2`

const keywordSearchSQL = `
SELECT graph_id, kind, canonical_name, summary,
	ts_rank(to_tsvector('simple', canonical_name || ' ' || summary), query)::float8 AS score
FROM node_summaries, to_tsquery('simple', $1) query
WHERE to_tsvector('simple', canonical_name || ' ' || summary) @@ query
ORDER BY score DESC, canonical_name
LIMIT $2`

// Postgres is an Index on the node_summaries table. Summaries are embedded
// with pgvector when an embedder is set.
type Postgres struct {
	conn     pgxIConn
	embedder Embedder
	timeout  time.Duration
	now      func() time.Time
}

// NewPostgres creates a Postgres index. embedder may be nil.
func NewPostgres(conn pgxIConn, embedder Embedder, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Postgres{conn: conn, embedder: embedder, timeout: timeout, now: time.Now}
}

var _ Index = (*Postgres)(nil)

func (p *Postgres) IndexEntity(ctx context.Context, e common.GraphEntity) error {
	summary := util.SanitizePostgresText(Summary(e))
	var embedding *pgvector.Vector
	if p.embedder != nil {
		vec, err := p.embedder.GenerateEmbedding(ctx, summary)
		if err != nil {
			return fmt.Errorf("embed summary of %s: %w", e.GraphID, err)
		}
		v := pgvector.NewVector(vec)
		embedding = &v
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.conn.Exec(ctx, upsertSummarySQL,
		e.GraphID, string(e.Kind), util.SanitizePostgresText(e.CanonicalName), summary, embedding, p.now())
	if err != nil {
		return common.WrapError(common.StoreUnavailable, err, "upsert summary of %s", e.GraphID)
	}
	return nil
}

func (p *Postgres) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		sql string
		arg any
	)
	if p.embedder != nil {
		vec, err := p.embedder.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		sql, arg = vectorSearchSQL, pgvector.NewVector(vec)
	} else {
		query := TSQuery(text)
		if query == "" {
			return nil, nil
		}
		sql, arg = keywordSearchSQL, query
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.conn.Query(ctx, sql, arg, limit)
	if err != nil {
		return nil, common.WrapError(common.StoreUnavailable, err, "search node summaries")
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var h Hit
		var kind string
		err := row.Scan(&h.GraphID, &kind, &h.CanonicalName, &h.Summary, &h.Score)
		h.Kind = common.EntityKind(kind)
		return h, err
	})
	if err != nil {
		return nil, common.WrapError(common.StoreUnavailable, err, "read node summaries")
	}
	return hits, nil
}

func (p *Postgres) Remove(ctx context.Context, graphID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.conn.Exec(ctx, `DELETE FROM node_summaries WHERE graph_id = $1`, graphID); err != nil {
		return common.WrapError(common.StoreUnavailable, err, "remove summary of %s", graphID)
	}
	return nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.conn.Exec(ctx, `TRUNCATE node_summaries`); err != nil {
		return common.WrapError(common.StoreUnavailable, err, "clear node summaries")
	}
	return nil
}

// TSQuery builds a to_tsquery expression matching any keyword of text.
func TSQuery(text string) string {
	words := keywords(text)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.Trim(strings.ReplaceAll(w, "'", ""), "-"); w != "" {
			terms = append(terms, "'"+w+"'")
		}
	}
	return strings.Join(terms, " | ")
}
