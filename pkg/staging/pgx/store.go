// Package pgx is the PostgreSQL staging.Store.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

const (
	// DefaultTimeout bounds every store call.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxTries is the number of attempts on transient failures.
	DefaultMaxTries = 2

	pgDuplicateKeyCode = "23505"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

var entityProjection = newProjection("staged_entities", "e").
	project("staged_id", "staged_id").
	project("entity_kind", "kind").
	project("name", "name").
	project("properties", "properties").
	project("document_id", "document_id").
	project("source_range", "source_range").
	project("approval_status", "status").
	project("reviewer_id", "reviewer_id").
	project("reviewed_at", "reviewed_at").
	project("notes", "notes").
	project("batch_id", "batch_id").
	project("graph_id", "graph_id").
	project("created_at", "created_at").
	project("updated_at", "updated_at")

var relationshipProjection = newProjection("staged_relationships", "r").
	project("staged_id", "staged_id").
	project("document_id", "document_id").
	project("source_staged_id", "source_staged_id").
	project("target_staged_id", "target_staged_id").
	project("relation_kind", "kind").
	project("properties", "properties").
	project("approval_status", "status").
	project("reviewer_id", "reviewer_id").
	project("reviewed_at", "reviewed_at").
	project("notes", "notes").
	project("batch_id", "batch_id").
	project("graph_id", "graph_id").
	project("created_at", "created_at").
	project("updated_at", "updated_at")

var defaultOrder = []sortField{{field: "created_at", descending: true}, {field: "staged_id"}}

// Store is a staging.Store on PostgreSQL. The schema lives in the
// migrations directory.
type Store struct {
	conn    pgxIConn
	pool    *pgxpool.Pool
	timeout time.Duration
	retry   util.RetryPolicy
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetry overrides the number of attempts and the backoff between them.
func WithRetry(maxTries int, backoff util.Backoff) Option {
	return func(s *Store) {
		s.retry.MaxTries = maxTries
		s.retry.Backoff = backoff
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects a pool to dsn.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, common.WrapError(common.InvalidConfig, err, "staging database")
	}
	s := NewWithConnection(pool, opts...)
	s.pool = pool
	return s, nil
}

// NewWithConnection builds a Store on an existing pool, connection or
// transaction.
func NewWithConnection(conn pgxIConn, opts ...Option) *Store {
	s := &Store{
		conn:    conn,
		timeout: DefaultTimeout,
		retry: util.RetryPolicy{
			MaxTries:  DefaultMaxTries,
			Backoff:   util.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2},
			Retryable: transient,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

var _ staging.Store = (*Store)(nil)

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// transient reports whether a failed call may succeed when repeated.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// mapError translates driver errors into pipeline errors.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var perr *common.Error
	if errors.As(err, &perr) || errors.Is(err, staging.ErrNotFound) {
		return err
	}
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, staging.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return common.WrapError(common.DuplicateConflict, err, "%s", op).WithPhase(common.PhaseStaging)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return common.AsError(err).WithPhase(common.PhaseStaging)
	}
	if transient(err) {
		return common.WrapError(common.StoreUnavailable, err, "%s", op).WithPhase(common.PhaseStaging)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// do runs fn with the call timeout, retrying transient failures.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := util.RetryErrWithContext(ctx, s.retry, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && transient(err) {
			logger.Warn("[Staging] Transient database error", "op", op, "err", err)
		}
		return err
	})
	return mapError(err, op)
}

// inTx runs fn in a transaction that is committed when fn returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgxv5.Tx) error) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		var one int
		return s.conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

func (s *Store) SaveDocument(ctx context.Context, doc common.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return s.do(ctx, "save document", func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx, `
			INSERT INTO documents (document_id, title, source, raw_text, metadata, auto_promote, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (document_id) DO UPDATE SET auto_promote = EXCLUDED.auto_promote`,
			doc.ID, util.SanitizePostgresText(doc.Title), doc.Source, util.SanitizePostgresText(doc.RawText), doc.Metadata, doc.AutoPromote, doc.CreatedAt)
		return err
	})
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (common.Document, error) {
	var doc common.Document
	err := s.do(ctx, "document "+documentID, func(ctx context.Context) error {
		return s.conn.QueryRow(ctx, `
			SELECT document_id, title, source, raw_text, metadata, auto_promote, created_at
			FROM documents WHERE document_id = $1`, documentID).
			Scan(&doc.ID, &doc.Title, &doc.Source, &doc.RawText, &doc.Metadata, &doc.AutoPromote, &doc.CreatedAt)
	})
	return doc, err
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	return s.inTx(ctx, "delete document", func(ctx context.Context, tx pgxv5.Tx) error {
		for _, q := range []string{
			"DELETE FROM staged_relationships WHERE document_id = $1",
			"DELETE FROM staged_entities WHERE document_id = $1",
			"DELETE FROM approval_sessions WHERE document_id = $1",
			"DELETE FROM documents WHERE document_id = $1",
		} {
			if _, err := tx.Exec(ctx, q, documentID); err != nil {
				return err
			}
		}
		return nil
	})
}

const upsertEntitySQL = `
	INSERT INTO staged_entities
		(staged_id, entity_kind, name, properties, document_id, source_range, approval_status, batch_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $8)
	ON CONFLICT (document_id, entity_kind, lower(name)) WHERE approval_status = 'pending'
	DO UPDATE SET
		properties = EXCLUDED.properties,
		source_range = EXCLUDED.source_range,
		batch_id = EXCLUDED.batch_id,
		updated_at = EXCLUDED.updated_at
	RETURNING staged_id`

const upsertRelationshipSQL = `
	INSERT INTO staged_relationships
		(staged_id, document_id, source_staged_id, target_staged_id, relation_kind, properties, approval_status, batch_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $8)
	ON CONFLICT (document_id, source_staged_id, target_staged_id, relation_kind) WHERE approval_status = 'pending'
	DO UPDATE SET
		properties = EXCLUDED.properties,
		batch_id = EXCLUDED.batch_id,
		updated_at = EXCLUDED.updated_at
	RETURNING staged_id`

func (s *Store) InsertCandidates(ctx context.Context, documentID string, set common.ExtractedEntitySet, batchID string) (staging.InsertResult, error) {
	res := staging.InsertResult{DocumentID: documentID, BatchID: batchID}
	plan, err := staging.Plan(documentID, set, batchID, s.now())
	if err != nil {
		return res, err
	}
	res.Warnings = plan.Warnings

	err = s.inTx(ctx, "insert candidates", func(ctx context.Context, tx pgxv5.Tx) error {
		res.EntityIDs = res.EntityIDs[:0]
		res.RelationshipIDs = res.RelationshipIDs[:0]
		ids := make(map[string]string, len(plan.Entities))

		for _, e := range plan.Entities {
			spans := e.SourceRange
			if spans == nil {
				spans = []common.Span{}
			}
			var id string
			err := tx.QueryRow(ctx, upsertEntitySQL,
				e.StagedID, e.Kind, e.Name, e.Properties, e.DocumentID, spans, e.BatchID, e.CreatedAt,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("stage %s %q: %w", e.Kind, e.Name, err)
			}
			ids[staging.EntityRef{Kind: e.Kind, Name: e.Name}.Key()] = id
			res.EntityIDs = append(res.EntityIDs, id)
		}

		for _, p := range plan.Relationships {
			r := p.Row
			var id string
			err := tx.QueryRow(ctx, upsertRelationshipSQL,
				r.StagedID, r.DocumentID, ids[p.Source.Key()], ids[p.Target.Key()], r.Kind, r.Properties, r.BatchID, r.CreatedAt,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("stage %s %s -> %s: %w", r.Kind, p.Source.Name, p.Target.Name, err)
			}
			res.RelationshipIDs = append(res.RelationshipIDs, id)
		}
		return nil
	})
	if err != nil {
		return res, common.AsError(err).WithDocument(documentID)
	}

	logger.Debug("[Staging] Staged candidates", "document_id", documentID,
		"entities", len(res.EntityIDs), "relationships", len(res.RelationshipIDs))
	return res, nil
}

func scanEntity(row pgxv5.CollectableRow) (common.StagedEntity, error) {
	var e common.StagedEntity
	err := row.Scan(&e.StagedID, &e.Kind, &e.Name, &e.Properties, &e.DocumentID, &e.SourceRange,
		&e.Status, &e.ReviewerID, &e.ReviewedAt, &e.Notes, &e.BatchID, &e.GraphID, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func scanRelationship(row pgxv5.CollectableRow) (common.StagedRelationship, error) {
	var r common.StagedRelationship
	err := row.Scan(&r.StagedID, &r.DocumentID, &r.SourceStagedID, &r.TargetStagedID, &r.Kind, &r.Properties,
		&r.Status, &r.ReviewerID, &r.ReviewedAt, &r.Notes, &r.BatchID, &r.GraphID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// filtered applies the filter conditions shared by both tables.
func filtered(p *projection, f staging.Filter) *builder {
	return newBuilder(p, defaultOrder...).
		whereEquals("document_id", f.DocumentID).
		whereEquals("status", f.Status).
		whereEquals("batch_id", f.BatchID).
		whereAfter("created_at", f.CreatedAfter).
		whereAny("staged_id", f.StagedIDs)
}

func (s *Store) ListEntities(ctx context.Context, f staging.Filter) ([]common.StagedEntity, error) {
	sql, args := filtered(entityProjection, f).whereEquals("kind", f.Kind).page(f.Limit, f.Offset).buildSelect()
	var out []common.StagedEntity
	err := s.do(ctx, "list staged entities", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgxv5.CollectRows(rows, scanEntity)
		return err
	})
	if out == nil {
		out = []common.StagedEntity{}
	}
	return out, err
}

func (s *Store) ListRelationships(ctx context.Context, f staging.Filter) ([]common.StagedRelationship, error) {
	if f.Kind != "" {
		return []common.StagedRelationship{}, nil
	}
	sql, args := filtered(relationshipProjection, f).page(f.Limit, f.Offset).buildSelect()
	var out []common.StagedRelationship
	err := s.do(ctx, "list staged relationships", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = pgxv5.CollectRows(rows, scanRelationship)
		return err
	})
	if out == nil {
		out = []common.StagedRelationship{}
	}
	return out, err
}

func (s *Store) GetEntity(ctx context.Context, stagedID string) (common.StagedEntity, error) {
	sql, args := newBuilder(entityProjection).whereEquals("staged_id", stagedID).buildSelect()
	var e common.StagedEntity
	err := s.do(ctx, "staged entity "+stagedID, func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		e, err = pgxv5.CollectExactlyOneRow(rows, scanEntity)
		return err
	})
	return e, err
}

func (s *Store) GetRelationship(ctx context.Context, stagedID string) (common.StagedRelationship, error) {
	sql, args := newBuilder(relationshipProjection).whereEquals("staged_id", stagedID).buildSelect()
	var r common.StagedRelationship
	err := s.do(ctx, "staged relationship "+stagedID, func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		r, err = pgxv5.CollectExactlyOneRow(rows, scanRelationship)
		return err
	})
	return r, err
}

func tableOf(stagedID string) (string, error) {
	item, ok := staging.ItemOf(stagedID)
	if !ok {
		return "", fmt.Errorf("staged item %s: %w", stagedID, staging.ErrNotFound)
	}
	if item == staging.ItemEntity {
		return "staged_entities", nil
	}
	return "staged_relationships", nil
}

// explainMiss turns an update that matched no row into ErrNotFound or
// InvalidTransition. A row whose status allows the move was changed by a
// concurrent writer in between.
func explainMiss(ctx context.Context, q pgxIConn, table, stagedID string, to common.ApprovalStatus) error {
	var current common.ApprovalStatus
	err := q.QueryRow(ctx, "SELECT approval_status FROM "+table+" WHERE staged_id = $1", stagedID).Scan(&current)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return fmt.Errorf("staged item %s: %w", stagedID, staging.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := staging.InvalidTransition(stagedID, current, to); err != nil {
		return err
	}
	return common.NewError(common.DuplicateConflict, "%s changed concurrently", stagedID).
		WithPhase(common.PhaseApproval).
		WithStaged(stagedID)
}

func updateSQL(table, idClause string) string {
	return `UPDATE ` + table + ` SET
		approval_status = $2,
		reviewer_id = $3,
		notes = $4,
		reviewed_at = $5,
		updated_at = $5,
		properties = properties || $6::jsonb
	WHERE ` + idClause + ` AND approval_status = 'pending'`
}

func (s *Store) updateArgs(u staging.Update) []any {
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	mods := u.Modifications
	if mods == nil {
		mods = map[string]any{}
	}
	return []any{u.Status, u.ReviewerID, u.Notes, at, mods}
}

func (s *Store) SetStatus(ctx context.Context, stagedID string, u staging.Update) error {
	table, err := tableOf(stagedID)
	if err != nil {
		return err
	}
	if err := staging.CheckReviewStatus(u.Status); err != nil {
		return err
	}
	args := append([]any{stagedID}, s.updateArgs(u)...)
	return s.do(ctx, "set status", func(ctx context.Context) error {
		tag, err := s.conn.Exec(ctx, updateSQL(table, "staged_id = $1"), args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return explainMiss(ctx, s.conn, table, stagedID, u.Status)
		}
		return nil
	})
}

func (s *Store) pendingIDs(ctx context.Context, p *projection, f staging.Filter, withKind bool) ([]string, error) {
	b := filtered(p, f)
	if withKind {
		b.whereEquals("kind", f.Kind)
	}
	sql, args := b.buildIDs("staged_id")
	var ids []string
	err := s.do(ctx, "select pending ids", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		ids, err = pgxv5.CollectRows(rows, pgxv5.RowTo[string])
		return err
	})
	return ids, err
}

func (s *Store) BulkSetStatus(ctx context.Context, f staging.Filter, u staging.Update) (staging.BulkResult, error) {
	var res staging.BulkResult
	if err := staging.CheckReviewStatus(u.Status); err != nil {
		return res, err
	}
	f.Status = common.StatusPending
	f.Limit, f.Offset = 0, 0
	args := s.updateArgs(u)

	apply := func(table string, ids []string, count *int) error {
		return util.ChunkRange(len(ids), staging.BulkChunkSize, func(start, end int) error {
			if err := common.FromContext(ctx, common.PhaseApproval); err != nil {
				return err
			}
			chunk := ids[start:end]
			return s.inTx(ctx, "bulk set status", func(ctx context.Context, tx pgxv5.Tx) error {
				tag, err := tx.Exec(ctx, updateSQL(table, "staged_id = ANY($1)"), append([]any{chunk}, args...)...)
				if err != nil {
					return err
				}
				*count += int(tag.RowsAffected())
				return nil
			})
		})
	}

	entityIDs, err := s.pendingIDs(ctx, entityProjection, f, true)
	if err != nil {
		return res, err
	}
	if err := apply("staged_entities", entityIDs, &res.Entities); err != nil {
		return res, err
	}
	if f.Kind != "" {
		return res, nil
	}
	relIDs, err := s.pendingIDs(ctx, relationshipProjection, f, false)
	if err != nil {
		return res, err
	}
	if err := apply("staged_relationships", relIDs, &res.Relationships); err != nil {
		return res, err
	}
	logger.Info("[Staging] Bulk status change", "status", u.Status, "entities", res.Entities, "relationships", res.Relationships)
	return res, nil
}

func (s *Store) MarkIngested(ctx context.Context, stagedID, graphID string, at time.Time) error {
	table, err := tableOf(stagedID)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.do(ctx, "mark ingested", func(ctx context.Context) error {
		tag, err := s.conn.Exec(ctx, `UPDATE `+table+`
			SET approval_status = 'ingested', graph_id = $2, updated_at = $3
			WHERE staged_id = $1 AND approval_status IN ('approved', 'modified')`,
			stagedID, graphID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return explainMiss(ctx, s.conn, table, stagedID, common.StatusIngested)
		}
		return nil
	})
}

func (s *Store) ClearPending(ctx context.Context, documentID string) (staging.BulkResult, error) {
	var res staging.BulkResult
	err := s.inTx(ctx, "clear pending", func(ctx context.Context, tx pgxv5.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM staged_relationships r
			WHERE ($1 = '' OR r.document_id = $1) AND r.approval_status = 'pending'
			   OR r.source_staged_id IN (SELECT staged_id FROM staged_entities WHERE ($1 = '' OR document_id = $1) AND approval_status = 'pending')
			   OR r.target_staged_id IN (SELECT staged_id FROM staged_entities WHERE ($1 = '' OR document_id = $1) AND approval_status = 'pending')`,
			documentID)
		if err != nil {
			return err
		}
		res.Relationships = int(tag.RowsAffected())
		tag, err = tx.Exec(ctx, `
			DELETE FROM staged_entities
			WHERE ($1 = '' OR document_id = $1) AND approval_status = 'pending'`,
			documentID)
		if err != nil {
			return err
		}
		res.Entities = int(tag.RowsAffected())
		return nil
	})
	return res, err
}

func (s *Store) Statistics(ctx context.Context, documentID string) (common.Statistics, error) {
	var st common.Statistics
	count := func(ctx context.Context, table string, into *common.StatusCounts) error {
		rows, err := s.conn.Query(ctx, `
			SELECT approval_status, COUNT(*) FROM `+table+`
			WHERE ($1 = '' OR document_id = $1)
			GROUP BY approval_status`, documentID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status common.ApprovalStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			into.Add(status, n)
		}
		return rows.Err()
	}
	err := s.do(ctx, "statistics", func(ctx context.Context) error {
		st = common.Statistics{}
		if err := count(ctx, "staged_entities", &st.Entities); err != nil {
			return err
		}
		return count(ctx, "staged_relationships", &st.Relationships)
	})
	return st, err
}

const sessionColumns = "session_id, document_id, reviewer_id, created_at, completed_at"

func scanSession(row pgxv5.CollectableRow) (common.ApprovalSession, error) {
	var sess common.ApprovalSession
	err := row.Scan(&sess.SessionID, &sess.DocumentID, &sess.ReviewerID, &sess.CreatedAt, &sess.CompletedAt)
	return sess, err
}

func (s *Store) CreateSession(ctx context.Context, documentID string, reviewerID *string) (common.ApprovalSession, error) {
	id, err := staging.NewID(staging.SessionPrefix)
	if err != nil {
		return common.ApprovalSession{}, err
	}
	sess := common.ApprovalSession{SessionID: id, DocumentID: documentID, ReviewerID: reviewerID, CreatedAt: s.now()}
	err = s.do(ctx, "create session", func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx,
			"INSERT INTO approval_sessions ("+sessionColumns+") VALUES ($1, $2, $3, $4, NULL)",
			sess.SessionID, sess.DocumentID, sess.ReviewerID, sess.CreatedAt)
		return err
	})
	if err != nil {
		return sess, err
	}
	return s.withTotals(ctx, sess)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (common.ApprovalSession, error) {
	var sess common.ApprovalSession
	err := s.do(ctx, "session "+sessionID, func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, "SELECT "+sessionColumns+" FROM approval_sessions WHERE session_id = $1", sessionID)
		if err != nil {
			return err
		}
		sess, err = pgxv5.CollectExactlyOneRow(rows, scanSession)
		return err
	})
	if err != nil {
		return sess, err
	}
	return s.withTotals(ctx, sess)
}

func (s *Store) ListSessions(ctx context.Context, documentID string) ([]common.ApprovalSession, error) {
	var list []common.ApprovalSession
	err := s.do(ctx, "list sessions", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, "SELECT "+sessionColumns+` FROM approval_sessions
			WHERE ($1 = '' OR document_id = $1)
			ORDER BY created_at DESC, session_id ASC`, documentID)
		if err != nil {
			return err
		}
		list, err = pgxv5.CollectRows(rows, scanSession)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]common.ApprovalSession, 0, len(list))
	for _, sess := range list {
		sess, err := s.withTotals(ctx, sess)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) CompleteSession(ctx context.Context, sessionID string, at time.Time) (common.ApprovalSession, error) {
	if at.IsZero() {
		at = s.now()
	}
	var sess common.ApprovalSession
	err := s.do(ctx, "complete session", func(ctx context.Context) error {
		rows, err := s.conn.Query(ctx, `UPDATE approval_sessions
			SET completed_at = COALESCE(completed_at, $2)
			WHERE session_id = $1
			RETURNING `+sessionColumns, sessionID, at)
		if err != nil {
			return err
		}
		sess, err = pgxv5.CollectExactlyOneRow(rows, scanSession)
		return err
	})
	if err != nil {
		return sess, err
	}
	return s.withTotals(ctx, sess)
}

func (s *Store) withTotals(ctx context.Context, sess common.ApprovalSession) (common.ApprovalSession, error) {
	st, err := s.Statistics(ctx, sess.DocumentID)
	if err != nil {
		return sess, err
	}
	sess.Totals = st.Entities
	sess.Totals.Pending += st.Relationships.Pending
	sess.Totals.Approved += st.Relationships.Approved
	sess.Totals.Rejected += st.Relationships.Rejected
	sess.Totals.Modified += st.Relationships.Modified
	sess.Totals.Ingested += st.Relationships.Ingested
	return sess, nil
}
