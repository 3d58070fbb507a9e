// Package neo4j is the graphstore.Store on Neo4j 5. Nodes carry exactly
// one of the Person or Company labels; edges are typed by relation kind.
// Attribute maps are stored as a JSON string property because Neo4j
// properties cannot hold nested maps.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

// DefaultTimeout bounds every graph call.
const DefaultTimeout = 30 * time.Second

const (
	nodeLabels        = "Person|Company"
	fullTextIndex     = "entity_names"
	constraintFailure = "Neo.ClientError.Schema.ConstraintValidationFailed"
)

// Config holds the connection settings.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// Store talks to Neo4j through a shared driver.
type Store struct {
	driver  neo4j.DriverWithContext
	db      string
	timeout time.Duration
	now     func() time.Time
}

// New creates the driver and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, common.NewError(common.InvalidConfig, "graph uri is empty")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, common.WrapError(common.InvalidConfig, err, "graph driver")
	}
	s := &Store{driver: driver, db: cfg.Database, timeout: cfg.Timeout, now: time.Now}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if err := s.Ping(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	logger.Info("[Graph] Connected", "uri", cfg.URI, "database", cfg.Database)
	return s, nil
}

var _ graphstore.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapError(s.driver.VerifyConnectivity(ctx), "ping")
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var perr *common.Error
	if errors.As(err, &perr) || errors.Is(err, graphstore.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return common.AsError(err).WithPhase(common.PhasePromotion)
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Code == constraintFailure {
		return common.WrapError(common.DuplicateConflict, err, "graph %s", op)
	}
	if neo4j.IsConnectivityError(err) || neo4j.IsRetryable(err) {
		return common.WrapError(common.StoreUnavailable, err, "graph %s", op)
	}
	return fmt.Errorf("graph %s: %w", op, err)
}

// write runs fn in a managed write transaction. The driver retries
// transient failures of the whole function.
func (s *Store) write(ctx context.Context, op string, fn func(ctx context.Context, tx neo4j.ManagedTransaction) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.db})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, tx)
	})
	return mapError(err, op)
}

func (s *Store) read(ctx context.Context, op string, fn func(ctx context.Context, tx neo4j.ManagedTransaction) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: s.db})
	defer session.Close(ctx)
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, tx)
	})
	return mapError(err, op)
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

const mergeNodeCypher = `
MERGE (n:%s {canonical_name: $name})
ON CREATE SET n.graph_id = $id, n.created_at = $at, n.updated_at = $at,
	n.attributes = '{}', n.provenance = [], n.search_text = $name
RETURN n, n.graph_id = $id AS created`

const setNodeCypher = `
MATCH (n:%s {graph_id: $id})
SET n.attributes = $attributes, n.provenance = $provenance, n.search_text = $search,
	n.normalized_name = $normalized, n.updated_at = $at
RETURN n`

func (s *Store) UpsertEntity(ctx context.Context, u graphstore.EntityUpsert) (common.GraphEntity, graphstore.UpsertResult, error) {
	var out common.GraphEntity
	var res graphstore.UpsertResult
	if !u.Kind.Valid() || u.CanonicalName == "" {
		return out, res, common.NewError(common.SchemaViolation, "invalid node %s %q", u.Kind, u.CanonicalName)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	err := s.write(ctx, "upsert entity", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		res = graphstore.UpsertResult{}
		records, err := collect(ctx, tx, fmt.Sprintf(mergeNodeCypher, u.Kind), map[string]any{
			"name": u.CanonicalName, "id": uuid.NewString(), "at": at,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return common.NewError(common.CorruptState, "merge of %s %q returned nothing", u.Kind, u.CanonicalName)
		}
		node, _, err := neo4j.GetRecordValue[neo4j.Node](records[0], "n")
		if err != nil {
			return err
		}
		created, _, err := neo4j.GetRecordValue[bool](records[0], "created")
		if err != nil {
			return err
		}
		out, err = decodeNode(node)
		if err != nil {
			return err
		}
		res.Created = created

		if slices.Contains(node.Labels, common.CatchAllLabel) {
			if _, err := tx.Run(ctx, "MATCH (n:"+string(u.Kind)+" {graph_id: $id}) REMOVE n:"+common.CatchAllLabel, map[string]any{"id": out.GraphID}); err != nil {
				return err
			}
			out.Labels = []string{string(u.Kind)}
			res.Changed = true
		}

		attrs, changed := graphstore.MergeAttributes(out.Attributes, u.Attributes)
		prov, added := graphstore.AppendProvenance(out.Provenance, u.Provenance)
		if !changed && !added && !created {
			return nil
		}
		updated := at
		if !changed && !created {
			updated = out.UpdatedAt
		}
		params, err := nodeParams(out.GraphID, u.CanonicalName, attrs, prov, updated)
		if err != nil {
			return err
		}
		records, err = collect(ctx, tx, fmt.Sprintf(setNodeCypher, u.Kind), params)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return graphstore.MissingEndpoint(out.GraphID)
		}
		node, _, err = neo4j.GetRecordValue[neo4j.Node](records[0], "n")
		if err != nil {
			return err
		}
		out, err = decodeNode(node)
		res.Changed = true
		return err
	})
	return out, res, err
}

func nodeParams(id, name string, attrs map[string]any, prov []common.Provenance, at time.Time) (map[string]any, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	normalized, _ := attrs["normalized_name"].(string)
	return map[string]any{
		"id":         id,
		"attributes": string(raw),
		"provenance": encodeProvenance(prov),
		"search":     searchText(name, attrs),
		"normalized": normalized,
		"at":         at,
	}, nil
}

const mergeEdgeCypher = `
MATCH (a:` + nodeLabels + ` {graph_id: $src}), (b:` + nodeLabels + ` {graph_id: $tgt})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.graph_id = $id, r.created_at = $at, r.updated_at = $at, r.attributes = '{}', r.provenance = []
RETURN r, r.graph_id = $id AS created`

// upsertEdge merges an edge inside tx and reports whether it was created
// or changed.
func upsertEdge(ctx context.Context, tx neo4j.ManagedTransaction, src, tgt string, kind common.RelationKind, attrs map[string]any, prov []common.Provenance, at time.Time) (common.GraphRelationship, graphstore.UpsertResult, error) {
	var res graphstore.UpsertResult
	records, err := collect(ctx, tx, fmt.Sprintf(mergeEdgeCypher, kind), map[string]any{
		"src": src, "tgt": tgt, "id": uuid.NewString(), "at": at,
	})
	if err != nil {
		return common.GraphRelationship{}, res, err
	}
	if len(records) == 0 {
		return common.GraphRelationship{}, res, graphstore.MissingEndpoint(src + " or " + tgt)
	}
	rel, _, err := neo4j.GetRecordValue[neo4j.Relationship](records[0], "r")
	if err != nil {
		return common.GraphRelationship{}, res, err
	}
	created, _, _ := neo4j.GetRecordValue[bool](records[0], "created")
	edge, err := decodeRelationship(rel, src, tgt, string(kind))
	if err != nil {
		return edge, res, err
	}
	res.Created = created

	merged, changed := graphstore.MergeAttributes(edge.Attributes, attrs)
	list, added := edge.Provenance, false
	for _, p := range prov {
		var ok bool
		list, ok = graphstore.AppendProvenance(list, p)
		added = added || ok
	}
	if !changed && !added && !created {
		return edge, res, nil
	}
	updated := at
	if !changed && !created {
		updated = edge.UpdatedAt
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return edge, res, fmt.Errorf("encode attributes: %w", err)
	}
	_, err = tx.Run(ctx, `MATCH ()-[r:`+string(kind)+` {graph_id: $id}]->()
		SET r.attributes = $attributes, r.provenance = $provenance, r.updated_at = $at`,
		map[string]any{"id": edge.GraphID, "attributes": string(raw), "provenance": encodeProvenance(list), "at": updated})
	if err != nil {
		return edge, res, err
	}
	edge.Attributes, edge.Provenance, edge.UpdatedAt = merged, list, updated
	res.Changed = true
	return edge, res, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, u graphstore.RelationshipUpsert) (common.GraphRelationship, graphstore.UpsertResult, error) {
	var out common.GraphRelationship
	var res graphstore.UpsertResult
	if u.SourceID == u.TargetID {
		return out, res, graphstore.SelfEdge(u.SourceID, u.Kind)
	}
	if _, ok := common.ParseRelationKind(string(u.Kind)); !ok {
		return out, res, common.NewError(common.SchemaViolation, "unknown relation kind %q", u.Kind)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	err := s.write(ctx, "upsert relationship", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		var err error
		out, res, err = upsertEdge(ctx, tx, u.SourceID, u.TargetID, u.Kind, u.Attributes, []common.Provenance{u.Provenance}, at)
		return err
	})
	return out, res, err
}

func (s *Store) GetEntity(ctx context.Context, graphID string) (common.GraphEntity, error) {
	var out common.GraphEntity
	err := s.read(ctx, "get entity", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		records, err := collect(ctx, tx, "MATCH (n:"+nodeLabels+" {graph_id: $id}) RETURN n", map[string]any{"id": graphID})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("node %s: %w", graphID, graphstore.ErrNotFound)
		}
		out, err = nodeFromRecord(records[0], "n")
		return err
	})
	return out, err
}

func (s *Store) nodes(ctx context.Context, op, cypher string, params map[string]any) ([]common.GraphEntity, error) {
	var out []common.GraphEntity
	err := s.read(ctx, op, func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		records, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return err
		}
		out = make([]common.GraphEntity, 0, len(records))
		for _, rec := range records {
			e, err := nodeFromRecord(rec, "n")
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Store) FindEntities(ctx context.Context, q graphstore.EntityQuery) ([]common.GraphEntity, error) {
	return s.nodes(ctx, "find entities", `
		MATCH (n:`+nodeLabels+`)
		WHERE ($kind = '' OR $kind IN labels(n))
		  AND (n.canonical_name = $name OR ($fold AND toLower(n.canonical_name) = toLower($name)))
		RETURN n ORDER BY n.created_at, n.graph_id`,
		map[string]any{"kind": string(q.Kind), "name": q.Name, "fold": q.FoldCase})
}

func (s *Store) SearchEntities(ctx context.Context, text string, limit int) ([]common.GraphEntity, error) {
	query := LuceneQuery(text)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return s.nodes(ctx, "search entities", `
		CALL db.index.fulltext.queryNodes($index, $query) YIELD node, score
		RETURN node AS n ORDER BY score DESC LIMIT $limit`,
		map[string]any{"index": fullTextIndex, "query": query, "limit": limit})
}

func (s *Store) ListEntities(ctx context.Context, kind common.EntityKind) ([]common.GraphEntity, error) {
	return s.nodes(ctx, "list entities", `
		MATCH (n:`+nodeLabels+`)
		WHERE $kind = '' OR $kind IN labels(n)
		RETURN n ORDER BY n.created_at, n.graph_id`,
		map[string]any{"kind": string(kind)})
}

const incidentCypher = `
MATCH (a:` + nodeLabels + ` {graph_id: $id})-[r]-(:` + nodeLabels + `)
RETURN r, startNode(r).graph_id AS src, endNode(r).graph_id AS tgt, type(r) AS kind
ORDER BY r.created_at, r.graph_id`

func incident(ctx context.Context, tx neo4j.ManagedTransaction, graphID string) ([]common.GraphRelationship, error) {
	records, err := collect(ctx, tx, incidentCypher, map[string]any{"id": graphID})
	if err != nil {
		return nil, err
	}
	out := make([]common.GraphRelationship, 0, len(records))
	for _, rec := range records {
		rel, _, err := neo4j.GetRecordValue[neo4j.Relationship](rec, "r")
		if err != nil {
			return nil, err
		}
		src, _, _ := neo4j.GetRecordValue[string](rec, "src")
		tgt, _, _ := neo4j.GetRecordValue[string](rec, "tgt")
		kind, _, _ := neo4j.GetRecordValue[string](rec, "kind")
		edge, err := decodeRelationship(rel, src, tgt, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, edge)
	}
	return out, nil
}

func (s *Store) Relationships(ctx context.Context, graphID string) ([]common.GraphRelationship, error) {
	var out []common.GraphRelationship
	err := s.read(ctx, "relationships", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		var err error
		out, err = incident(ctx, tx, graphID)
		return err
	})
	return out, err
}

func (s *Store) MergeNodes(ctx context.Context, primaryID, duplicateID string) (graphstore.MergeResult, error) {
	var res graphstore.MergeResult
	at := s.now()
	err := s.write(ctx, "merge nodes", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		res = graphstore.MergeResult{}
		load := func(id string) (common.GraphEntity, error) {
			records, err := collect(ctx, tx, "MATCH (n:"+nodeLabels+" {graph_id: $id}) RETURN n", map[string]any{"id": id})
			if err != nil {
				return common.GraphEntity{}, err
			}
			if len(records) == 0 {
				return common.GraphEntity{}, fmt.Errorf("node %s: %w", id, graphstore.ErrNotFound)
			}
			return nodeFromRecord(records[0], "n")
		}
		primary, err := load(primaryID)
		if err != nil {
			return err
		}
		dup, err := load(duplicateID)
		if err != nil {
			return err
		}

		edges, err := incident(ctx, tx, duplicateID)
		if err != nil {
			return err
		}
		for _, e := range edges {
			src, tgt := e.SourceGraphID, e.TargetGraphID
			if src == duplicateID {
				src = primaryID
			}
			if tgt == duplicateID {
				tgt = primaryID
			}
			if src == tgt {
				res.EdgesDropped++
				continue
			}
			_, up, err := upsertEdge(ctx, tx, src, tgt, e.Kind, e.Attributes, e.Provenance, at)
			if err != nil {
				return err
			}
			if up.Created {
				res.EdgesMoved++
			} else {
				res.EdgesMerged++
			}
		}

		attrs, _ := graphstore.MergeAttributes(primary.Attributes, dup.Attributes)
		attrs, _ = graphstore.MergeAttributes(attrs, map[string]any{"aliases": []any{dup.CanonicalName}})
		prov := primary.Provenance
		for _, p := range dup.Provenance {
			prov, _ = graphstore.AppendProvenance(prov, p)
		}
		params, err := nodeParams(primaryID, primary.CanonicalName, attrs, prov, at)
		if err != nil {
			return err
		}
		if _, err := tx.Run(ctx, fmt.Sprintf(setNodeCypher, primary.Kind), params); err != nil {
			return err
		}
		_, err = tx.Run(ctx, "MATCH (n:"+nodeLabels+" {graph_id: $id}) DETACH DELETE n", map[string]any{"id": duplicateID})
		return err
	})
	return res, err
}

func (s *Store) NormalizeLabels(ctx context.Context) (int, error) {
	var n int
	err := s.write(ctx, "normalize labels", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		records, err := collect(ctx, tx, `
			MATCH (n:`+common.CatchAllLabel+`) WHERE n:Person OR n:Company
			REMOVE n:`+common.CatchAllLabel+`
			RETURN count(n) AS n`, nil)
		if err != nil || len(records) == 0 {
			return err
		}
		count, _, err := neo4j.GetRecordValue[int64](records[0], "n")
		n = int(count)
		return err
	})
	return n, err
}

// IndexStatements are the schema statements EnsureIndices runs. All are
// idempotent.
func IndexStatements() []string {
	stmts := []string{
		"CREATE CONSTRAINT person_canonical_name IF NOT EXISTS FOR (n:Person) REQUIRE n.canonical_name IS UNIQUE",
		"CREATE CONSTRAINT company_canonical_name IF NOT EXISTS FOR (n:Company) REQUIRE n.canonical_name IS UNIQUE",
		"CREATE INDEX person_graph_id IF NOT EXISTS FOR (n:Person) ON (n.graph_id)",
		"CREATE INDEX company_graph_id IF NOT EXISTS FOR (n:Company) ON (n.graph_id)",
		"CREATE FULLTEXT INDEX " + fullTextIndex + " IF NOT EXISTS FOR (n:Person|Company) ON EACH [n.canonical_name, n.search_text]",
	}
	for _, k := range common.RelationKinds {
		name := strings.ToLower(string(k))
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX rel_%s_graph_id IF NOT EXISTS FOR ()-[r:%s]-() ON (r.graph_id)", name, k))
	}
	return stmts
}

func (s *Store) EnsureIndices(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for _, stmt := range IndexStatements() {
		_, err := neo4j.ExecuteQuery(ctx, s.driver, stmt, nil, neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(s.db))
		if err != nil {
			return mapError(err, "ensure indices")
		}
	}
	logger.Info("[Graph] Indices ensured", "statements", len(IndexStatements()))
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.write(ctx, "clear", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, "MATCH (n:"+nodeLabels+"|"+common.CatchAllLabel+") DETACH DELETE n", nil)
		return err
	})
}

func (s *Store) Stats(ctx context.Context) (graphstore.Stats, error) {
	st := graphstore.Stats{Nodes: map[string]int{}, Edges: map[string]int{}}
	err := s.read(ctx, "stats", func(ctx context.Context, tx neo4j.ManagedTransaction) error {
		counts := func(cypher string, into map[string]int) error {
			records, err := collect(ctx, tx, cypher, nil)
			if err != nil {
				return err
			}
			for _, rec := range records {
				key, _, _ := neo4j.GetRecordValue[string](rec, "key")
				n, _, _ := neo4j.GetRecordValue[int64](rec, "n")
				into[key] = int(n)
			}
			return nil
		}
		if err := counts("MATCH (n:"+nodeLabels+") UNWIND labels(n) AS key RETURN key, count(*) AS n", st.Nodes); err != nil {
			return err
		}
		return counts("MATCH (:"+nodeLabels+")-[r]->(:"+nodeLabels+") RETURN type(r) AS key, count(*) AS n", st.Edges)
	})
	return st, err
}
