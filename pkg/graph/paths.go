package graph

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gnosis-kg/gnosis/pkg/models"
)

const (
	defaultPathDepth = 4
	maxPathDepth     = 6
	maxPaths         = 10
)

type pathRow struct {
	Nodes pq.StringArray `db:"nodes"`
	Edges pq.StringArray `db:"edges"`
	Hops  int            `db:"hops"`
}

// PathSearch finds up to ten acyclic paths between two concepts, shortest
// first. Traversal is undirected; relTypes optionally restricts which edge
// types may be walked. Depth is clamped so a dense graph cannot blow up the
// recursion.
func (s *session) PathSearch(ctx context.Context, ontology, fromID, toID string, maxDepth int, relTypes []string) ([]models.Path, error) {
	if maxDepth <= 0 {
		maxDepth = defaultPathDepth
	}
	if maxDepth > maxPathDepth {
		maxDepth = maxPathDepth
	}

	var typeFilter interface{}
	if len(relTypes) > 0 {
		typeFilter = pq.Array(relTypes)
	}

	query := `WITH RECURSIVE walk(nodes, edges, frontier, hops) AS (
                  SELECT ARRAY[$2]::text[], ARRAY[]::text[], $2::text, 0
                UNION ALL
                  SELECT w.nodes || n.next_id, w.edges || r.id::text, n.next_id, w.hops + 1
                  FROM walk w
                  JOIN relationships r
                    ON r.ontology = $1 AND (r.from_id = w.frontier OR r.to_id = w.frontier)
                  CROSS JOIN LATERAL (
                    SELECT CASE WHEN r.from_id = w.frontier THEN r.to_id ELSE r.from_id END AS next_id
                  ) n
                  WHERE w.hops < $4
                    AND w.frontier <> $3
                    AND n.next_id <> ALL(w.nodes)
                    AND ($5::text[] IS NULL OR r.rel_type = ANY($5::text[]))
              )
              SELECT nodes, edges, hops FROM walk
              WHERE frontier = $3
              ORDER BY hops, nodes
              LIMIT $6`

	var rows []pathRow
	err := sqlx.SelectContext(ctx, s.q, &rows, query, ontology, fromID, toID, maxDepth, typeFilter, maxPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to search paths: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return s.hydratePaths(ctx, rows)
}

// hydratePaths resolves node labels and edge attributes for raw walk rows.
func (s *session) hydratePaths(ctx context.Context, rows []pathRow) ([]models.Path, error) {
	nodeSet := map[string]struct{}{}
	edgeSet := map[string]struct{}{}
	for _, row := range rows {
		for _, id := range row.Nodes {
			nodeSet[id] = struct{}{}
		}
		for _, id := range row.Edges {
			edgeSet[id] = struct{}{}
		}
	}

	concepts, err := s.ConceptsByIDs(ctx, setToSlice(nodeSet))
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(concepts))
	for _, c := range concepts {
		labels[c.ID] = c.Label
	}

	rels, err := s.RelationshipsByIDs(ctx, setToSlice(edgeSet))
	if err != nil {
		return nil, err
	}
	edges := make(map[string]*models.Relationship, len(rels))
	for _, r := range rels {
		edges[r.ID] = r
	}

	paths := make([]models.Path, 0, len(rows))
	for _, row := range rows {
		p := models.Path{Hops: row.Hops}
		for _, id := range row.Nodes {
			label, ok := labels[id]
			if !ok {
				label = id
			}
			p.Nodes = append(p.Nodes, models.PathNode{ID: id, Label: label})
		}
		for _, id := range row.Edges {
			r, ok := edges[id]
			if !ok {
				continue
			}
			p.Edges = append(p.Edges, models.PathEdge{
				FromID:     r.FromID,
				ToID:       r.ToID,
				Type:       r.Type,
				Confidence: r.Confidence,
			})
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
