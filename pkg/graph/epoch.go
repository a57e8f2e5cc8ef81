package graph

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// The graph change counter lives in the single-row graph_metrics table.
// Any graph-mutating commit bumps it; artifact freshness compares against it.

// BumpEpoch increments the global graph change counter and returns the new
// value. The UPDATE ... RETURNING is atomic, so the counter is monotonic
// under any interleaving.
func (s *session) BumpEpoch(ctx context.Context) (int64, error) {
	query := `UPDATE graph_metrics
              SET graph_change_counter = graph_change_counter + 1, updated_at = NOW()
              WHERE id = TRUE
              RETURNING graph_change_counter`

	var epoch int64
	if err := sqlx.GetContext(ctx, s.q, &epoch, query); err != nil {
		return 0, fmt.Errorf("failed to bump graph epoch: %w", err)
	}
	return epoch, nil
}

// CurrentEpoch reads the global graph change counter.
func (s *session) CurrentEpoch(ctx context.Context) (int64, error) {
	query := `SELECT graph_change_counter FROM graph_metrics WHERE id = TRUE`

	var epoch int64
	if err := sqlx.GetContext(ctx, s.q, &epoch, query); err != nil {
		return 0, fmt.Errorf("failed to read graph epoch: %w", err)
	}
	return epoch, nil
}
