// Package artifacts stores computed results with size-routed payloads:
// small payloads inline in the metadata row, large ones in the object store.
// Every artifact is stamped with the graph epoch at creation; freshness is
// epoch equality.
package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gnosis-kg/gnosis/pkg/models"
	"github.com/gnosis-kg/gnosis/pkg/observability"
	"github.com/gnosis-kg/gnosis/pkg/storage"
)

// DefaultInlineLimit is the payload size at or below which the payload lives
// in the metadata row.
const DefaultInlineLimit = 10 * 1024

// EpochSource reads the current graph change counter. The graph store
// satisfies it.
type EpochSource interface {
	CurrentEpoch(ctx context.Context) (int64, error)
}

// Store persists artifacts.
type Store struct {
	db          *sqlx.DB
	objects     storage.ObjectStore
	epochs      EpochSource
	inlineLimit int
	logger      observability.Logger
}

// NewStore creates an artifact store. inlineLimit <= 0 uses the default.
func NewStore(db *sqlx.DB, objects storage.ObjectStore, epochs EpochSource, inlineLimit int, logger observability.Logger) *Store {
	if inlineLimit <= 0 {
		inlineLimit = DefaultInlineLimit
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		db:          db,
		objects:     objects,
		epochs:      epochs,
		inlineLimit: inlineLimit,
		logger:      logger,
	}
}

// CreateInput carries everything needed to create an artifact.
type CreateInput struct {
	ID      string
	Type    string
	Owner   string
	Params  models.JSONMap
	Payload json.RawMessage
	TTL     time.Duration
}

// Create validates the payload, routes it by size and stamps the current
// graph epoch. Returns the stored artifact.
func (s *Store) Create(ctx context.Context, in CreateInput) (*models.Artifact, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("artifact type is required")
	}
	if !json.Valid(in.Payload) {
		return nil, fmt.Errorf("artifact payload is not valid JSON")
	}

	epoch, err := s.epochs.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	a := &models.Artifact{
		ID:         in.ID,
		Type:       in.Type,
		Owner:      in.Owner,
		Params:     in.Params,
		GraphEpoch: epoch,
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if in.TTL > 0 {
		expires := time.Now().Add(in.TTL)
		a.ExpiresAt = &expires
	}

	if len(in.Payload) <= s.inlineLimit {
		a.InlinePayload = in.Payload
	} else {
		key := storage.ArtifactKey(a.Type, a.ID)
		if err := s.objects.Put(ctx, key, in.Payload, "application/json"); err != nil {
			return nil, fmt.Errorf("failed to store artifact payload: %w", err)
		}
		a.ObjectKey = &key
	}

	query := `INSERT INTO artifacts (id, artifact_type, owner, params, inline_payload, object_key, graph_epoch, expires_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Type,
		a.Owner,
		a.Params,
		nullableRaw(a.InlinePayload),
		a.ObjectKey,
		a.GraphEpoch,
		a.ExpiresAt,
	)
	if err != nil {
		// Roll back the blob so a failed insert does not strand one.
		if a.ObjectKey != nil {
			if delErr := s.objects.Delete(ctx, *a.ObjectKey); delErr != nil {
				s.logger.Warn("Failed to remove orphaned artifact blob", map[string]interface{}{
					"key":   *a.ObjectKey,
					"error": delErr.Error(),
				})
			}
		}
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return a, nil
}

// Get loads an artifact and its payload, resolving inline or object-store
// storage transparently. IsStale reports whether the graph has changed since
// the artifact was computed. Expired artifacts read as missing.
func (s *Store) Get(ctx context.Context, id string) (*models.ArtifactRead, error) {
	query := `SELECT id, artifact_type, owner, params, inline_payload, object_key, graph_epoch, expires_at, created_at
              FROM artifacts WHERE id = $1`

	var a models.Artifact
	if err := sqlx.GetContext(ctx, s.db, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: artifact %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load artifact: %w", err)
	}
	if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: artifact %s", models.ErrNotFound, id)
	}

	payload := json.RawMessage(a.InlinePayload)
	if !a.Inline() {
		if a.ObjectKey == nil {
			return nil, fmt.Errorf("artifact %s has neither inline payload nor object key", id)
		}
		data, err := s.objects.Get(ctx, *a.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch artifact payload: %w", err)
		}
		payload = data
	}

	epoch, err := s.epochs.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}

	return &models.ArtifactRead{
		Artifact: &a,
		Payload:  payload,
		IsStale:  a.GraphEpoch != epoch,
	}, nil
}

// Filter narrows List results. Stale filters by freshness against the
// current epoch when non-nil.
type Filter struct {
	Type  string
	Owner string
	Stale *bool
}

// List returns artifact metadata (no payloads), newest first. Expired
// artifacts are excluded.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.Artifact, error) {
	query := `SELECT id, artifact_type, owner, params, inline_payload, object_key, graph_epoch, expires_at, created_at
              FROM artifacts
              WHERE (expires_at IS NULL OR expires_at > NOW())`
	args := []interface{}{}

	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND artifact_type = $%d", len(args))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if f.Stale != nil {
		epoch, err := s.epochs.CurrentEpoch(ctx)
		if err != nil {
			return nil, err
		}
		args = append(args, epoch)
		if *f.Stale {
			query += fmt.Sprintf(" AND graph_epoch <> $%d", len(args))
		} else {
			query += fmt.Sprintf(" AND graph_epoch = $%d", len(args))
		}
	}
	query += " ORDER BY created_at DESC"

	var artifacts []*models.Artifact
	if err := sqlx.SelectContext(ctx, s.db, &artifacts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return artifacts, nil
}

// Delete removes the artifact, blob first. A blob delete failure aborts so a
// retry can finish the cleanup; the metadata row keeps the pointer until the
// blob is gone.
func (s *Store) Delete(ctx context.Context, id string) error {
	var objectKey *string
	err := sqlx.GetContext(ctx, s.db, &objectKey, `SELECT object_key FROM artifacts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: artifact %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("failed to load artifact: %w", err)
	}

	if objectKey != nil {
		if err := s.objects.Delete(ctx, *objectKey); err != nil {
			return fmt.Errorf("failed to delete artifact payload: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// nullableRaw maps an empty payload to NULL so the inline-xor-object check
// holds at the schema level.
func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
