package models

import (
	"encoding/json"
	"time"
)

// Artifact is a named, owner-scoped computed result. Payloads at or below the
// inline limit live in the metadata row; larger payloads live in the object
// store under artifacts/{type}/{id}.json with ObjectKey set. Exactly one of
// InlinePayload and ObjectKey is populated.
type Artifact struct {
	ID            string          `json:"id" db:"id"`
	Type          string          `json:"type" db:"artifact_type"`
	Owner         string          `json:"owner" db:"owner"`
	Params        JSONMap         `json:"params,omitempty" db:"params"`
	InlinePayload json.RawMessage `json:"-" db:"inline_payload"`
	ObjectKey     *string         `json:"object_key,omitempty" db:"object_key"`
	GraphEpoch    int64           `json:"graph_epoch" db:"graph_epoch"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Inline reports whether the payload is stored in the metadata row.
func (a *Artifact) Inline() bool { return len(a.InlinePayload) > 0 }

// ArtifactRead is the payload-plus-freshness pair returned by reads. An
// artifact is fresh iff its graph epoch equals the current change counter.
type ArtifactRead struct {
	Artifact *Artifact       `json:"artifact"`
	Payload  json.RawMessage `json:"payload"`
	IsStale  bool            `json:"is_stale"`
}
