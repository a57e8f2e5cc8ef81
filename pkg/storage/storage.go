// Package storage provides the object store used for uploaded documents,
// images, artifact payloads and ontology backups. The production backend is
// any S3-compatible service; an in-memory store backs tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the interface all storage providers implement.
type ObjectStore interface {
	// Put stores data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get retrieves the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys beginning with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SourceKey names an uploaded document within its ontology namespace.
// Any directory components in filename are stripped.
func SourceKey(ontology, filename string) string {
	return fmt.Sprintf("sources/%s/%s", ontology, path.Base(filename))
}

// ImageKey names an uploaded image by content hash.
func ImageKey(hash, ext string) string {
	return fmt.Sprintf("images/%s.%s", hash, strings.TrimPrefix(ext, "."))
}

// ArtifactKey names a spilled artifact payload.
func ArtifactKey(artifactType, id string) string {
	return fmt.Sprintf("artifacts/%s/%s.json", artifactType, id)
}

// BackupKey names an ontology export, timestamped so successive backups
// never collide.
func BackupKey(ontology string, ts time.Time) string {
	return fmt.Sprintf("backups/%s/%s.json", ontology, ts.UTC().Format("20060102T150405Z"))
}

// BackupPrefix is the List prefix covering every backup of an ontology.
func BackupPrefix(ontology string) string {
	return fmt.Sprintf("backups/%s/", ontology)
}
