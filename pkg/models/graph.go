package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Vector is an embedding vector stored in a pgvector column. Value renders
// the pgvector text literal; Scan parses it back.
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return v.String(), nil
}

// String renders the pgvector literal form "[0.1,0.2,...]".
func (v Vector) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var s string
	switch t := value.(type) {
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return fmt.Errorf("unsupported scan type %T for vector", value)
	}
	parsed, err := ParseVector(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVector parses the pgvector text literal form.
func ParseVector(s string) (Vector, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector literal %q", truncate(s, 32))
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return Vector{}, nil
	}
	parts := strings.Split(body, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Source is a unit of chunked input text, created by the ingestion chunker.
type Source struct {
	ID           string    `json:"id" db:"id"`
	Ontology     string    `json:"ontology" db:"ontology"`
	DocumentName string    `json:"document_name" db:"document_name"`
	Paragraph    int       `json:"paragraph" db:"paragraph"`
	FullText     string    `json:"full_text" db:"full_text"`
	ContentHash  *string   `json:"content_hash,omitempty" db:"content_hash"`
	ObjectKey    *string   `json:"object_key,omitempty" db:"object_key"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Concept is a deduplicated semantic unit with an embedding over its label
// and search terms, and a provenance set of source ids.
type Concept struct {
	ID             string         `json:"id" db:"id"`
	Ontology       string         `json:"ontology" db:"ontology"`
	Label          string         `json:"label" db:"label"`
	SearchTerms    pq.StringArray `json:"search_terms" db:"search_terms"`
	Description    string         `json:"description,omitempty" db:"description"`
	Embedding      Vector         `json:"-" db:"embedding"`
	EmbeddingModel string         `json:"embedding_model,omitempty" db:"embedding_model"`
	Provenance     pq.StringArray `json:"provenance" db:"provenance"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// EmbeddingText is the text a concept is embedded over: label plus terms.
func (c *Concept) EmbeddingText() string {
	if len(c.SearchTerms) == 0 {
		return c.Label
	}
	return c.Label + " " + strings.Join(c.SearchTerms, " ")
}

// Instance is an exact quote from a Source supporting a Concept.
type Instance struct {
	ID        string    `json:"id" db:"id"`
	ConceptID string    `json:"concept_id" db:"concept_id"`
	SourceID  string    `json:"source_id" db:"source_id"`
	Quote     string    `json:"quote" db:"quote"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Relationship is a directed typed edge between two concepts. The type symbol
// must come from the active vocabulary allowlist.
type Relationship struct {
	ID         string         `json:"id" db:"id"`
	Ontology   string         `json:"ontology" db:"ontology"`
	FromID     string         `json:"from_id" db:"from_id"`
	ToID       string         `json:"to_id" db:"to_id"`
	Type       string         `json:"type" db:"rel_type"`
	Confidence float64        `json:"confidence" db:"confidence"`
	Provenance pq.StringArray `json:"provenance" db:"provenance"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// DefaultVocabulary is the relationship allowlist used when configuration
// does not override it. Extracted relationships with types outside the active
// allowlist are dropped and counted, never persisted.
func DefaultVocabulary() []string {
	return []string{
		"IMPLIES",
		"SUPPORTS",
		"CONTRADICTS",
		"ENABLES",
		"REQUIRES",
		"CAUSED_BY",
		"PART_OF",
		"PRECEDES",
		"EQUIVALENT_TO",
		"RELATES_TO",
	}
}

// Vocabulary answers membership questions about the active allowlist.
type Vocabulary struct {
	types map[string]struct{}
	list  []string
}

// NewVocabulary builds a vocabulary from the given type symbols.
func NewVocabulary(types []string) *Vocabulary {
	v := &Vocabulary{types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := v.types[t]; dup {
			continue
		}
		v.types[t] = struct{}{}
		v.list = append(v.list, t)
	}
	return v
}

// Allows reports whether the type symbol is in the allowlist.
func (v *Vocabulary) Allows(relType string) bool {
	_, ok := v.types[strings.ToUpper(strings.TrimSpace(relType))]
	return ok
}

// Types returns the allowlist in insertion order.
func (v *Vocabulary) Types() []string {
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out
}

// GraphStats summarizes node and edge counts, per ontology or globally.
type GraphStats struct {
	Ontology      string `json:"ontology,omitempty" db:"ontology"`
	Sources       int64  `json:"sources" db:"sources"`
	Concepts      int64  `json:"concepts" db:"concepts"`
	Instances     int64  `json:"instances" db:"instances"`
	Relationships int64  `json:"relationships" db:"relationships"`
}

// PathNode is one node in a path search result.
type PathNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// PathEdge is one edge in a path search result.
type PathEdge struct {
	FromID     string  `json:"from_id"`
	ToID       string  `json:"to_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Path is an ordered node/edge sequence between two concepts.
type Path struct {
	Nodes []PathNode `json:"nodes"`
	Edges []PathEdge `json:"edges"`
	Hops  int        `json:"hops"`
}
