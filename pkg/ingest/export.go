package ingest

import (
	"time"

	"github.com/gnosis-kg/gnosis/pkg/graph"
)

// NewExport assembles the backup document for one ontology dump. The result
// round-trips through the restore worker.
func NewExport(ontology string, dump *graph.OntologyDump, now time.Time) *Export {
	export := &Export{
		Ontology:      ontology,
		ExportedAt:    &now,
		Sources:       dump.Sources,
		Concepts:      make([]*ExportConcept, 0, len(dump.Concepts)),
		Instances:     dump.Instances,
		Relationships: dump.Relationships,
	}
	for _, c := range dump.Concepts {
		export.Concepts = append(export.Concepts, &ExportConcept{
			Concept:   *c,
			Embedding: c.Embedding,
		})
	}
	return export
}
