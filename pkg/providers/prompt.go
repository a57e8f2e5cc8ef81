package providers

import (
	"fmt"
	"strings"
)

// extractionSystemPrompt instructs the model to emit strict JSON matching the
// extraction schema. Kept model-agnostic; provider quirks (response_format,
// "format":"json") are layered on by each client.
const extractionSystemPrompt = `You are a knowledge extraction engine. Given a passage of text and a list of concepts already known from earlier passages, extract the distinct concepts the passage discusses and the typed relationships between them.

Rules:
- Reuse a known concept's exact label when the passage refers to the same idea.
- "quote" must be an exact substring of the passage supporting the concept.
- "search_terms" are synonyms or alternate phrasings, lowercase.
- Relationship "type" must be one of the allowed types given in the request.
- "confidence" is your certainty in the relationship, between 0 and 1.
- Reply with a single JSON object and nothing else:
{"concepts":[{"label":"...","search_terms":["..."],"description":"...","quote":"..."}],"relationships":[{"from_label":"...","to_label":"...","type":"...","confidence":0.9}]}`

// buildExtractionPrompt renders the user message for one chunk.
func buildExtractionPrompt(chunkText string, ec ExtractionContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Ontology: %s\n\n", ec.Ontology)

	if len(ec.Vocabulary) > 0 {
		fmt.Fprintf(&b, "Allowed relationship types: %s\n\n", strings.Join(ec.Vocabulary, ", "))
	}

	if len(ec.RecentConcepts) > 0 {
		b.WriteString("Known concepts from earlier passages:\n")
		for _, c := range ec.RecentConcepts {
			if c.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", c.Label, c.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", c.Label)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("Passage:\n")
	b.WriteString(chunkText)
	return b.String()
}

// visionPrompt asks for a description suitable for downstream text ingestion.
const visionPrompt = `Describe this image in detail as plain prose. Name the entities, their attributes and the relationships between them so the description can be ingested as text. Do not mention that this is an image.`
