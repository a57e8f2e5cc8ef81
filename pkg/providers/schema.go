package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// extractionSchemaJSON constrains extractor replies before decoding. Concepts
// are mandatory; relationships default to empty when the model omits them.
const extractionSchemaJSON = `{
  "type": "object",
  "required": ["concepts"],
  "properties": {
    "concepts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label"],
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "search_terms": {"type": "array", "items": {"type": "string"}},
          "description": {"type": "string"},
          "quote": {"type": "string"}
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from_label", "to_label", "type"],
        "properties": {
          "from_label": {"type": "string", "minLength": 1},
          "to_label": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "confidence": {"type": "number"}
        }
      }
    }
  }
}`

var extractionSchema = mustCompileSchema(extractionSchemaJSON)

func mustCompileSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("invalid extraction schema: %v", err))
	}
	return s
}

// decodeExtraction validates raw model output against the extraction schema
// and unmarshals it. Schema violations are permanent provider failures.
func decodeExtraction(provider string, raw []byte) (*ExtractionResult, error) {
	result, err := extractionSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, invalidRequest(provider, fmt.Errorf("extraction reply is not valid JSON: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, invalidRequest(provider, fmt.Errorf("extraction reply violates schema: %s", strings.Join(msgs, "; ")))
	}

	var er ExtractionResult
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, invalidRequest(provider, fmt.Errorf("decoding extraction reply: %w", err))
	}
	if er.Relationships == nil {
		er.Relationships = []ExtractedRelationship{}
	}
	// Remote models drift outside [0,1] or omit confidence entirely; clamp
	// and default rather than failing the chunk.
	for i := range er.Relationships {
		c := er.Relationships[i].Confidence
		switch {
		case c == 0:
			er.Relationships[i].Confidence = 0.5
		case c < 0:
			er.Relationships[i].Confidence = 0
		case c > 1:
			er.Relationships[i].Confidence = 1
		}
	}
	return &er, nil
}
