package bundle

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Entries are checked individually during preparation so that one malformed
// entry fails on its own instead of rejecting a whole batch.
const envelopeSchema = `{
  "type": "object",
  "required": ["resourceType", "type"],
  "properties": {
    "resourceType": {"enum": ["Bundle"]},
    "id": {"type": "string"},
    "type": {"enum": ["batch", "transaction"]},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "fullUrl": {"type": "string"},
          "resource": {"type": "object"},
          "request": {"type": "object"}
        }
      }
    }
  }
}`

var envelope = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
})

// Parse validates the bundle envelope and decodes it.
func Parse(raw []byte) (*Bundle, error) {
	schema, err := envelope()
	if err != nil {
		return nil, fmt.Errorf("bundle: load envelope schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	return &b, nil
}
