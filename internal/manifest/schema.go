package manifest

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/renderhub/dispatch/internal/dispatcherr"
)

// schemaJSON documents the required manifest shape. Validation against it
// produces the "hard compatibility errors" mentioned in the estimator
// contract, distinct from the non-blocking warnings Check produces.
const schemaJSON = `{
  "type": "object",
  "required": ["composition", "project", "effects"],
  "properties": {
    "composition": {
      "type": "object",
      "required": ["name", "durationSeconds"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "durationSeconds": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "project": {
      "type": "object",
      "required": ["hash"],
      "properties": {
        "hash": {"type": "string", "minLength": 1}
      }
    },
    "effects": {"type": "array", "items": {"type": "string"}},
    "fonts": {"type": "array", "items": {"type": "string"}},
    "expressionsCount": {"type": "integer", "minimum": 0},
    "assets": {"type": "array", "items": {"type": "string"}}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// ValidateSchema checks raw manifest JSON against the documented shape and
// returns a dispatcherr.Validation error describing every violation found.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return dispatcherr.Wrap(dispatcherr.Validation, "manifest schema check failed", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "manifest does not match required shape:"
	for _, e := range result.Errors() {
		msg += fmt.Sprintf(" %s;", e.String())
	}
	return dispatcherr.New(dispatcherr.Validation, msg)
}
