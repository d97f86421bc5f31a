package pending

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema for the file store's on-disk snapshot. Validated before unmarshal so
// a corrupt or foreign file surfaces as ErrStoreUnavailable instead of being
// half-loaded into the queue.
const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nextId", "items"],
  "properties": {
    "nextId": {"type": "integer", "minimum": 1},
    "items": {"type": "array", "items": {"$ref": "#/$defs/change"}},
    "quarantined": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["change", "failedAt"],
        "properties": {
          "change": {"$ref": "#/$defs/change"},
          "failedAt": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "$defs": {
    "change": {
      "type": "object",
      "required": ["id", "url", "method", "headers", "body", "timestamp"],
      "properties": {
        "id": {"type": "integer", "minimum": 1},
        "url": {"type": "string", "minLength": 1},
        "method": {"type": "string", "enum": ["POST", "PUT", "PATCH", "DELETE"]},
        "headers": {
          "type": "array",
          "items": {
            "type": "array",
            "minItems": 2,
            "maxItems": 2,
            "items": {"type": "string"}
          }
        },
        "body": {"type": "string"},
        "timestamp": {"type": "integer", "minimum": 0},
        "attempts": {"type": "integer", "minimum": 0},
        "lastError": {"type": "string"}
      }
    }
  }
}`

var snapshotSchemaOnce struct {
	sync.Once
	schema *jsonschema.Schema
	err    error
}

func snapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
		if err != nil {
			snapshotSchemaOnce.err = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("syncrelay://pending-snapshot.schema.json", doc); err != nil {
			snapshotSchemaOnce.err = err
			return
		}
		snapshotSchemaOnce.schema, snapshotSchemaOnce.err = compiler.Compile("syncrelay://pending-snapshot.schema.json")
	})
	return snapshotSchemaOnce.schema, snapshotSchemaOnce.err
}

func validateSnapshot(data []byte) error {
	schema, err := snapshotSchema()
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return schema.Validate(value)
}
