package taskstore

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskSchemaJSON is the on-disk shape a Task must satisfy, enforced on every
// write (spec.md §4.4 "All writes are validated against the §3 schema").
const taskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "title", "status", "created_at", "updated_at"],
  "properties": {
    "id": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}-[a-z0-9]+(-[a-z0-9]+)*$"},
    "title": {"type": "string", "minLength": 1},
    "status": {"enum": ["planned", "in-progress", "blocked", "review", "done", "abandoned"]},
    "progress_percent": {"type": "integer", "minimum": 0, "maximum": 100},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"},
    "todo": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text", "status"],
        "properties": {
          "status": {"enum": ["not-started", "in-progress", "done", "blocked", "failed"]}
        }
      }
    },
    "changelog": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["timestamp", "text"]
      }
    }
  }
}`

func compileTaskSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task.schema.json", strings.NewReader(taskSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("task.schema.json")
}

// validateTask marshals t to its JSON representation and checks it against
// taskSchemaJSON, catching any invariant violation a caller's patch slipped
// past the typed Task struct (e.g. an empty title).
func validateTask(schema *jsonschema.Schema, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}
