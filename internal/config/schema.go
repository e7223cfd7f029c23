package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// schemaJSON constrains value shapes and ranges; field-name strictness is
// enforced separately by the KnownFields decoder.
const schemaJSON = `{
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "tutorials": {
      "type": "object",
      "properties": {
        "root": {"type": "string"},
        "patterns": {"type": "array", "items": {"type": "string"}}
      }
    },
    "bits_demo_path": {"type": "string"},
    "python_bin": {"type": "string"},
    "runtime": {
      "type": "object",
      "properties": {"prefer_podman": {"type": "boolean"}}
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "strategy": {"enum": ["linear", "exponential", "adaptive"]},
        "base_delay": {"type": "integer", "minimum": 0},
        "max_delay": {"type": "integer", "minimum": 0}
      }
    },
    "containers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["image"],
        "properties": {
          "image": {"type": "string", "minLength": 1},
          "ports": {"type": "object", "additionalProperties": {"type": "string"}},
          "environment": {"type": "object", "additionalProperties": {"type": "string"}},
          "volumes": {"type": "object", "additionalProperties": {"type": "string"}},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "options": {"type": "array", "items": {"type": "string"}},
          "health_check": {
            "type": "object",
            "required": ["command"],
            "properties": {
              "command": {"type": "string", "minLength": 1},
              "timeout_seconds": {"type": "integer", "minimum": 0},
              "retries": {"type": "integer", "minimum": 0}
            }
          },
          "startup_timeout_seconds": {"type": "integer", "minimum": 0}
        }
      }
    },
    "stop_on_failure": {"type": "boolean"},
    "logs_root": {"type": "string"},
    "history_path": {"type": "string"},
    "fix_stats_path": {"type": "string"}
  }
}`

var configSchema = jsonschema.MustCompileString("beamtutor-config.json", schemaJSON)

// validateSchema checks the raw YAML document against the config schema. The
// document is round-tripped through JSON so the validator sees the value
// kinds it expects.
func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	var v any
	if err := json.Unmarshal(jb, &v); err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	if err := configSchema.Validate(v); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
