package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema rejects structurally broken config files before the YAML
// decoder fills in a half-usable Config. Unknown top-level keys are allowed
// so older daemons tolerate newer files.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "heartbeat_interval_seconds": {"type": "integer", "minimum": 1},
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "version": {"type": "string"}
      }
    },
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "username"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "username": {"type": "string", "minLength": 1},
          "auth": {"type": "string"},
          "proxy": {
            "type": "object",
            "required": ["host", "port"],
            "properties": {
              "host": {"type": "string"},
              "port": {"type": "integer"},
              "username": {"type": "string"},
              "password": {"type": "string"}
            }
          }
        }
      }
    },
    "protocol": {
      "type": "object",
      "properties": {
        "mode": {"type": "string", "enum": ["stdio", "simulate"]},
        "command": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}}
      }
    },
    "stagger": {
      "type": "object",
      "properties": {
        "slots": {"type": "array", "items": {"$ref": "#/$defs/delayRange"}},
        "default": {"$ref": "#/$defs/delayRange"}
      }
    },
    "reconnect": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "delay_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "maintenance": {
      "type": "object",
      "properties": {
        "phrases": {"type": "array", "items": {"type": "string"}},
        "pause_min_minutes": {"type": "integer", "minimum": 0},
        "pause_max_minutes": {"type": "integer", "minimum": 0}
      }
    },
    "extract": {
      "type": "object",
      "properties": {
        "balance_counter": {"type": "string"},
        "labels": {"type": "array", "items": {"type": "string"}},
        "floor": {"type": "integer", "minimum": 0},
        "ceiling": {"type": "integer", "minimum": 1},
        "increments": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["counter", "pattern"],
            "properties": {
              "counter": {"type": "string", "minLength": 1},
              "pattern": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "query": {
      "type": "object",
      "properties": {
        "command": {"type": "string"},
        "initial_delay_seconds": {"type": "integer", "minimum": 0},
        "schedules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "cron"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "cron": {"type": "string", "minLength": 1},
              "command": {"type": "string"},
              "target": {"type": "string"}
            }
          }
        }
      }
    },
    "chat": {
      "type": "object",
      "properties": {"max_message_length": {"type": "integer", "minimum": 1}}
    },
    "viewer": {
      "type": "object",
      "properties": {
        "command": {"type": "string"},
        "args": {"type": "array", "items": {"type": "string"}},
        "base_port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "ready_timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "bind_addr": {"type": "string"},
        "auth_token": {"type": "string"},
        "allow_origins": {"type": "array", "items": {"type": "string"}}
      }
    },
    "channels": {
      "type": "object",
      "properties": {
        "telegram": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "token": {"type": "string"},
            "allowed_ids": {"type": "array", "items": {"type": "integer"}}
          }
        }
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["stdout", "otlp", "none"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  },
  "$defs": {
    "delayRange": {
      "type": "object",
      "properties": {
        "min_seconds": {"type": "integer", "minimum": 0},
        "max_seconds": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("register config schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks raw YAML config bytes against the config schema.
func ValidateDocument(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees JSON-typed values.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
