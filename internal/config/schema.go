package config

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema constrains value ranges and enums beyond what strict decoding
// into the typed struct already enforces.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1, "maximum": 1},
    "state_dir": {"type": "string"},
    "log_file": {"type": "string"},
    "cli_paths": {"type": "object", "additionalProperties": {"type": "string", "minLength": 1}},
    "models": {
      "type": "object",
      "properties": {
        "strategy": {"enum": ["round-robin", "priority", "cost-aware", "random"]},
        "retry_same_model": {"type": "boolean"},
        "max_retries_per_model": {"type": "integer", "minimum": 0, "maximum": 100},
        "primary": {"type": "array", "items": {"$ref": "#/definitions/model"}},
        "fallback": {"type": "array", "items": {"$ref": "#/definitions/model"}}
      }
    },
    "pools": {
      "type": "object",
      "properties": {
        "default": {"type": "string"},
        "definitions": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "size": {"type": "integer", "minimum": 1, "maximum": 256},
              "nice": {"type": "integer", "minimum": -20, "maximum": 19},
              "memory_limit_mb": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    "executor": {
      "type": "object",
      "properties": {
        "min_free_memory_mb": {"type": "integer", "minimum": 0},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "kill_grace_seconds": {"type": "integer", "minimum": 0},
        "use_pty": {"type": "boolean"},
        "preamble_file": {"type": "string"}
      }
    },
    "resilience": {
      "type": "object",
      "properties": {
        "base_delay_ms": {"type": "integer", "minimum": 0},
        "max_delay_ms": {"type": "integer", "minimum": 0},
        "multiplier": {"type": "number", "minimum": 1},
        "exponential_backoff": {"type": "boolean"},
        "rate_limit_wait_ms": {"type": "integer", "minimum": 0},
        "retryable_errors": {"type": "array", "items": {"type": "string"}}
      }
    },
    "breaker": {
      "type": "object",
      "properties": {
        "failure_threshold": {"type": "integer", "minimum": 1},
        "reset_timeout_ms": {"type": "integer", "minimum": 0},
        "half_open_max_calls": {"type": "integer", "minimum": 1}
      }
    },
    "healer": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "debounce_ms": {"type": "integer", "minimum": 0},
        "max_llm_calls_per_session": {"type": "integer", "minimum": 0},
        "llm_cooldown_ms": {"type": "integer", "minimum": 0},
        "llm_cache_ttl_hours": {"type": "integer", "minimum": 0},
        "wisdom_expiry_days": {"type": "integer", "minimum": 0},
        "min_success_count": {"type": "integer", "minimum": 1}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"enum": ["none", "file", "stdout", "otlp"]},
        "file_path": {"type": "string"},
        "otlp_endpoint": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "service_name": {"type": "string"}
      }
    }
  },
  "definitions": {
    "model": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "display_name": {"type": "string"},
        "kind": {"type": "string", "minLength": 1},
        "model": {"type": "string"},
        "extra_args": {"type": "array", "items": {"type": "string"}},
        "env": {"type": "object", "additionalProperties": {"type": "string"}},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "cost_weight": {"type": "integer", "minimum": 0, "maximum": 100},
        "enabled": {"type": "boolean"}
      },
      "required": ["name", "kind"]
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("loopwork-config.json", strings.NewReader(configSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("loopwork-config.json")
	})
	return compiledSchema, schemaErr
}

// validateAgainstSchema round-trips the decoded config through JSON and
// checks the generic document. Strict decoding already rejected unknown
// fields and type mismatches; the schema adds range and enum checks.
func validateAgainstSchema(cfg *Config) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
