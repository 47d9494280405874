package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synaptic-labs/neuron/pkg/npi"
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["organization", "server", "websocket", "storage", "audit"],
	"properties": {
		"organization": {
			"type": "object",
			"required": ["npi", "name", "type"],
			"properties": {
				"npi": {"type": "string", "pattern": "^[0-9]{10}$"},
				"name": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1}
			}
		},
		"server": {
			"type": "object",
			"properties": {
				"port": {"type": "integer", "minimum": 1, "maximum": 65535},
				"host": {"type": "string", "minLength": 1}
			}
		},
		"websocket": {
			"type": "object",
			"properties": {
				"path": {"type": "string", "pattern": "^/"},
				"max_concurrent_handshakes": {"type": "integer", "minimum": 1},
				"auth_timeout_ms": {"type": "integer", "minimum": 1},
				"queue_timeout_ms": {"type": "integer", "minimum": 1},
				"max_payload_bytes": {"type": "integer", "minimum": 1024}
			}
		},
		"storage": {
			"type": "object",
			"required": ["path"],
			"properties": {"path": {"type": "string", "minLength": 1}}
		},
		"audit": {
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"enabled": {"type": "boolean"}
			}
		},
		"heartbeat": {
			"type": "object",
			"properties": {"interval_ms": {"type": "integer", "minimum": 1000}}
		},
		"axon": {
			"type": "object",
			"properties": {
				"registry_url": {"type": "string"},
				"endpoint_url": {"type": "string"},
				"backoff_ceiling_ms": {"type": "integer", "minimum": 1000}
			}
		},
		"api": {
			"type": "object",
			"properties": {
				"rate_limit": {
					"type": "object",
					"properties": {
						"max_requests": {"type": "integer", "minimum": 1},
						"window_ms": {"type": "integer", "minimum": 100}
					}
				}
			}
		},
		"metrics": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"otlp_endpoint": {"type": "string"},
				"insecure": {"type": "boolean"},
				"export_interval_ms": {"type": "integer", "minimum": 1000}
			}
		},
		"providers": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["npi"],
				"properties": {
					"npi": {"type": "string", "pattern": "^[0-9]{10}$"},
					"display_name": {"type": "string"}
				}
			}
		}
	}
}`

var schema = jsonschema.MustCompileString("neuron-config.json", schemaJSON)

// Validate checks cfg against the schema plus the semantic rules the schema
// cannot express (CMS Luhn, semver). It returns a ValidationError naming
// every offending field path.
func Validate(cfg *Config) error {
	var fields []string

	doc, err := toJSONValue(cfg)
	if err != nil {
		return fmt.Errorf("config: encode for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asSchemaError(err, &ve); ok {
			fields = append(fields, collectLeaves(ve)...)
		} else {
			return fmt.Errorf("config: schema validation: %w", err)
		}
	}

	if len(cfg.Organization.NPI) == 10 && !npi.Valid(cfg.Organization.NPI) {
		fields = append(fields, "organization.npi")
	}
	for i, p := range cfg.Providers {
		if len(p.NPI) == 10 && !npi.Valid(p.NPI) {
			fields = append(fields, fmt.Sprintf("providers[%d].npi", i))
		}
	}
	if v := cfg.LocalNetwork.ProtocolVersion; v != "" {
		if _, err := semver.NewVersion(v); err != nil {
			fields = append(fields, "localNetwork.protocol_version")
		}
	}

	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)
	fields = dedupe(fields)
	return &ValidationError{Fields: fields}
}

func toJSONValue(cfg *Config) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func asSchemaError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

// collectLeaves walks the cause tree and reports the deepest instance
// locations as dotted field paths.
func collectLeaves(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{instancePath(ve.InstanceLocation)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, collectLeaves(cause)...)
	}
	return out
}

func instancePath(location string) string {
	trimmed := strings.TrimPrefix(location, "/")
	if trimmed == "" {
		return "(root)"
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
