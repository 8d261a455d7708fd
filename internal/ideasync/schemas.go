package ideasync

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://schemas.ideasync.dev/"

const (
	schemaEnvelope       = "envelope.json"
	schemaState          = "state.json"
	schemaNewIdea        = "new_idea.json"
	schemaUserJoined     = "user_joined.json"
	schemaSubmitResponse = "submit_response.json"
)

var schemaSources = map[string]string{
	"idea.json": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["id", "text", "username", "timestamp"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"text": {"type": "string", "pattern": "\\S"},
			"username": {"type": "string", "pattern": "\\S"},
			"timestamp": {"type": "string", "minLength": 1},
			"diversity_score": {"type": ["number", "null"]},
			"client_temp_id": {"type": ["string", "null"]}
		}
	}`,
	"metrics.json": `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["score", "computed_at"],
		"properties": {
			"score": {"type": "number", "minimum": 0, "maximum": 1},
			"category_breakdown": {
				"type": ["object", "null"],
				"additionalProperties": {"type": "number"}
			},
			"sample_count": {"type": "integer", "minimum": 0},
			"computed_at": {"type": "string", "minLength": 1}
		}
	}`,
	schemaEnvelope: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "minLength": 1}
		}
	}`,
	schemaState: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["ideas"],
		"properties": {
			"ideas": {"type": "array", "items": {"$ref": "idea.json"}},
			"diversity_metrics": {"anyOf": [{"type": "null"}, {"$ref": "metrics.json"}]},
			"active_users": {"type": ["array", "null"], "items": {"type": "string"}}
		}
	}`,
	schemaNewIdea: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["idea"],
		"properties": {
			"idea": {"$ref": "idea.json"},
			"diversity_metrics": {"anyOf": [{"type": "null"}, {"$ref": "metrics.json"}]}
		}
	}`,
	schemaUserJoined: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["username"],
		"properties": {
			"username": {"type": "string", "pattern": "\\S"},
			"active_users": {"type": ["array", "null"], "items": {"type": "string"}}
		}
	}`,
	schemaSubmitResponse: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["success"],
		"properties": {
			"success": {"type": "boolean"},
			"idea": {"$ref": "idea.json"},
			"idea_id": {"type": "string"},
			"timestamp": {"type": "string"},
			"diversity_metrics": {"anyOf": [{"type": "null"}, {"$ref": "metrics.json"}]},
			"error": {"type": "string"}
		}
	}`,
}

var loadSchemas = sync.OnceValues(compileSchemas)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for name, source := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	compiled := map[string]*jsonschema.Schema{}
	for _, name := range []string{schemaEnvelope, schemaState, schemaNewIdea, schemaUserJoined, schemaSubmitResponse} {
		schema, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}

// validatePayload checks data against one of the embedded wire schemas.
func validatePayload(name string, data []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
