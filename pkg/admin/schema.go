package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const routeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "routeId":    {"type": "string", "minLength": 1, "maxLength": 128},
    "method":     {"type": "string", "pattern": "^[!#$%&'*+.^_|~0-9A-Za-z-]+$"},
    "path":       {"type": "string", "pattern": "^/"},
    "statusCode": {"type": "integer", "minimum": 100, "maximum": 599},
    "mock":       true,
    "enabled":    {"type": "boolean"},
    "createdAt":  {"type": "string"},
    "updatedAt":  {"type": "string"}
  },
  "required": ["method", "path"],
  "additionalProperties": false
}`

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "upstreamUrl": {"type": "string", "pattern": "^https?://"}
  },
  "required": ["upstreamUrl"]
}`

const schemaBase = "https://prock.local/schemas/"

// schemas holds the compiled request body schemas.
type schemas struct {
	create *jsonschema.Schema
	update *jsonschema.Schema
	config *jsonschema.Schema
}

func mustCompileSchemas() *schemas {
	s, err := compileSchemas()
	if err != nil {
		panic(fmt.Sprintf("admin: compiling schemas: %v", err))
	}
	return s
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	// Updates additionally require the route ID.
	updateSchema := `{"allOf": [{"$ref": "route.json"}], "required": ["routeId"]}`

	for name, src := range map[string]string{
		"route.json":  routeSchema,
		"update.json": updateSchema,
		"config.json": configSchema,
	} {
		if err := compiler.AddResource(schemaBase+name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("adding %s: %w", name, err)
		}
	}

	var s schemas
	var err error
	if s.create, err = compiler.Compile(schemaBase + "route.json"); err != nil {
		return nil, err
	}
	if s.update, err = compiler.Compile(schemaBase + "update.json"); err != nil {
		return nil, err
	}
	if s.config, err = compiler.Compile(schemaBase + "config.json"); err != nil {
		return nil, err
	}
	return &s, nil
}

// SchemaError lists the violations found in a request body.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "request validation failed: " + strings.Join(e.Violations, "; ")
}

// validateBody checks raw JSON against schema. Numbers are decoded with
// UseNumber so integer checks are exact.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	out := &SchemaError{}
	collectViolations(verr, &out.Violations)
	return out
}

func collectViolations(err *jsonschema.ValidationError, into *[]string) {
	if len(err.Causes) == 0 {
		field := strings.TrimPrefix(err.InstanceLocation, "/")
		if field == "" {
			*into = append(*into, err.Message)
			return
		}
		*into = append(*into, field+": "+err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectViolations(cause, into)
	}
}
