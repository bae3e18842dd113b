package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError describes one offending argument field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every offending field of a tool call's arguments,
// not just the first. The model gets the full list back so it can correct
// all of them in one retry.
type ValidationError struct {
	Tool   string       `json:"tool"`
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Validate checks args against the descriptor's schema. On success the
// arguments are returned with declared defaults filled in; on failure a
// *ValidationError enumerates every problem.
func (d *Descriptor) Validate(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	if d.schema != nil {
		result, err := d.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}

		if !result.Valid() {
			verr := &ValidationError{Tool: d.Name}
			for _, re := range result.Errors() {
				field := re.Field()
				if field == "(root)" {
					if prop, ok := re.Details()["property"].(string); ok {
						field = prop
					}
				}
				verr.Fields = append(verr.Fields, FieldError{
					Field:   field,
					Message: re.Description(),
				})
			}
			return nil, verr
		}
	}

	validated := make(map[string]interface{}, len(args))
	for k, v := range args {
		validated[k] = v
	}
	for _, param := range d.Parameters {
		if _, ok := validated[param.Name]; !ok && param.Default != nil {
			validated[param.Name] = param.Default
		}
	}

	return validated, nil
}

// buildSchemaMap converts parameters into a JSON Schema object map
func buildSchemaMap(params []Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

// compileSchema compiles the parameters into a reusable gojsonschema schema
func compileSchema(params []Parameter) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(buildSchemaMap(params)))
}
