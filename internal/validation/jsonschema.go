package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/credvault/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// catalogSchemaJSON is the JSON Schema for a decrypted vault catalog.
// Loading stays faithful to what is on disk, so scopes are not pattern
// checked here; see credentialInputSchemaJSON for write-side rules.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://credvault.dev/schemas/catalog.json",
  "type": "object",
  "required": ["credentials"],
  "properties": {
    "credentials": {
      "type": "array",
      "items": { "$ref": "#/$defs/credential" }
    }
  },
  "$defs": {
    "credential": {
      "type": "object",
      "required": ["id", "value"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "value": { "type": "string" },
        "description": { "type": "string" },
        "scopes": {
          "type": "array",
          "items": { "type": "string" }
        },
        "metadata": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "updatedAt": { "type": "string" }
      }
    }
  }
}`

// credentialInputSchemaJSON validates credentials submitted through the
// admin API, the CLI and dotenv imports.
const credentialInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://credvault.dev/schemas/credential-input.json",
  "type": "object",
  "required": ["id", "value"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "value": { "type": "string" },
    "description": { "type": "string" },
    "scopes": {
      "type": "array",
      "items": { "type": "string", "pattern": "^(global|app:.+)$" }
    },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "provider": { "type": "string" },
    "service": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false
}`

const (
	catalogSchemaURL = "https://credvault.dev/schemas/catalog.json"
	inputSchemaURL   = "https://credvault.dev/schemas/credential-input.json"
)

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// Both schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	catalogSchema *jsonschema.Schema
	inputSchema   *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the catalog and credential input schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		catalogSchemaURL: catalogSchemaJSON,
		inputSchemaURL:   credentialInputSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	catalog, err := c.Compile(catalogSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	input, err := c.Compile(inputSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile credential input schema: %w", err)
	}

	return &JSONSchemaValidator{catalogSchema: catalog, inputSchema: input}, nil
}

// ValidateCatalog checks a decrypted catalog document. Beyond the schema it
// rejects duplicate credential ids, which JSON Schema cannot express.
func (v *JSONSchemaValidator) ValidateCatalog(doc []byte) error {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog is not valid JSON").WithCause(err)
	}
	if err := v.catalogSchema.Validate(value); err != nil {
		return toVaultError(err)
	}

	var ids struct {
		Credentials []struct {
			ID string `json:"id"`
		} `json:"credentials"`
	}
	if err := json.Unmarshal(doc, &ids); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "catalog is not valid JSON").WithCause(err)
	}
	seen := make(map[string]struct{}, len(ids.Credentials))
	for _, c := range ids.Credentials {
		if _, exists := seen[c.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate credential id %q", c.ID).
				WithCredential(c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// ValidateCredentialInput checks a credential submitted by an admin surface.
func (v *JSONSchemaValidator) ValidateCredentialInput(input map[string]any) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := v.inputSchema.Validate(doc); err != nil {
		vErr := toVaultError(err)
		if id, ok := input["id"].(string); ok {
			vErr = vErr.WithCredential(id)
		}
		return vErr
	}
	return nil
}

// ValidateCredential is ValidateCredentialInput for an already typed record.
func (v *JSONSchemaValidator) ValidateCredential(c schema.Credential) error {
	var input map[string]any
	b, err := json.Marshal(c)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize credential").WithCause(err)
	}
	if err := json.Unmarshal(b, &input); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize credential").WithCause(err)
	}
	// Absent optional fields serialize as null; the input schema expects
	// them omitted.
	for k, val := range input {
		if val == nil {
			delete(input, k)
		}
	}
	return v.ValidateCredentialInput(input)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toVaultError converts a jsonschema.ValidationError into a VaultError
// carrying one violation per failing leaf.
func toVaultError(err error) *schema.VaultError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
