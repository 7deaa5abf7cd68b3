package validation

import "github.com/rendis/credvault/pkg/schema"

// Validator checks vault catalogs and credential input.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateCatalog(doc []byte) error
	ValidateCredentialInput(input map[string]any) error
	ValidateCredential(c schema.Credential) error
}

var _ Validator = (*JSONSchemaValidator)(nil)
