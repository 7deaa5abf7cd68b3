package validation

import (
	"fmt"
	"regexp"

	"github.com/rendis/credvault/pkg/schema"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Lint performs semantic checks on a loaded catalog that the schema cannot
// express. Errors: duplicate ids, empty ids, bare "app:" scopes.
// Warnings: ids that are not usable as environment variable names, scopes
// that no application can ever see, empty values, credentials with no scope.
func Lint(creds []schema.Credential) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]int, len(creds))

	for i := range creds {
		c := &creds[i]
		idPath := schema.CredentialPath(i, "id")

		if c.ID == "" {
			result.AddError(idPath, schema.ErrCodeValidation, "credential id is empty")
		} else if first, dup := seen[c.ID]; dup {
			result.AddError(idPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate credential id %q (first at %s)", c.ID, schema.CredentialPath(first, "")))
		} else {
			seen[c.ID] = i
		}

		if c.ID != "" && !envNamePattern.MatchString(c.ID) {
			result.AddWarning(idPath, schema.ErrCodeValidation,
				fmt.Sprintf("id %q is not a valid environment variable name; child processes may not see it", c.ID))
		}

		if len(c.Scopes) == 0 {
			result.AddWarning(schema.CredentialPath(i, "scopes"), schema.ErrCodeValidation,
				"credential has no scopes and is not projected to any application")
		}
		for j, s := range c.Scopes {
			spath := schema.CredentialPath(i, fmt.Sprintf("scopes[%d]", j))
			switch {
			case s == schema.ScopeGlobal, schema.IsAppScope(s):
			case s == schema.AppScopePrefix:
				result.AddError(spath, schema.ErrCodeValidation, `scope "app:" names no application`)
			default:
				result.AddWarning(spath, schema.ErrCodeValidation,
					fmt.Sprintf("scope %q is neither \"global\" nor \"app:<id>\" and matches no application", s))
			}
		}

		if c.Value == "" {
			result.AddWarning(schema.CredentialPath(i, "value"), schema.ErrCodeValidation, "credential value is empty")
		}
	}
	return result
}
