package expressions

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/rendis/credvault/pkg/schema"
)

// InjectScope holds what ${{...}} references may resolve to when rendering
// a template for one application.
type InjectScope struct {
	AppID   string
	Secrets map[string]string // projected env for AppID
}

// InjectOptions control how resolved values are written.
type InjectOptions struct {
	// JSONQuote writes each value as a JSON string literal (without the
	// surrounding quotes), for templates that are JSON documents.
	JSONQuote bool
}

// Inject renders template, replacing ${{secrets.<ID>}} with the value of a
// credential visible to the app and ${{app.id}} with the app id. A reference
// to a credential the app cannot see fails rather than rendering empty.
func Inject(template string, scope InjectScope, opts InjectOptions) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(template[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
		}

		val, err := resolveRef(ref, scope)
		if err != nil {
			return "", err
		}
		if opts.JSONQuote {
			val = quoteInline(val)
		}
		result.WriteString(val)

		i = end + 2
	}

	return result.String(), nil
}

// References lists the credential ids a template refers to, in first-seen
// order. Malformed templates yield the references found before the error.
func References(template string) []string {
	var ids []string
	rest := template
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			return ids
		}
		rest = rest[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return ids
		}
		ref := strings.TrimSpace(rest[:end])
		if id, ok := strings.CutPrefix(ref, "secrets."); ok && id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
		rest = rest[end+2:]
	}
}

func resolveRef(ref string, scope InjectScope) (string, error) {
	namespace, name, _ := strings.Cut(ref, ".")
	switch namespace {
	case "secrets":
		if name == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"invalid secret reference %q: expected secrets.<ID>", ref)
		}
		val, ok := scope.Secrets[name]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeNotFound,
				"credential %q is not visible to app %q", name, scope.AppID).
				WithCredential(name).
				WithDetails(map[string]any{"expression": ref, "app_id": scope.AppID})
		}
		return val, nil
	case "app":
		if name != "id" {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"invalid app reference %q: only app.id is supported", ref)
		}
		return scope.AppID, nil
	default:
		available := []string{"secrets", "app"}
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

// quoteInline JSON-escapes s without the surrounding quotes.
func quoteInline(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
