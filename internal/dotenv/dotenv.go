// Package dotenv moves credentials between .env files and the vault.
package dotenv

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/joho/godotenv"

	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/pkg/schema"
)

// LocalFile is the per-app env file read when the vault is unavailable.
const LocalFile = ".env.local"

var masterKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Entry describes how one imported key is stored.
type Entry struct {
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// Mapping selects keys from an env file, keyed by variable name.
type Mapping map[string]Entry

// Report lists what an import did with each key.
type Report struct {
	File      string   `json:"file"`
	Skipped   bool     `json:"skipped,omitempty"`
	Imported  []string `json:"imported,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

// Total is the number of keys written to the vault.
func (r Report) Total() int { return len(r.Imported) + len(r.Updated) }

// ReadMasterKey returns varName from envFile. A missing file or variable is
// NOT_FOUND; a value that is not 64 hex characters is INVALID_KEY_FORMAT.
func ReadMasterKey(envFile, varName string) (string, error) {
	vars, err := godotenv.Read(envFile)
	if errors.Is(err, fs.ErrNotExist) {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "env file %s not found", envFile)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", envFile, err)
	}
	key, ok := vars[varName]
	if !ok || key == "" {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "%s not found in %s", varName, envFile)
	}
	if !masterKeyPattern.MatchString(key) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidKeyFormat, "%s in %s is not a 64-character hex key", varName, envFile)
	}
	return key, nil
}

// AppendMasterKey appends "varName=key" to envFile, creating it with 0600
// permissions if needed. Existing lines and comments are left untouched.
func AppendMasterKey(envFile, varName, key string) error {
	if !masterKeyPattern.MatchString(key) {
		return schema.NewError(schema.ErrCodeInvalidKeyFormat, "refusing to store a malformed master key")
	}
	line, err := godotenv.Marshal(map[string]string{varName: key})
	if err != nil {
		return fmt.Errorf("format %s: %w", varName, err)
	}
	f, err := os.OpenFile(envFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", envFile, err)
	}
	if _, err := f.WriteString("\n" + line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to %s: %w", envFile, err)
	}
	return f.Close()
}

// EnsureMasterKey reads varName from envFile, generating and appending a
// fresh key when absent. created reports whether a key was generated.
func EnsureMasterKey(envFile, varName string) (key string, created bool, err error) {
	key, err = ReadMasterKey(envFile, varName)
	if err == nil {
		return key, false, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return "", false, err
	}
	key, err = secrets.GenerateMasterKey()
	if err != nil {
		return "", false, err
	}
	if err := AppendMasterKey(envFile, varName, key); err != nil {
		return "", false, err
	}
	return key, true, nil
}

// ReadLocal parses dir/.env.local. A missing file yields an empty map.
func ReadLocal(dir string) (map[string]string, error) {
	vars, err := godotenv.Read(filepath.Join(dir, LocalFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	return vars, err
}

// read parses path. ok is false when the file does not exist.
func read(path string) (vars map[string]string, ok bool, err error) {
	vars, err = godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation, "parse %s", path).WithCause(err)
	}
	return vars, true, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Import copies the keys named in m from path into v with the mapped scopes
// and descriptions. Keys absent or empty in the file are reported missing.
// A missing file is skipped, not an error.
func Import(ctx context.Context, v secrets.Vault, path string, m Mapping, provider string) (Report, error) {
	report := Report{File: path}
	vars, ok, err := read(path)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	for _, key := range sortedKeys(m) {
		value := vars[key]
		if value == "" {
			report.Missing = append(report.Missing, key)
			continue
		}
		entry := m[key]
		err := v.AddCredential(ctx, schema.Credential{
			ID:          key,
			Value:       value,
			Description: entry.Description,
			Scopes:      entry.Scopes,
			Metadata:    map[string]string{"provider": provider, "importedFrom": path},
		})
		if err != nil {
			return report, err
		}
		report.Imported = append(report.Imported, key)
	}
	return report, nil
}

// Migrate copies every key in path into v, visible to scope and globally.
func Migrate(ctx context.Context, v secrets.Vault, path, scope, provider, service string) (Report, error) {
	report := Report{File: path}
	vars, ok, err := read(path)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	scopes := []string{scope, schema.ScopeGlobal}
	for _, key := range sortedKeys(vars) {
		err := v.AddCredential(ctx, schema.Credential{
			ID:          key,
			Value:       vars[key],
			Description: "Imported from " + filepath.Base(path),
			Scopes:      scopes,
			Metadata:    map[string]string{"provider": provider, "service": service},
		})
		if err != nil {
			return report, err
		}
		report.Imported = append(report.Imported, key)
	}
	return report, nil
}

// Sync brings v up to date with path for the given keys, or every key in
// the file when keys is empty. Existing credentials only have their value
// replaced, and only when it changed; new ones are added with scopes.
func Sync(ctx context.Context, v secrets.Vault, path string, keys, scopes []string) (Report, error) {
	report := Report{File: path}
	vars, ok, err := read(path)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	if len(keys) == 0 {
		keys = sortedKeys(vars)
	}
	for _, key := range keys {
		value, present := vars[key]
		if !present || value == "" {
			report.Missing = append(report.Missing, key)
			continue
		}
		existing, found := v.GetCredential(key)
		switch {
		case found && existing.Value == value:
			report.Unchanged = append(report.Unchanged, key)
		case found:
			if _, err := v.UpdateCredentialValue(ctx, key, value); err != nil {
				return report, err
			}
			report.Updated = append(report.Updated, key)
		default:
			err := v.AddCredential(ctx, schema.Credential{
				ID:          key,
				Value:       value,
				Description: "Synced from " + filepath.Base(path),
				Scopes:      scopes,
				Metadata:    map[string]string{"provider": "manual", "syncedFrom": path},
			})
			if err != nil {
				return report, err
			}
			report.Imported = append(report.Imported, key)
		}
	}
	return report, nil
}
