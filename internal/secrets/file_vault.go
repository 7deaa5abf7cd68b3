package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/pkg/schema"
)

// FileVault keeps the credential catalog in memory and persists it as a
// single encrypted blob. Every mutation re-encrypts and rewrites the whole
// file before returning. Safe for concurrent use within one process; there
// is no coordination between processes sharing a file.
type FileVault struct {
	mu        sync.Mutex
	path      string
	enc       *Encryption
	catalog   schema.Catalog
	persisted bool

	observer  Observer
	validator CatalogValidator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a FileVault.
type Option func(*FileVault)

// WithObserver registers the observer notified after each persisted mutation.
func WithObserver(o Observer) Option {
	return func(v *FileVault) { v.observer = o }
}

// WithValidator checks decrypted catalogs on load and Verify.
func WithValidator(cv CatalogValidator) Option {
	return func(v *FileVault) { v.validator = cv }
}

// WithLogger sets the vault logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *FileVault) { v.logger = l }
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(v *FileVault) { v.now = now }
}

// OpenFileVault builds the encryption engine and loads the vault at path.
// A missing file yields an empty catalog. An existing file that cannot be
// read, decrypted or parsed fails with VAULT_LOAD_FAILURE; no vault is
// returned in that case.
func OpenFileVault(masterKey, path string, opts ...Option) (*FileVault, error) {
	enc, err := NewEncryption(masterKey)
	if err != nil {
		return nil, err
	}
	v := &FileVault{
		path: path,
		enc:  enc,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	if err := v.load(); err != nil {
		return nil, err
	}
	v.logger.Debug("vault loaded",
		slog.String("path", path),
		slog.Int("credentials", len(v.catalog.Credentials)),
	)
	return v, nil
}

func (v *FileVault) load() error {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, fs.ErrNotExist) {
		v.catalog = schema.Catalog{Credentials: []schema.Credential{}}
		return nil
	}
	if err != nil {
		return loadFailure(v.path, err)
	}
	cat, err := v.decode(data)
	if err != nil {
		return loadFailure(v.path, err)
	}
	v.catalog = cat
	v.persisted = true
	return nil
}

// decode parses the blob, decrypts it and parses the catalog.
func (v *FileVault) decode(data []byte) (schema.Catalog, error) {
	var blob schema.EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return schema.Catalog{}, schema.NewError(schema.ErrCodeValidation, "vault file is not a valid encrypted blob").WithCause(err)
	}
	plaintext, err := v.enc.Decrypt(blob)
	if err != nil {
		return schema.Catalog{}, err
	}
	if v.validator != nil {
		if err := v.validator.ValidateCatalog([]byte(plaintext)); err != nil {
			return schema.Catalog{}, err
		}
	}
	var cat schema.Catalog
	if err := json.Unmarshal([]byte(plaintext), &cat); err != nil {
		return schema.Catalog{}, schema.NewError(schema.ErrCodeValidation, "decrypted catalog is not valid JSON").WithCause(err)
	}
	if cat.Credentials == nil {
		cat.Credentials = []schema.Credential{}
	}
	return cat, nil
}

func loadFailure(path string, cause error) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeVaultLoad, "failed to load or decrypt vault at %s", path).
		WithCause(cause).
		WithDetails(map[string]any{"path": path})
}

// Path returns the vault file path.
func (v *FileVault) Path() string { return v.path }

// Len returns the number of stored credentials.
func (v *FileVault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.catalog.Credentials)
}

// Save encrypts the current catalog and replaces the vault file.
func (v *FileVault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.save()
}

// save assumes v.mu is held.
func (v *FileVault) save() error {
	plaintext, err := json.Marshal(v.catalog)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal catalog").WithCause(err)
	}
	blob, err := v.enc.Encrypt(string(plaintext))
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encrypt catalog").WithCause(err)
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal encrypted blob").WithCause(err)
	}
	if err := writeFileAtomic(v.path, data); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write vault %s", v.path).WithCause(err)
	}
	v.persisted = true
	return nil
}

// mutate applies fn to the catalog and saves. If the save fails the
// in-memory catalog is restored so it never runs ahead of the file.
func (v *FileVault) mutate(fn func() bool) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	backup := slices.Clone(v.catalog.Credentials)
	if changed := fn(); !changed {
		return false, nil
	}
	if err := v.save(); err != nil {
		v.catalog.Credentials = backup
		return false, err
	}
	return true, nil
}

func (v *FileVault) indexOf(id string) int {
	return slices.IndexFunc(v.catalog.Credentials, func(c schema.Credential) bool { return c.ID == id })
}

// AddCredential inserts c, or fully replaces the credential with the same
// ID in place. Scopes are deduplicated and default to global; an empty
// UpdatedAt is stamped with the current time.
func (v *FileVault) AddCredential(ctx context.Context, c schema.Credential) error {
	if c.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential id is required")
	}
	c = c.Clone()
	c.Scopes = schema.NormalizeScopes(c.Scopes)
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = schema.FormatTime(v.now())
	}

	eventType := schema.EventCredentialAdded
	_, err := v.mutate(func() bool {
		if i := v.indexOf(c.ID); i >= 0 {
			v.catalog.Credentials[i] = c
			eventType = schema.EventCredentialReplaced
		} else {
			v.catalog.Credentials = append(v.catalog.Credentials, c)
		}
		return true
	})
	if err != nil {
		return err
	}
	v.notify(ctx, eventType, c.ID, c.Scopes)
	return nil
}

// UpdateCredentialValue replaces the value of an existing credential and
// refreshes its timestamp. A missing id is a no-op reported as false.
func (v *FileVault) UpdateCredentialValue(ctx context.Context, id, value string) (bool, error) {
	var scopes []string
	updated, err := v.mutate(func() bool {
		i := v.indexOf(id)
		if i < 0 {
			return false
		}
		c := v.catalog.Credentials[i].Clone()
		c.Value = value
		c.UpdatedAt = schema.FormatTime(v.now())
		v.catalog.Credentials[i] = c
		scopes = c.Scopes
		return true
	})
	if err != nil || !updated {
		return false, err
	}
	v.notify(ctx, schema.EventValueUpdated, id, scopes)
	return true, nil
}

// GetCredential returns a copy of the full record, value included.
func (v *FileVault) GetCredential(id string) (schema.Credential, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 {
		return schema.Credential{}, false
	}
	return v.catalog.Credentials[i].Clone(), true
}

// RemoveCredential deletes by id and reports whether anything was removed.
// The file is only rewritten when a record was removed.
func (v *FileVault) RemoveCredential(ctx context.Context, id string) (bool, error) {
	var scopes []string
	removed, err := v.mutate(func() bool {
		i := v.indexOf(id)
		if i < 0 {
			return false
		}
		scopes = v.catalog.Credentials[i].Scopes
		v.catalog.Credentials = slices.Delete(slices.Clone(v.catalog.Credentials), i, i+1)
		return true
	})
	if err != nil || !removed {
		return false, err
	}
	v.notify(ctx, schema.EventCredentialRemoved, id, scopes)
	return true, nil
}

// ListCredentials returns every credential in insertion order without values.
func (v *FileVault) ListCredentials() []schema.CredentialSummary {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]schema.CredentialSummary, 0, len(v.catalog.Credentials))
	for i := range v.catalog.Credentials {
		out = append(out, v.catalog.Credentials[i].Summary())
	}
	return out
}

// EnvForApp projects the credentials visible to appID (scoped global or
// app:<appID>) to an id → value map.
func (v *FileVault) EnvForApp(appID string) map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	env := make(map[string]string)
	for i := range v.catalog.Credentials {
		c := &v.catalog.Credentials[i]
		if c.VisibleTo(appID) {
			env[c.ID] = c.Value
		}
	}
	return env
}

// RefreshSink returns a sink that writes rotated values for id through
// UpdateCredentialValue.
func (v *FileVault) RefreshSink(id string) RefreshSink {
	return RefreshFunc(func(newValue string) error {
		ctx := logging.WithCredentialID(context.Background(), id)
		ok, err := v.UpdateCredentialValue(ctx, id, newValue)
		if err != nil {
			return err
		}
		if !ok {
			v.logger.Warn("refreshed value for unknown credential dropped", slog.String("credential_id", id))
		}
		return nil
	})
}

// VerifyReport describes the on-disk vault compared to the loaded catalog.
type VerifyReport struct {
	Path        string `json:"path"`
	Credentials int    `json:"credentials"`
	Diverged    bool   `json:"diverged"`
}

// Verify re-reads the file and checks it decrypts and validates under the
// held key. The in-memory catalog is not modified. Diverged is set when the
// file no longer matches memory, e.g. after a write by another process.
func (v *FileVault) Verify() (VerifyReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	report := VerifyReport{Path: v.path}
	data, err := os.ReadFile(v.path)
	if errors.Is(err, fs.ErrNotExist) && !v.persisted {
		return report, nil
	}
	if err != nil {
		return report, loadFailure(v.path, err)
	}
	cat, err := v.decode(data)
	if err != nil {
		return report, loadFailure(v.path, err)
	}
	report.Credentials = len(cat.Credentials)
	report.Diverged = !sameCatalog(cat, v.catalog)
	return report, nil
}

func sameCatalog(a, b schema.Catalog) bool {
	return slices.EqualFunc(a.Credentials, b.Credentials, func(x, y schema.Credential) bool {
		return x.ID == y.ID && x.UpdatedAt == y.UpdatedAt && x.Value == y.Value
	})
}

func (v *FileVault) notify(ctx context.Context, eventType, id string, scopes []string) {
	if logging.CredentialID(ctx) == "" {
		ctx = logging.WithCredentialID(ctx, id)
	}
	log := logging.LogWith(ctx, v.logger)
	log.Info("credential changed", slog.String("event", eventType))
	if v.observer == nil {
		return
	}
	ev := schema.ChangeEvent{
		Type:         eventType,
		CredentialID: id,
		Scopes:       slices.Clone(scopes),
		VaultPath:    v.path,
		At:           v.now().UTC(),
	}
	if err := v.observer.CredentialChanged(ctx, ev); err != nil {
		log.Error("vault observer failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

var _ Vault = (*FileVault)(nil)
