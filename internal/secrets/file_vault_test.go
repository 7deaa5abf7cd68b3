package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC)

type recordingObserver struct {
	mu     sync.Mutex
	events []schema.ChangeEvent
	err    error
}

func (r *recordingObserver) CredentialChanged(_ context.Context, ev schema.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingObserver) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestVault(t *testing.T, key, path string, opts ...Option) *FileVault {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithClock(func() time.Time { return fixedNow })}, opts...)
	v, err := OpenFileVault(key, path, opts...)
	require.NoError(t, err)
	return v
}

func vaultPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "secrets", "vault.json")
}

func TestOpenFileVault_MissingFileIsEmpty(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)

	assert.Equal(t, 0, v.Len())
	assert.Empty(t, v.ListCredentials())
	assert.Equal(t, path, v.Path())

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "construction must not create the file")
}

func TestOpenFileVault_InvalidKey(t *testing.T) {
	_, err := OpenFileVault("deadbeef", vaultPath(t))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidKeyFormat))
}

func TestFileVault_SaveWritesBlob(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)
	require.NoError(t, v.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var blob map[string]string
	require.NoError(t, json.Unmarshal(data, &blob))
	assert.Len(t, blob, 3)
	assert.NotEmpty(t, blob["iv"])
	assert.NotEmpty(t, blob["content"])
	assert.NotEmpty(t, blob["authTag"])
	assert.Contains(t, string(data), "\n  \"iv\"")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileVault_AddDefaultsAndStamp(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	ctx := context.Background()

	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "API_KEY", Value: "sk-abc"}))

	got, ok := v.GetCredential("API_KEY")
	require.True(t, ok)
	assert.Equal(t, []string{schema.ScopeGlobal}, got.Scopes)
	assert.Equal(t, map[string]string{}, got.Metadata)
	assert.Equal(t, "2025-03-14T09:26:53.589Z", got.UpdatedAt)
}

func TestFileVault_AddKeepsProvidedTimestampAndDedupesScopes(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))

	require.NoError(t, v.AddCredential(context.Background(), schema.Credential{
		ID:        "DB_URL",
		Value:     "postgres://x",
		Scopes:    []string{"app:api", "global", "app:api"},
		UpdatedAt: "2020-01-01T00:00:00.000Z",
	}))

	got, ok := v.GetCredential("DB_URL")
	require.True(t, ok)
	assert.Equal(t, []string{"app:api", "global"}, got.Scopes)
	assert.Equal(t, "2020-01-01T00:00:00.000Z", got.UpdatedAt)
}

func TestFileVault_AddRejectsEmptyID(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))

	err := v.AddCredential(context.Background(), schema.Credential{Value: "x"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 0, v.Len())
}

func TestFileVault_Upsert(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	ctx := context.Background()

	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "A", Value: "1"}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "B", Value: "2"}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "A", Value: "3", Description: "replaced"}))

	list := v.ListCredentials()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ID, "replacement keeps position")
	assert.Equal(t, "replaced", list[0].Description)
	assert.Equal(t, "B", list[1].ID)

	got, _ := v.GetCredential("A")
	assert.Equal(t, "3", got.Value)
}

func TestFileVault_UpdateCredentialValue(t *testing.T) {
	now := fixedNow
	v := openTestVault(t, testKey(0), vaultPath(t), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, err := v.UpdateCredentialValue(ctx, "MISSING", "x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, v.Len())

	require.NoError(t, v.AddCredential(ctx, schema.Credential{
		ID: "TOKEN", Value: "old", Description: "oauth", Scopes: []string{"app:web"},
	}))

	now = fixedNow.Add(time.Hour)
	ok, err = v.UpdateCredentialValue(ctx, "TOKEN", "new")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := v.GetCredential("TOKEN")
	assert.Equal(t, "new", got.Value)
	assert.Equal(t, "oauth", got.Description)
	assert.Equal(t, []string{"app:web"}, got.Scopes)
	assert.Equal(t, schema.FormatTime(now), got.UpdatedAt)
}

func TestFileVault_RemoveCredential(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)
	ctx := context.Background()

	ok, err := v.RemoveCredential(ctx, "NOPE")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "no-op remove must not write")

	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "A", Value: "1"}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "B", Value: "2"}))

	ok, err = v.RemoveCredential(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found := v.GetCredential("A")
	assert.False(t, found)

	reopened := openTestVault(t, testKey(0), path)
	assert.Equal(t, 1, reopened.Len())
}

func TestFileVault_GetReturnsCopy(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	require.NoError(t, v.AddCredential(context.Background(), schema.Credential{
		ID: "A", Value: "1", Scopes: []string{"global"}, Metadata: map[string]string{"k": "v"},
	}))

	got, _ := v.GetCredential("A")
	got.Scopes[0] = "app:evil"
	got.Metadata["k"] = "changed"

	again, _ := v.GetCredential("A")
	assert.Equal(t, []string{"global"}, again.Scopes)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestFileVault_ScopeVisibility(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	ctx := context.Background()

	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "SHARED", Value: "s", Scopes: []string{"global"}}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "FOO_ONLY", Value: "f", Scopes: []string{"app:foo"}}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "PREFIX", Value: "p", Scopes: []string{"app:foobar"}}))

	assert.Equal(t, map[string]string{"SHARED": "s", "FOO_ONLY": "f"}, v.EnvForApp("foo"))
	assert.Equal(t, map[string]string{"SHARED": "s"}, v.EnvForApp("bar"))
	assert.Equal(t, map[string]string{"SHARED": "s", "PREFIX": "p"}, v.EnvForApp("foobar"))
	assert.Equal(t, map[string]string{"SHARED": "s"}, v.EnvForApp(""))
}

func TestFileVault_ListingNeverLeaksValues(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	ctx := context.Background()

	secrets := map[string]string{"A": "value-a-9f1c", "B": "value-b-77aa"}
	for id, val := range secrets {
		require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: id, Value: val, Description: "desc"}))
	}

	data, err := json.Marshal(v.ListCredentials())
	require.NoError(t, err)
	for _, val := range secrets {
		assert.NotContains(t, string(data), val)
	}
	assert.NotContains(t, string(data), `"value"`)
}

func TestFileVault_PersistenceAcrossInstances(t *testing.T) {
	path := vaultPath(t)
	key := testKey(0)
	v := openTestVault(t, key, path)

	want := schema.Credential{
		ID:          "GITHUB_TOKEN",
		Value:       "ghp_123",
		Description: "CI token",
		Scopes:      []string{"app:ci", "global"},
		Metadata:    map[string]string{"provider": "github", "service": "ci"},
	}
	require.NoError(t, v.AddCredential(context.Background(), want))

	reopened := openTestVault(t, key, path)
	got, ok := reopened.GetCredential("GITHUB_TOKEN")
	require.True(t, ok)

	want.UpdatedAt = schema.FormatTime(fixedNow)
	assert.Equal(t, want, got)
}

func TestFileVault_WrongKeyLoad(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)
	require.NoError(t, v.AddCredential(context.Background(), schema.Credential{ID: "A", Value: "1"}))

	_, err := OpenFileVault(testKey(50), path, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVaultLoad))
	assert.True(t, schema.IsCode(err, schema.ErrCodeAuthFailure), "cause chain reaches the decrypt failure")

	var ve *schema.VaultError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, path, ve.Details["path"])
}

func TestFileVault_CorruptFile(t *testing.T) {
	path := vaultPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenFileVault(testKey(0), path, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVaultLoad))
}

type rejectAll struct{}

func (rejectAll) ValidateCatalog([]byte) error {
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

func TestFileVault_ValidatorRejectsCatalog(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)
	require.NoError(t, v.Save())

	_, err := OpenFileVault(testKey(0), path, WithLogger(quietLogger()), WithValidator(rejectAll{}))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVaultLoad))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFileVault_SaveFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	// Parent "directory" is a regular file, so every save fails.
	v := openTestVault(t, testKey(0), filepath.Join(blocker, "vault.json"))
	obs := &recordingObserver{}
	v.observer = obs

	err := v.AddCredential(context.Background(), schema.Credential{ID: "A", Value: "1"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Equal(t, 0, v.Len())
	assert.Empty(t, obs.types())
}

func TestFileVault_ObserverEvents(t *testing.T) {
	obs := &recordingObserver{err: errors.New("observer down")}
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path, WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "A", Value: "secret-1", Scopes: []string{"app:x"}}))
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "A", Value: "secret-2"}))
	_, err := v.UpdateCredentialValue(ctx, "A", "secret-3")
	require.NoError(t, err)
	_, err = v.UpdateCredentialValue(ctx, "MISSING", "x")
	require.NoError(t, err)
	_, err = v.RemoveCredential(ctx, "A")
	require.NoError(t, err)

	assert.Equal(t, []string{
		schema.EventCredentialAdded,
		schema.EventCredentialReplaced,
		schema.EventValueUpdated,
		schema.EventCredentialRemoved,
	}, obs.types())

	first := obs.events[0]
	assert.Equal(t, "A", first.CredentialID)
	assert.Equal(t, []string{"app:x"}, first.Scopes)
	assert.Equal(t, path, first.VaultPath)

	data, err := json.Marshal(obs.events)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-")
}

func TestFileVault_RefreshSink(t *testing.T) {
	v := openTestVault(t, testKey(0), vaultPath(t))
	ctx := context.Background()
	require.NoError(t, v.AddCredential(ctx, schema.Credential{ID: "REFRESH_TOKEN", Value: "r1"}))

	var sink RefreshSink = v.RefreshSink("REFRESH_TOKEN")
	require.NoError(t, sink.OnRefreshed("r2"))

	got, _ := v.GetCredential("REFRESH_TOKEN")
	assert.Equal(t, "r2", got.Value)

	require.NoError(t, v.RefreshSink("GONE").OnRefreshed("x"))
	_, ok := v.GetCredential("GONE")
	assert.False(t, ok)
}

func TestFileVault_Verify(t *testing.T) {
	path := vaultPath(t)
	key := testKey(0)
	v := openTestVault(t, key, path)

	report, err := v.Verify()
	require.NoError(t, err, "never-saved vault verifies clean")
	assert.Equal(t, 0, report.Credentials)

	require.NoError(t, v.AddCredential(context.Background(), schema.Credential{ID: "A", Value: "1"}))
	report, err = v.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Credentials)
	assert.False(t, report.Diverged)

	other := openTestVault(t, key, path)
	_, err = other.UpdateCredentialValue(context.Background(), "A", "changed elsewhere")
	require.NoError(t, err)

	report, err = v.Verify()
	require.NoError(t, err)
	assert.True(t, report.Diverged)
	got, _ := v.GetCredential("A")
	assert.Equal(t, "1", got.Value, "verify leaves memory untouched")

	require.NoError(t, os.WriteFile(path, []byte(`{"iv":"00","content":"00","authTag":"00"}`), 0o600))
	_, err = v.Verify()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVaultLoad))

	require.NoError(t, os.Remove(path))
	_, err = v.Verify()
	require.Error(t, err, "a vault that was saved must still exist")
}

func TestFileVault_ConcurrentMutations(t *testing.T) {
	path := vaultPath(t)
	v := openTestVault(t, testKey(0), path)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('A' + i))
			assert.NoError(t, v.AddCredential(ctx, schema.Credential{ID: id, Value: id}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, v.Len())
	reopened := openTestVault(t, testKey(0), path)
	assert.Equal(t, 20, reopened.Len())
}

func TestEndToEnd(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	path := vaultPath(t)

	v, err := OpenFileVault(key, path, WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, v.AddCredential(context.Background(), schema.Credential{
		ID: "API_KEY", Value: "sk-abc", Scopes: []string{"global"},
	}))
	assert.Equal(t, map[string]string{"API_KEY": "sk-abc"}, v.EnvForApp("any-app"))

	v2, err := OpenFileVault(key, path, WithLogger(quietLogger()))
	require.NoError(t, err)
	list := v2.ListCredentials()
	require.Len(t, list, 1)
	assert.Equal(t, "API_KEY", list[0].ID)
	raw, err := json.Marshal(list[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "value")

	other, err := GenerateMasterKey()
	require.NoError(t, err)
	_, err = OpenFileVault(other, path, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVaultLoad))
}
