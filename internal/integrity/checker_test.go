package integrity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/pkg/schema"
)

// mockRecorder satisfies store.AuditStore for checker tests.
type mockRecorder struct {
	store.AuditStore
	mu      sync.Mutex
	records []store.Verification
	err     error
}

func (m *mockRecorder) RecordVerification(_ context.Context, v *store.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *v)
	return m.err
}

func (m *mockRecorder) snapshot() []store.Verification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Verification(nil), m.records...)
}

type stubVerifier struct {
	mu     sync.Mutex
	report secrets.VerifyReport
	err    error
	calls  int
}

func (s *stubVerifier) Verify() (secrets.VerifyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.report, s.err
}

func (s *stubVerifier) Path() string { return "/tmp/vault.enc" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewChecker_InvalidCron(t *testing.T) {
	_, err := NewChecker(&stubVerifier{}, Config{Cron: "not a cron"}, testLogger())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestNewChecker_DefaultSchedule(t *testing.T) {
	c, err := NewChecker(&stubVerifier{}, Config{}, testLogger())
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), c.NextRun(from))
	assert.Equal(t, DefaultDebounce, c.debounce)
}

func TestNewChecker_CustomSchedule(t *testing.T) {
	c, err := NewChecker(&stubVerifier{}, Config{Cron: "0 3 * * *"}, testLogger())
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), c.NextRun(from))
}

func TestCheck_RecordsAndPublishesSuccess(t *testing.T) {
	v := &stubVerifier{report: secrets.VerifyReport{Path: "/tmp/vault.enc", Credentials: 3}}
	rec := &mockRecorder{}
	hub := streaming.NewMemoryHub()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	c, err := NewChecker(v, Config{}, testLogger(),
		WithRecorder(rec), WithHub(hub), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	res := c.Check(context.Background(), TriggerManual)
	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Report.Credentials)
	assert.Equal(t, fixed, res.CheckedAt)

	records := rec.snapshot()
	require.Len(t, records, 1)
	assert.True(t, records[0].OK)
	assert.Equal(t, 3, records[0].Credentials)
	assert.Equal(t, TriggerManual, records[0].Trigger)
	assert.Equal(t, "/tmp/vault.enc", records[0].VaultPath)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventVaultVerified, ev.EventType)
		assert.Equal(t, "/tmp/vault.enc", ev.VaultPath)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, res, last)
}

func TestCheck_Failure(t *testing.T) {
	v := &stubVerifier{err: schema.NewError(schema.ErrCodeVaultLoad, "failed to load or decrypt vault")}
	rec := &mockRecorder{}
	hub := streaming.NewMemoryHub()

	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventVaultVerifyFailed},
	})
	require.NoError(t, err)
	defer cancel()

	c, err := NewChecker(v, Config{}, testLogger(), WithRecorder(rec), WithHub(hub))
	require.NoError(t, err)

	res := c.Check(context.Background(), TriggerCron)
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "failed to load")

	records := rec.snapshot()
	require.Len(t, records, 1)
	assert.False(t, records[0].OK)
	assert.NotEmpty(t, records[0].Error)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventVaultVerifyFailed, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestCheck_RecorderErrorIsNotFatal(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, err := NewChecker(&stubVerifier{}, Config{}, testLogger(), WithRecorder(rec))
	require.NoError(t, err)

	res := c.Check(context.Background(), TriggerManual)
	assert.True(t, res.OK())
	assert.Len(t, rec.snapshot(), 1)
}

func TestLast_Empty(t *testing.T) {
	c, err := NewChecker(&stubVerifier{}, Config{}, testLogger())
	require.NoError(t, err)
	_, ok := c.Last()
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	v := &stubVerifier{}
	rec := &mockRecorder{}
	c, err := NewChecker(v, Config{}, testLogger(), WithRecorder(rec))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()), "second start must fail")

	records := rec.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, TriggerStartup, records[0].Trigger)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop(), "stop is idempotent")

	// Restart after stop is allowed.
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
}

func TestWatch_ExternalChangeTriggersCheck(t *testing.T) {
	key, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vault.enc")

	vault, err := secrets.OpenFileVault(key, path, secrets.WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, vault.AddCredential(context.Background(), schema.Credential{ID: "API_KEY", Value: "one"}))

	rec := &mockRecorder{}
	c, err := NewChecker(vault, Config{Watch: true, Debounce: 50 * time.Millisecond}, testLogger(), WithRecorder(rec))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// A second process writing the same file.
	other, err := secrets.OpenFileVault(key, path, secrets.WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, other.AddCredential(context.Background(), schema.Credential{ID: "OTHER", Value: "two"}))

	require.Eventually(t, func() bool {
		for _, r := range rec.snapshot() {
			if r.Trigger == TriggerWatch {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	last, ok := c.Last()
	require.True(t, ok)
	assert.True(t, last.OK())
	assert.True(t, last.Report.Diverged)
	assert.Equal(t, 2, last.Report.Credentials)
}

func TestWatch_MissingVaultDirectory(t *testing.T) {
	key, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "not-yet", "secrets")
	path := filepath.Join(dir, "vault.enc")

	vault, err := secrets.OpenFileVault(key, path, secrets.WithLogger(testLogger()))
	require.NoError(t, err)

	rec := &mockRecorder{}
	c, err := NewChecker(vault, Config{Watch: true, Debounce: 50 * time.Millisecond}, testLogger(), WithRecorder(rec))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.DirExists(t, dir)
	last, ok := c.Last()
	require.True(t, ok)
	assert.True(t, last.OK(), last.Error)
	assert.Equal(t, 0, last.Report.Credentials)

	// The first save lands in the watched directory.
	require.NoError(t, vault.AddCredential(context.Background(), schema.Credential{ID: "API_KEY", Value: "one"}))
	require.Eventually(t, func() bool {
		for _, r := range rec.snapshot() {
			if r.Trigger == TriggerWatch {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
