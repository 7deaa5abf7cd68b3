package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/pkg/schema"
)

// Defaults for Config.
const (
	DefaultCron     = "*/15 * * * *"
	DefaultDebounce = 500 * time.Millisecond
)

// Trigger names recorded with each check.
const (
	TriggerCron    = "cron"
	TriggerWatch   = "fsnotify"
	TriggerManual  = "manual"
	TriggerStartup = "startup"
	TriggerReload  = "reload"
)

// Verifier is the part of the vault the checker needs.
// Satisfied by *secrets.FileVault.
type Verifier interface {
	Verify() (secrets.VerifyReport, error)
	Path() string
}

// Recorder persists check results. Satisfied by store.AuditStore.
type Recorder interface {
	RecordVerification(ctx context.Context, v *store.Verification) error
}

// Config controls when checks run.
type Config struct {
	Cron     string        // 5-field cron expression; empty uses DefaultCron
	Debounce time.Duration // quiet period after a file event; zero uses DefaultDebounce
	Watch    bool          // re-verify when the vault file changes on disk
}

// Result is the outcome of one check.
type Result struct {
	Trigger   string               `json:"trigger"`
	Report    secrets.VerifyReport `json:"report"`
	Error     string               `json:"error,omitempty"`
	CheckedAt time.Time            `json:"checked_at"`
}

// OK reports whether the vault decrypted and validated.
func (r Result) OK() bool { return r.Error == "" }

// Checker re-verifies the vault file on a cron schedule and, optionally,
// whenever the file changes on disk.
type Checker struct {
	vault    Verifier
	recorder Recorder
	hub      streaming.EventHub
	logger   *slog.Logger
	schedule cron.Schedule
	debounce time.Duration
	watch    bool
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	checkMu sync.Mutex // serializes checks
	lastMu  sync.RWMutex
	last    *Result
}

// Option configures a Checker.
type Option func(*Checker)

// WithRecorder stores every result.
func WithRecorder(r Recorder) Option { return func(c *Checker) { c.recorder = r } }

// WithHub publishes vault_verified / vault_verify_failed events.
func WithHub(h streaming.EventHub) Option { return func(c *Checker) { c.hub = h } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// NewChecker validates cfg and builds a Checker.
func NewChecker(v Verifier, cfg Config, logger *slog.Logger, opts ...Option) (*Checker, error) {
	expr := cfg.Cron
	if expr == "" {
		expr = DefaultCron
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q", expr).WithCause(err)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	c := &Checker{
		vault:    v,
		logger:   logger,
		schedule: schedule,
		debounce: debounce,
		watch:    cfg.Watch,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NextRun returns the next scheduled check after from.
func (c *Checker) NextRun(from time.Time) time.Time {
	return c.schedule.Next(from)
}

// Check verifies the vault once, records and publishes the result.
func (c *Checker) Check(ctx context.Context, trigger string) Result {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	report, err := c.vault.Verify()
	res := Result{Trigger: trigger, Report: report, CheckedAt: c.now().UTC()}
	eventType := schema.EventVaultVerified
	if err != nil {
		res.Error = err.Error()
		eventType = schema.EventVaultVerifyFailed
		c.logger.Error("vault verification failed",
			slog.String("path", c.vault.Path()),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	} else {
		level := slog.LevelDebug
		if report.Diverged {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "vault verified",
			slog.String("path", c.vault.Path()),
			slog.String("trigger", trigger),
			slog.Int("credentials", report.Credentials),
			slog.Bool("diverged", report.Diverged),
		)
	}

	c.lastMu.Lock()
	c.last = &res
	c.lastMu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.RecordVerification(ctx, &store.Verification{
			VaultPath:   c.vault.Path(),
			OK:          res.OK(),
			Credentials: report.Credentials,
			Diverged:    report.Diverged,
			Error:       res.Error,
			Trigger:     trigger,
			CheckedAt:   res.CheckedAt,
		}); err != nil {
			c.logger.Error("failed to record verification", slog.String("error", err.Error()))
		}
	}
	if c.hub != nil {
		_ = c.hub.Publish(ctx, streaming.StreamEvent{
			VaultPath: c.vault.Path(),
			EventType: eventType,
			Payload:   res,
		})
	}
	return res
}

// Last returns the most recent result, if any check has run.
func (c *Checker) Last() (Result, bool) {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Start runs a startup check and launches the cron loop and, when
// configured, the file watcher.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("integrity checker already started")
	}

	var watcher *fsnotify.Watcher
	if c.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("create watcher: %w", err)
		}
		// Watch the directory: atomic saves replace the file by rename.
		// A vault that was never saved may not have its directory yet; the
		// first save creates it with the same mode.
		dir := filepath.Dir(c.vault.Path())
		if err := os.MkdirAll(dir, 0o700); err != nil {
			_ = w.Close()
			c.mu.Unlock()
			return fmt.Errorf("create vault dir %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			c.mu.Unlock()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watcher = w
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.Check(runCtx, TriggerStartup)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.cronLoop(runCtx)
	}()
	if watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.watchLoop(runCtx, watcher)
		}()
	}
	go func() {
		wg.Wait()
		close(c.done)
	}()

	c.logger.Info("integrity checker started",
		slog.String("path", c.vault.Path()),
		slog.Bool("watch", c.watch),
		slog.Time("next_run", c.NextRun(c.now())),
	)
	return nil
}

func (c *Checker) cronLoop(ctx context.Context) {
	for {
		wait := c.NextRun(c.now()).Sub(c.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.Check(ctx, TriggerCron)
		}
	}
}

func (c *Checker) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target, _ := filepath.Abs(c.vault.Path())
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if abs, _ := filepath.Abs(event.Name); abs != target {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				c.Check(ctx, TriggerWatch)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("vault watcher error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts the loops down and waits for them to exit.
func (c *Checker) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return nil
	}

	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.logger.Info("integrity checker stopped")
	return nil
}
