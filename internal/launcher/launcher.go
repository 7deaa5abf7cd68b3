// Package launcher runs a child process with an application's secrets
// projected into its environment.
package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/pkg/schema"
)

// EnvSource projects the credentials visible to an application.
// Satisfied by *secrets.FileVault.
type EnvSource interface {
	EnvForApp(appID string) map[string]string
	Path() string
}

// Spec describes one child process.
type Spec struct {
	AppID   string
	Command string
	Args    []string
	Shell   bool              // run "Command Args..." through /bin/sh -c
	Env     map[string]string // extra variables applied after the secrets
	Dir     string

	// Stdio defaults to the parent's streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a finished child.
type Result struct {
	ExitCode int
	Secrets  int
	Duration time.Duration
}

// Launcher starts children with projected secrets.
type Launcher struct {
	source   EnvSource
	observer secrets.Observer
	logger   *slog.Logger
	baseEnv  func() []string
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithObserver is told about every projection. The event carries the app
// scope, never the values.
func WithObserver(o secrets.Observer) Option { return func(l *Launcher) { l.observer = o } }

// WithBaseEnv replaces os.Environ as the environment the secrets overlay.
func WithBaseEnv(fn func() []string) Option { return func(l *Launcher) { l.baseEnv = fn } }

// New creates a Launcher reading secrets from source.
func New(source EnvSource, logger *slog.Logger, opts ...Option) *Launcher {
	l := &Launcher{source: source, logger: logger, baseEnv: os.Environ}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run starts the child, waits for it and returns its exit code. A non-zero
// exit is not an error; failing to start the process is.
func (l *Launcher) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Command == "" {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "command is required")
	}
	if spec.AppID == "" {
		return Result{}, schema.NewError(schema.ErrCodeValidation, "app id is required")
	}

	ctx = logging.WithAppID(ctx, spec.AppID)
	log := logging.LogWith(ctx, l.logger)

	projected := l.source.EnvForApp(spec.AppID)
	overlay := make(map[string]string, len(projected)+len(spec.Env))
	for k, v := range projected {
		overlay[k] = v
	}
	for k, v := range spec.Env {
		overlay[k] = v
	}

	var cmd *exec.Cmd
	if spec.Shell {
		full := spec.Command
		if len(spec.Args) > 0 {
			full = spec.Command + " " + strings.Join(spec.Args, " ")
		}
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", full)
	} else {
		cmd = exec.CommandContext(ctx, spec.Command, spec.Args...)
	}
	cmd.Env = BuildEnv(l.baseEnv(), overlay)
	cmd.Dir = spec.Dir
	cmd.Stdin = orReader(spec.Stdin, os.Stdin)
	cmd.Stdout = orWriter(spec.Stdout, os.Stdout)
	cmd.Stderr = orWriter(spec.Stderr, os.Stderr)

	log.Info("launching process with secrets",
		slog.String("command", spec.Command),
		slog.Int("secrets", len(projected)),
	)
	l.notify(ctx, spec.AppID, len(projected))

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Secrets: len(projected), Duration: time.Since(start)}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, schema.NewErrorf(schema.ErrCodeExecution, "run %s: %v", spec.Command, runErr).WithCause(runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	log.Info("process exited",
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
	)
	return res, nil
}

func (l *Launcher) notify(ctx context.Context, appID string, count int) {
	if l.observer == nil {
		return
	}
	ev := schema.ChangeEvent{
		Type:      schema.EventEnvProjected,
		Scopes:    []string{schema.AppScope(appID)},
		VaultPath: l.source.Path(),
		At:        time.Now().UTC(),
	}
	if err := l.observer.CredentialChanged(ctx, ev); err != nil {
		logging.LogWith(ctx, l.logger).Error("projection observer failed",
			slog.Int("secrets", count),
			slog.String("error", err.Error()),
		)
	}
}

// BuildEnv returns base with every key in overlay set to the overlay value.
// Base entries for overridden keys are dropped; overlay entries are appended
// in key order.
func BuildEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

func orReader(r, def io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return def
}

func orWriter(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}
