// Command vaultctl manages an encrypted credential vault and hands secrets
// to applications.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/credvault/internal/dotenv"
	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/schema"
)

// Exit codes.
const (
	exitOK     = 0
	exitFail   = 1
	exitConfig = 2
)

const usage = `usage: vaultctl [global flags] <command> [flags] [args]

commands:
  init                     create the master key (if absent) and an empty vault
  keygen                   print a new random master key
  list [--where --engine --json]
  get [--value] ID
  add --id ID --value V [--scope S]... [--description D] [--meta k=v]...
  set-value ID VALUE       VALUE "-" reads stdin
  remove ID
  env [--format dotenv|json] APP
  run [--shell] [--no-fallback] APP -- CMD [ARGS...]
  inject [--file F] [--out F] [--json] APP
  import --file F --map MAPPING.json [--provider P]
  migrate --file F --scope S [--provider P] [--service S]
  sync --file F [--keys A,B] [--scope S]...
  verify [--sums FILE] [--json]
  audit [--credential ID] [--action A] [--actor A] [--since DUR] [--limit N]
        [--all] [--check] [--vacuum] [--json]
  serve [--listen ADDR] [--cron EXPR] [--no-watch]
                           admin API and integrity checker
  reload                   make a running server reload the vault and settings
  mcp                      MCP server on stdio
  version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv))
}

// run is main without the process exit, so tests can drive it.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) int {
	settings := getenv("CREDVAULT_SETTINGS")
	if settings == "" {
		settings = settingsPath()
	}
	cfg := loadConfig(settings, getenv)

	fs := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	bindGlobalFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return exitConfig
	}

	a, err := newApp(cfg, stdin, stdout, stderr, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFail
	}
	a.settings = settings
	defer a.close()

	cmd, cmdArgs := rest[0], rest[1:]
	ctx := logging.WithActor(context.Background(), "cli")

	switch cmd {
	case "init":
		return a.cmdInit(ctx, cmdArgs)
	case "keygen":
		return a.cmdKeygen(cmdArgs)
	case "list":
		return a.cmdList(ctx, cmdArgs)
	case "get":
		return a.cmdGet(ctx, cmdArgs)
	case "add":
		return a.cmdAdd(ctx, cmdArgs)
	case "set-value":
		return a.cmdSetValue(ctx, cmdArgs)
	case "remove":
		return a.cmdRemove(ctx, cmdArgs)
	case "env":
		return a.cmdEnv(ctx, cmdArgs)
	case "run":
		return a.cmdRun(ctx, cmdArgs)
	case "inject":
		return a.cmdInject(ctx, cmdArgs)
	case "import":
		return a.cmdImport(ctx, cmdArgs)
	case "migrate":
		return a.cmdMigrate(ctx, cmdArgs)
	case "sync":
		return a.cmdSync(ctx, cmdArgs)
	case "verify":
		return a.cmdVerify(ctx, cmdArgs)
	case "audit":
		return a.cmdAudit(ctx, cmdArgs)
	case "serve":
		return a.cmdServe(ctx, cmdArgs)
	case "reload":
		return a.cmdReload(cmdArgs)
	case "mcp":
		return a.cmdMCP(ctx, cmdArgs)
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n%s", cmd, usage)
		return exitConfig
	}
}

// app holds every collaborator, built once and passed explicitly.
type app struct {
	cfg      Config
	settings string
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	getenv   func(string) string

	logger    *slog.Logger
	hub       *streaming.MemoryHub
	validator *validation.JSONSchemaValidator
	engines   expressions.Engines

	// Opened on demand.
	store    store.AuditStore
	vault    *secrets.FileVault
	observer secrets.Observer
}

func newApp(cfg Config, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) (*app, error) {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("selector engines: %w", err)
	}
	return &app{
		cfg:       cfg,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		getenv:    getenv,
		logger:    logging.NewLogger(stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat),
		hub:       streaming.NewMemoryHub(),
		validator: validator,
		engines:   engines,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close audit store", slog.String("error", err.Error()))
		}
	}
}

// masterKey prefers the process environment over the env file.
func (a *app) masterKey() (string, error) {
	if v := a.getenv(a.cfg.KeyVar); v != "" {
		return v, nil
	}
	return dotenv.ReadMasterKey(a.cfg.EnvFile, a.cfg.KeyVar)
}

// openStore opens and migrates the audit database unless auditing is off.
func (a *app) openStore(ctx context.Context) error {
	if a.store != nil || a.cfg.AuditDB == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.AuditDB), 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	s, err := store.NewLibSQLStore(a.cfg.AuditDB)
	if err != nil {
		return err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("migrate audit db: %w", err)
	}
	a.store = s
	return nil
}

// openVault resolves the key, opens the audit store and loads the vault
// with change events fanned out to the audit log and the event hub.
func (a *app) openVault(ctx context.Context) error {
	if a.vault != nil {
		return nil
	}
	if _, err := a.masterKey(); err != nil {
		return err
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}

	fanout := streaming.Fanout{streaming.NewHubObserver(a.hub)}
	if a.store != nil {
		fanout = append(fanout, store.NewAuditObserver(a.store))
	}
	a.observer = fanout

	v, err := a.loadVault()
	if err != nil {
		return err
	}
	a.vault = v
	return nil
}

// loadVault reads the vault file with the current key and observer.
func (a *app) loadVault() (*secrets.FileVault, error) {
	key, err := a.masterKey()
	if err != nil {
		return nil, err
	}
	return secrets.OpenFileVault(key, a.cfg.VaultPath,
		secrets.WithObserver(a.observer),
		secrets.WithValidator(a.validator),
		secrets.WithLogger(a.logger),
	)
}

// fail prints err and maps it to an exit code.
func (a *app) fail(err error) int {
	switch {
	case schema.IsCode(err, schema.ErrCodeInvalidKeyFormat):
		fmt.Fprintf(a.stderr, "Error: %v (check %s)\n", err, a.cfg.KeyVar)
		return exitConfig
	case schema.IsCode(err, schema.ErrCodeVaultLoad):
		fmt.Fprintf(a.stderr, "Error: wrong master key or corrupted vault at %s\n", a.cfg.VaultPath)
		var vErr *schema.VaultError
		if errors.As(err, &vErr) && vErr.Cause != nil {
			a.logger.Debug("vault load failure", slog.String("cause", vErr.Cause.Error()))
		}
		return exitFail
	case schema.IsCode(err, schema.ErrCodeNotFound) && a.vault == nil:
		fmt.Fprintf(a.stderr, "Error: %v (run `vaultctl init` or set %s)\n", err, a.cfg.KeyVar)
		return exitConfig
	default:
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitFail
	}
}

// usageError reports a bad invocation.
func (a *app) usageError(format string, args ...any) int {
	fmt.Fprintf(a.stderr, "Error: "+format+"\n", args...)
	return exitConfig
}
