package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rendis/credvault/internal/dotenv"
	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/launcher"
	"github.com/rendis/credvault/pkg/schema"
)

func (a *app) cmdEnv(ctx context.Context, args []string) int {
	fs := newFlagSet("env", a.stderr)
	format := fs.String("format", "dotenv", "output format: dotenv or json")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		return a.usageError("env takes exactly one app id")
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	env := a.vault.EnvForApp(fs.Arg(0))

	switch *format {
	case "json":
		return a.printJSON(env)
	case "dotenv":
		out, err := godotenv.Marshal(env)
		if err != nil {
			return a.fail(err)
		}
		if out != "" {
			fmt.Fprintln(a.stdout, out)
		}
		return exitOK
	default:
		return a.usageError("unknown format %q", *format)
	}
}

// staticEnv serves variables read from a local env file when the vault
// cannot be opened.
type staticEnv struct {
	path string
	vars map[string]string
}

func (s staticEnv) EnvForApp(string) map[string]string { return s.vars }
func (s staticEnv) Path() string                        { return s.path }

func (a *app) cmdRun(ctx context.Context, args []string) int {
	fs := newFlagSet("run", a.stderr)
	shell := fs.Bool("shell", false, "run the command through /bin/sh -c")
	noFallback := fs.Bool("no-fallback", false, "fail instead of reading .env.local when the vault is unavailable")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return a.usageError("run needs APP -- CMD [ARGS...]")
	}
	appID, cmdline := rest[0], rest[1:]
	if cmdline[0] == "--" {
		cmdline = cmdline[1:]
	}
	if len(cmdline) == 0 {
		return a.usageError("run needs a command after --")
	}

	var source launcher.EnvSource
	var opts []launcher.Option
	if err := a.openVault(ctx); err != nil {
		if *noFallback || !fallbackAllowed(err) {
			return a.fail(err)
		}
		vars, lerr := dotenv.ReadLocal(".")
		if lerr != nil {
			return a.fail(lerr)
		}
		a.logger.Warn("vault unavailable, using local env file",
			"file", dotenv.LocalFile,
			"error", err.Error(),
		)
		source = staticEnv{path: dotenv.LocalFile, vars: vars}
	} else {
		source = a.vault
		opts = append(opts, launcher.WithObserver(a.observer))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := launcher.New(source, a.logger, opts...).Run(ctx, launcher.Spec{
		AppID:   appID,
		Command: cmdline[0],
		Args:    cmdline[1:],
		Shell:   *shell,
		Stdin:   a.stdin,
		Stdout:  a.stdout,
		Stderr:  a.stderr,
	})
	if err != nil {
		return a.fail(err)
	}
	return res.ExitCode
}

// fallbackAllowed reports whether a vault open failure may fall back to
// the local env file: a missing, malformed or wrong key, or an unreadable
// vault.
func fallbackAllowed(err error) bool {
	return schema.IsCode(err, schema.ErrCodeVaultLoad) ||
		schema.IsCode(err, schema.ErrCodeInvalidKeyFormat) ||
		schema.IsCode(err, schema.ErrCodeNotFound)
}

func (a *app) cmdInject(ctx context.Context, args []string) int {
	fs := newFlagSet("inject", a.stderr)
	file := fs.String("file", "", "template file (default stdin)")
	out := fs.String("out", "", "write the result to this file (mode 0600) instead of stdout")
	jsonQuote := fs.Bool("json", false, "escape values for a JSON template")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		return a.usageError("inject takes exactly one app id")
	}

	var tmpl []byte
	var err error
	if *file == "" {
		tmpl, err = io.ReadAll(a.stdin)
	} else {
		tmpl, err = os.ReadFile(*file)
	}
	if err != nil {
		return a.fail(fmt.Errorf("read template: %w", err))
	}

	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	appID := fs.Arg(0)
	rendered, err := expressions.Inject(string(tmpl), expressions.InjectScope{
		AppID:   appID,
		Secrets: a.vault.EnvForApp(appID),
	}, expressions.InjectOptions{JSONQuote: *jsonQuote})
	if err != nil {
		return a.fail(err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(rendered), 0o600); err != nil {
			return a.fail(fmt.Errorf("write %s: %w", *out, err))
		}
		return exitOK
	}
	fmt.Fprint(a.stdout, rendered)
	return exitOK
}
