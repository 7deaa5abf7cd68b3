package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rendis/credvault/internal/dotenv"
	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/pkg/schema"
)

// cmdInit reuses or generates the master key and creates an empty vault.
func (a *app) cmdInit(ctx context.Context, args []string) int {
	if err := newFlagSet("init", a.stderr).Parse(args); err != nil {
		return exitConfig
	}

	if a.getenv(a.cfg.KeyVar) != "" {
		fmt.Fprintf(a.stdout, "Using %s from the environment\n", a.cfg.KeyVar)
	} else {
		_, created, err := dotenv.EnsureMasterKey(a.cfg.EnvFile, a.cfg.KeyVar)
		if err != nil {
			return a.fail(err)
		}
		if created {
			fmt.Fprintf(a.stdout, "Generated new master key in %s (do not commit this file)\n", a.cfg.EnvFile)
		} else {
			fmt.Fprintf(a.stdout, "Found existing master key in %s\n", a.cfg.EnvFile)
		}
	}

	_, statErr := os.Stat(a.cfg.VaultPath)
	exists := statErr == nil
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	if exists {
		fmt.Fprintf(a.stdout, "Vault already exists at %s (%d credentials)\n", a.cfg.VaultPath, a.vault.Len())
		return exitOK
	}
	if !errors.Is(statErr, os.ErrNotExist) {
		return a.fail(statErr)
	}
	if err := a.vault.Save(); err != nil {
		return a.fail(err)
	}
	if a.store != nil {
		if err := a.store.AppendAudit(ctx, &store.AuditEntry{
			VaultPath: a.cfg.VaultPath,
			Action:    schema.EventVaultCreated,
			Actor:     "cli",
			Timestamp: time.Now().UTC(),
		}); err != nil {
			a.logger.Warn("audit vault creation failed", "error", err)
		}
	}
	fmt.Fprintf(a.stdout, "Created empty vault at %s\n", a.cfg.VaultPath)
	return exitOK
}

func (a *app) cmdKeygen(args []string) int {
	if len(args) > 0 {
		return a.usageError("keygen takes no arguments")
	}
	key, err := secrets.GenerateMasterKey()
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, key)
	return exitOK
}

func (a *app) cmdList(ctx context.Context, args []string) int {
	fs := newFlagSet("list", a.stderr)
	where := fs.String("where", "", "selector expression")
	engineName := fs.String("engine", expressions.DefaultEngine, "selector engine: cel, expr, jq")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}

	summaries := a.vault.ListCredentials()
	if *where != "" {
		engine, err := a.engines.Get(*engineName)
		if err != nil {
			return a.fail(err)
		}
		summaries, err = expressions.Select(ctx, engine, *where, summaries)
		if err != nil {
			return a.fail(err)
		}
	}

	if *asJSON {
		return a.printJSON(summaries)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCOPES\tUPDATED\tDESCRIPTION")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, strings.Join(s.Scopes, ","), s.UpdatedAt, s.Description)
	}
	tw.Flush()
	return exitOK
}

func (a *app) cmdGet(ctx context.Context, args []string) int {
	fs := newFlagSet("get", a.stderr)
	showValue := fs.Bool("value", false, "print only the raw value")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		return a.usageError("get takes exactly one credential id")
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	c, ok := a.vault.GetCredential(fs.Arg(0))
	if !ok {
		fmt.Fprintf(a.stderr, "Error: credential %q not found\n", fs.Arg(0))
		return exitFail
	}
	if *showValue {
		fmt.Fprintln(a.stdout, c.Value)
		return exitOK
	}
	return a.printJSON(c.Summary())
}

func (a *app) cmdAdd(ctx context.Context, args []string) int {
	fs := newFlagSet("add", a.stderr)
	id := fs.String("id", "", "credential id (also the env var name)")
	value := fs.String("value", "", `secret value; "-" reads stdin`)
	description := fs.String("description", "", "description")
	var scopes stringList
	fs.Var(&scopes, "scope", "scope tag: global or app:<id> (repeatable)")
	meta := keyValues{}
	fs.Var(meta, "meta", "metadata key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	v, err := a.readValue(*value)
	if err != nil {
		return a.fail(err)
	}
	c := schema.Credential{
		ID:          *id,
		Value:       v,
		Description: *description,
		Scopes:      scopes,
		Metadata:    meta,
	}
	if err := a.validator.ValidateCredential(c); err != nil {
		return a.fail(err)
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	if err := a.vault.AddCredential(ctx, c); err != nil {
		return a.fail(err)
	}
	stored, _ := a.vault.GetCredential(c.ID)
	fmt.Fprintf(a.stdout, "Stored %s (scopes: %s)\n", c.ID, strings.Join(stored.Scopes, ", "))
	return exitOK
}

func (a *app) cmdSetValue(ctx context.Context, args []string) int {
	if len(args) != 2 {
		return a.usageError("set-value takes ID and VALUE")
	}
	v, err := a.readValue(args[1])
	if err != nil {
		return a.fail(err)
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	ok, err := a.vault.UpdateCredentialValue(ctx, args[0], v)
	if err != nil {
		return a.fail(err)
	}
	if !ok {
		fmt.Fprintf(a.stderr, "Error: credential %q not found\n", args[0])
		return exitFail
	}
	fmt.Fprintf(a.stdout, "Updated %s\n", args[0])
	return exitOK
}

func (a *app) cmdRemove(ctx context.Context, args []string) int {
	if len(args) != 1 {
		return a.usageError("remove takes exactly one credential id")
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	removed, err := a.vault.RemoveCredential(ctx, args[0])
	if err != nil {
		return a.fail(err)
	}
	if !removed {
		fmt.Fprintf(a.stderr, "Error: credential %q not found\n", args[0])
		return exitFail
	}
	fmt.Fprintf(a.stdout, "Removed %s\n", args[0])
	return exitOK
}

// readValue returns v, or stdin with the trailing newline trimmed when v
// is "-".
func (a *app) readValue(v string) (string, error) {
	if v != "-" {
		return v, nil
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return "", fmt.Errorf("read value from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (a *app) printJSON(v any) int {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return a.fail(err)
	}
	return exitOK
}
