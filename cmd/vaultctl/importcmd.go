package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rendis/credvault/internal/dotenv"
)

func (a *app) cmdImport(ctx context.Context, args []string) int {
	fs := newFlagSet("import", a.stderr)
	file := fs.String("file", ".env", "env file to read")
	mapFile := fs.String("map", "", "JSON mapping of variable name to {scopes, description}")
	provider := fs.String("provider", "manual", "provider metadata for imported credentials")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *mapFile == "" {
		return a.usageError("import needs --map")
	}
	data, err := os.ReadFile(*mapFile)
	if err != nil {
		return a.fail(fmt.Errorf("read mapping: %w", err))
	}
	var m dotenv.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return a.fail(fmt.Errorf("parse mapping %s: %w", *mapFile, err))
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	report, err := dotenv.Import(ctx, a.vault, *file, m, *provider)
	return a.printReport(report, err, *asJSON)
}

func (a *app) cmdMigrate(ctx context.Context, args []string) int {
	fs := newFlagSet("migrate", a.stderr)
	file := fs.String("file", ".env", "env file to read")
	scope := fs.String("scope", "", "scope for every imported key, e.g. app:api")
	provider := fs.String("provider", "manual", "provider metadata")
	service := fs.String("service", "", "service metadata")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *scope == "" {
		return a.usageError("migrate needs --scope")
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	report, err := dotenv.Migrate(ctx, a.vault, *file, *scope, *provider, *service)
	return a.printReport(report, err, *asJSON)
}

func (a *app) cmdSync(ctx context.Context, args []string) int {
	fs := newFlagSet("sync", a.stderr)
	file := fs.String("file", dotenv.LocalFile, "env file to read")
	keys := fs.String("keys", "", "comma separated keys to sync (default all)")
	var scopes stringList
	fs.Var(&scopes, "scope", "scope for newly added keys (repeatable)")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	report, err := dotenv.Sync(ctx, a.vault, *file, splitList(*keys), scopes)
	return a.printReport(report, err, *asJSON)
}

// printReport prints what an import did. Partial progress is shown before
// any error is reported.
func (a *app) printReport(r dotenv.Report, err error, asJSON bool) int {
	if asJSON {
		if code := a.printJSON(r); code != exitOK {
			return code
		}
	} else {
		if r.Skipped {
			fmt.Fprintf(a.stdout, "%s not found, nothing imported\n", r.File)
		}
		for _, line := range []struct {
			label string
			keys  []string
		}{
			{"imported", r.Imported},
			{"updated", r.Updated},
			{"unchanged", r.Unchanged},
			{"missing", r.Missing},
		} {
			if len(line.keys) > 0 {
				fmt.Fprintf(a.stdout, "%-9s %s\n", line.label, strings.Join(line.keys, ", "))
			}
		}
		if !r.Skipped {
			fmt.Fprintf(a.stdout, "%d credentials written from %s\n", r.Total(), r.File)
		}
	}
	if err != nil {
		return a.fail(err)
	}
	return exitOK
}
