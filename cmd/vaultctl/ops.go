package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rendis/credvault/internal/integrity"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/mcp"
	"github.com/rendis/credvault/pkg/schema"
)

// verifyOutput is the JSON shape of vaultctl verify.
type verifyOutput struct {
	Check    integrity.Result         `json:"check"`
	SHA256   string                   `json:"sha256,omitempty"`
	Sums     string                   `json:"sums,omitempty"`
	SumsErr  string                   `json:"sums_error,omitempty"`
	Issues   *schema.ValidationResult `json:"issues"`
	Verified bool                     `json:"verified"`
}

// cmdVerify decrypts the vault file again, lints the catalog and prints
// the file fingerprint. Every failed check becomes an error issue; exit
// status 1 means at least one was found.
func (a *app) cmdVerify(ctx context.Context, args []string) int {
	fs := newFlagSet("verify", a.stderr)
	sums := fs.String("sums", "", "shasum -a 256 file the vault must match")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}

	checker, err := integrity.NewChecker(a.vault, integrity.Config{Cron: a.cfg.VerifyCron}, a.logger,
		integrity.WithRecorder(a.store),
		integrity.WithHub(a.hub),
	)
	if err != nil {
		return a.fail(err)
	}
	out := verifyOutput{Check: checker.Check(ctx, integrity.TriggerManual)}

	hash, err := sha256File(a.cfg.VaultPath)
	switch {
	case err == nil:
		out.SHA256 = hash
	case !errors.Is(err, os.ErrNotExist):
		return a.fail(err)
	}
	if *sums != "" {
		out.Sums = *sums
		if out.SHA256 == "" {
			out.SumsErr = "vault file does not exist"
		} else if err := matchChecksum(*sums, a.cfg.VaultPath, out.SHA256); err != nil {
			out.SumsErr = err.Error()
		}
	}

	summaries := a.vault.ListCredentials()
	creds := make([]schema.Credential, 0, len(summaries))
	for _, s := range summaries {
		if c, ok := a.vault.GetCredential(s.ID); ok {
			creds = append(creds, c)
		}
	}
	out.Issues = &schema.ValidationResult{}
	if !out.Check.OK() {
		out.Issues.AddError("vault", schema.ErrCodeVaultLoad, out.Check.Error)
	}
	if out.SumsErr != "" {
		out.Issues.AddError("sums", schema.ErrCodeValidation, out.SumsErr)
	}
	out.Issues.Merge(validation.Lint(creds))
	out.Verified = out.Issues.Valid()

	if *asJSON {
		if code := a.printJSON(out); code != exitOK {
			return code
		}
	} else {
		a.printVerify(out)
	}
	if err := out.Issues.ToError(); err != nil {
		return a.fail(err)
	}
	return exitOK
}

func (a *app) printVerify(out verifyOutput) {
	w := a.stdout
	if out.Check.OK() {
		fmt.Fprintf(w, "decrypt   ok (%d credentials)\n", out.Check.Report.Credentials)
		if out.Check.Report.Diverged {
			fmt.Fprintln(w, "          file differs from the loaded catalog")
		}
	} else {
		fmt.Fprintln(w, "decrypt   FAILED")
	}
	if out.SHA256 != "" {
		fmt.Fprintf(w, "sha256    %s\n", checksumLine(out.SHA256, a.cfg.VaultPath))
	} else {
		fmt.Fprintln(w, "sha256    vault file not written yet")
	}
	if out.Sums != "" {
		if out.SumsErr == "" {
			fmt.Fprintf(w, "sums      ok (%s)\n", out.Sums)
		} else {
			fmt.Fprintln(w, "sums      FAILED")
		}
	}
	for _, issue := range out.Issues.Errors {
		fmt.Fprintf(w, "error     %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range out.Issues.Warnings {
		fmt.Fprintf(w, "warning   %s: %s\n", issue.Path, issue.Message)
	}
}

func (a *app) cmdAudit(ctx context.Context, args []string) int {
	fs := newFlagSet("audit", a.stderr)
	credential := fs.String("credential", "", "only entries for this credential")
	action := fs.String("action", "", "only entries with this action")
	actor := fs.String("actor", "", "only entries by this actor")
	since := fs.Duration("since", 0, "only entries newer than this, e.g. 24h")
	limit := fs.Int("limit", 50, "maximum entries")
	all := fs.Bool("all", false, "include every vault, not just --vault")
	check := fs.Bool("check", false, "verify the audit sequence has no gaps")
	vacuum := fs.Bool("vacuum", false, "compact the audit database")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if a.cfg.AuditDB == "" {
		return a.usageError("auditing is disabled (empty --audit-db)")
	}
	if err := a.openStore(ctx); err != nil {
		return a.fail(err)
	}

	if *vacuum {
		if err := a.store.Vacuum(ctx); err != nil {
			return a.fail(err)
		}
		fmt.Fprintln(a.stdout, "Audit database compacted")
		return exitOK
	}
	if *check {
		if err := a.store.CheckSequence(ctx, a.cfg.VaultPath); err != nil {
			return a.fail(err)
		}
		version, err := a.store.SchemaVersion(ctx)
		if err != nil {
			return a.fail(err)
		}
		fmt.Fprintf(a.stdout, "Audit trail for %s is complete (schema v%d)\n", a.cfg.VaultPath, version)
		return exitOK
	}

	filter := store.AuditFilter{
		CredentialID: *credential,
		Action:       *action,
		Actor:        *actor,
		Limit:        *limit,
	}
	if !*all {
		filter.VaultPath = a.cfg.VaultPath
	}
	if *since > 0 {
		t := time.Now().Add(-*since)
		filter.Since = &t
	}
	entries, err := a.store.ListAudit(ctx, filter)
	if err != nil {
		return a.fail(err)
	}

	if *asJSON {
		if entries == nil {
			entries = []*store.AuditEntry{}
		}
		return a.printJSON(entries)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEQ\tACTION\tCREDENTIAL\tACTOR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Sequence, e.Action, e.CredentialID, e.Actor)
	}
	tw.Flush()
	return exitOK
}

// cmdMCP serves the vault tools on stdio. Logs stay on stderr.
func (a *app) cmdMCP(ctx context.Context, args []string) int {
	if err := newFlagSet("mcp", a.stderr).Parse(args); err != nil {
		return exitConfig
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := mcp.NewVaultServer(mcp.VaultServerDeps{
		Vault:   a.vault,
		Store:   a.store,
		Engines: a.engines,
		Hub:     a.hub,
		Logger:  a.logger,
		Version: version,
	})
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return a.fail(err)
	}
	return exitOK
}

