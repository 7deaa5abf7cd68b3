package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rendis/credvault/internal/integrity"
	"github.com/rendis/credvault/internal/panel"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/pkg/schema"
)

// handlerSwapper is an http.Handler that allows atomic handler replacement.
// Used to rebuild the admin API on reload without dropping the listener.
type handlerSwapper struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	return &handlerSwapper{handler: h}
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// Swap replaces the underlying handler atomically.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// liveVault is the vault serve hands to the admin API and the integrity
// checker. Reload swaps the FileVault under the write lock: calls that
// began on the old vault finish before the file is re-read, and every call
// after the swap lands on the new one.
type liveVault struct {
	mu sync.RWMutex
	v  *secrets.FileVault
}

func newLiveVault(v *secrets.FileVault) *liveVault {
	return &liveVault{v: v}
}

func (l *liveVault) current() *secrets.FileVault {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v
}

// replace loads a fresh vault and swaps it in. The current vault stays
// when load fails.
func (l *liveVault) replace(load func() (*secrets.FileVault, error)) (*secrets.FileVault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, err := load()
	if err != nil {
		return nil, err
	}
	l.v = v
	return v, nil
}

func (l *liveVault) AddCredential(ctx context.Context, c schema.Credential) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.AddCredential(ctx, c)
}

func (l *liveVault) UpdateCredentialValue(ctx context.Context, id, value string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.UpdateCredentialValue(ctx, id, value)
}

func (l *liveVault) GetCredential(id string) (schema.Credential, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.GetCredential(id)
}

func (l *liveVault) RemoveCredential(ctx context.Context, id string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.RemoveCredential(ctx, id)
}

func (l *liveVault) ListCredentials() []schema.CredentialSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.ListCredentials()
}

func (l *liveVault) EnvForApp(appID string) map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.EnvForApp(appID)
}

func (l *liveVault) Verify() (secrets.VerifyReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.v.Verify()
}

func (l *liveVault) Path() string { return l.current().Path() }
func (l *liveVault) Len() int     { return l.current().Len() }

// services is what serve runs. The handler is rebuilt on reload; the vault
// and checker live for the whole process.
type services struct {
	vault   *liveVault
	checker *integrity.Checker
	handler http.Handler
}

// buildServices wires the integrity checker and the admin API around v.
func (a *app) buildServices(v *liveVault, checkCfg integrity.Config) (*services, error) {
	checker, err := integrity.NewChecker(v, checkCfg, a.logger,
		integrity.WithRecorder(a.store),
		integrity.WithHub(a.hub),
	)
	if err != nil {
		return nil, err
	}
	return &services{vault: v, checker: checker, handler: a.panelHandler(v, checker)}, nil
}

func (a *app) panelHandler(v *liveVault, checker *integrity.Checker) http.Handler {
	return panel.NewPanelServer(panel.PanelDeps{
		Vault:     v,
		Store:     a.store,
		Hub:       a.hub,
		Checker:   checker,
		Validator: a.validator,
		Engines:   a.engines,
		Logger:    a.logger,
		Token:     a.cfg.APIToken,
	}).Handler()
}

func (a *app) cmdServe(ctx context.Context, args []string) int {
	fs := newFlagSet("serve", a.stderr)
	listen := fs.String("listen", a.cfg.ListenAddr, "address for the admin API")
	cronExpr := fs.String("cron", a.cfg.VerifyCron, "integrity check schedule")
	noWatch := fs.Bool("no-watch", !a.cfg.Watch, "do not re-verify on file changes")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if err := a.openVault(ctx); err != nil {
		return a.fail(err)
	}
	checkCfg := integrity.Config{Cron: *cronExpr, Watch: !*noWatch}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := a.buildServices(newLiveVault(a.vault), checkCfg)
	if err != nil {
		return a.fail(err)
	}
	if err := svc.checker.Start(ctx); err != nil {
		return a.fail(err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		_ = svc.checker.Stop()
		return a.fail(fmt.Errorf("listen %s: %w", *listen, err))
	}
	swapper := newHandlerSwapper(svc.handler)
	httpSrv := &http.Server{
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := writePID(a.cfg.PidFile); err != nil {
		a.logger.Warn("write pid file", slog.String("error", err.Error()))
	} else {
		defer os.Remove(a.cfg.PidFile)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	a.logger.Info("admin API listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("vault", a.cfg.VaultPath),
		slog.Bool("auth", a.cfg.APIToken != ""),
	)
	fmt.Fprintf(a.stdout, "Serving %s on http://%s\n", a.cfg.VaultPath, ln.Addr())

	code := exitOK
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin API stopped", slog.String("error", err.Error()))
				code = exitFail
			}
			break loop
		case <-hup:
			if next, err := a.reloadServices(ctx, svc); err != nil {
				a.logger.Error("reload failed, keeping current vault", slog.String("error", err.Error()))
			} else {
				svc = next
				swapper.Swap(svc.handler)
				a.logger.Info("reloaded", slog.Int("credentials", svc.vault.Len()))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown", slog.String("error", err.Error()))
	}
	if err := svc.checker.Stop(); err != nil {
		a.logger.Warn("stop integrity checker", slog.String("error", err.Error()))
	}
	return code
}

// reloadServices re-reads the vault file and the API token, then runs an
// integrity check against the new vault. On error the current vault and
// handler keep serving.
func (a *app) reloadServices(ctx context.Context, cur *services) (*services, error) {
	v, err := cur.vault.replace(a.loadVault)
	if err != nil {
		return nil, err
	}
	a.vault = v
	a.cfg.APIToken = loadConfig(a.settings, a.getenv).APIToken

	next := &services{vault: cur.vault, checker: cur.checker, handler: a.panelHandler(cur.vault, cur.checker)}
	if res := next.checker.Check(ctx, integrity.TriggerReload); !res.OK() {
		a.logger.Warn("reloaded vault failed verification", slog.String("error", res.Error))
	}
	return next, nil
}

func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// runningServer returns the live process recorded in the pid file.
func runningServer(pidFile string) (*os.Process, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return nil, fmt.Errorf("no running server (%w)", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed pid file %s", pidFile)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("server (PID %d) is not running", pid)
	}
	return proc, nil
}

// cmdReload sends SIGHUP to a running server.
func (a *app) cmdReload(args []string) int {
	if len(args) > 0 {
		return a.usageError("reload takes no arguments")
	}
	proc, err := runningServer(a.cfg.PidFile)
	if err != nil {
		return a.fail(err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.stdout, "Signaled running server (PID %d) to reload\n", proc.Pid)
	return exitOK
}
