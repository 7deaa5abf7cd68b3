package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all vaultctl configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	VaultPath  string `json:"vault_path"`
	EnvFile    string `json:"env_file"`
	KeyVar     string `json:"key_var"`
	AuditDB    string `json:"audit_db"`
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`
	VerifyCron string `json:"verify_cron"`
	Watch      bool   `json:"watch"`
	APIToken   string `json:"api_token,omitempty"`
	PidFile    string `json:"pid_file"`
}

func defaultConfig() Config {
	return Config{
		VaultPath:  filepath.Join("secrets", "vault.encrypted.json"),
		EnvFile:    ".env",
		KeyVar:     "CREDVAULT_MASTER_KEY",
		AuditDB:    filepath.Join(credvaultDir(), "audit.db"),
		ListenAddr: "127.0.0.1:4300",
		LogLevel:   "info",
		LogFormat:  "text",
		VerifyCron: "*/15 * * * *",
		Watch:      true,
		PidFile:    filepath.Join(credvaultDir(), "vaultctl.pid"),
	}
}

func credvaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".credvault"
	}
	return filepath.Join(home, ".credvault")
}

func settingsPath() string {
	return filepath.Join(credvaultDir(), "settings.json")
}

// loadConfig layers settings.json (ignored if missing) and env vars over
// the defaults. getenv is os.Getenv outside tests.
func loadConfig(settings string, getenv func(string) string) Config {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settings); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := getenv("CREDVAULT_VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := getenv("CREDVAULT_ENV_FILE"); v != "" {
		cfg.EnvFile = v
	}
	if v := getenv("CREDVAULT_KEY_VAR"); v != "" {
		cfg.KeyVar = v
	}
	if v := getenv("CREDVAULT_AUDIT_DB"); v != "" {
		cfg.AuditDB = v
	}
	if v := getenv("CREDVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("CREDVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CREDVAULT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("CREDVAULT_VERIFY_CRON"); v != "" {
		cfg.VerifyCron = v
	}
	if v := getenv("CREDVAULT_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch = b
		}
	}
	if v := getenv("CREDVAULT_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := getenv("CREDVAULT_PID_FILE"); v != "" {
		cfg.PidFile = v
	}
	return cfg
}

// bindGlobalFlags registers the flags accepted before the subcommand.
// Parsed values overwrite cfg in place.
func bindGlobalFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.VaultPath, "vault", cfg.VaultPath, "encrypted vault file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, ".env file holding the master key")
	fs.StringVar(&cfg.KeyVar, "key-var", cfg.KeyVar, "name of the master key variable")
	fs.StringVar(&cfg.AuditDB, "audit-db", cfg.AuditDB, "audit database path (empty disables auditing)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
}
