package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	want := []time.Duration{0, time.Second, 2 * time.Second}
	got := cfg.Saga.Backoff()
	if len(got) != len(want) {
		t.Fatalf("backoff = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff = %v, want %v", got, want)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Lock.Backend = "etcd"
	cfg.Saga.MinTriggerDistancePct = "abc"
	cfg.Exchanges = map[string]ExchangeConfig{"kraken": {}}
	cfg.Credentials = []CredentialConfig{
		{UserID: "u1", Exchange: "binance", APIKey: "enc:v1:xx", APISecret: "s"},
		{UserID: "u1", Exchange: "BINANCE", APIKey: "k", APISecret: "s"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, frag := range []string{
		`unknown mode "trade"`,
		`lock: unknown backend "etcd"`,
		"min_trigger_distance_pct",
		`exchanges: unknown exchange "kraken"`,
		"duplicate entry for u1/binance",
		"vault: password is required",
	} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error missing %q:\n%v", frag, err)
		}
	}
}

func TestValidateModeSpecific(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"reconcile without redis", func(c *Config) {
			c.Mode = "reconcile"
			c.Lock.Backend = "memory"
			c.Redis.Addr = ""
		}, true},
		{"worker without redis", func(c *Config) { c.Redis.Addr = "" }, false},
		{"postgres lock without postgres", func(c *Config) { c.Lock.Backend = "postgres" }, false},
		{"postgres lock with dsn", func(c *Config) {
			c.Lock.Backend = "postgres"
			c.Postgres.DSN = "postgres://localhost/fundingarb"
		}, true},
		{"wait policy needs timeout", func(c *Config) {
			c.Lock.Policy = "wait"
			c.Lock.WaitTimeout.Duration = 0
		}, false},
		{"empty backoff", func(c *Config) { c.Saga.RollbackBackoff = nil }, false},
		{"lock ttl shorter than a leg", func(c *Config) { c.Lock.TTL.Duration = 5 * time.Second }, false},
		{"lock ttl equal to a leg", func(c *Config) { c.Lock.TTL.Duration = c.Saga.LegTimeout.Duration }, true},
		{"no protect timeout", func(c *Config) { c.Saga.ProtectTimeout.Duration = 0 }, false},
		{"half telegram", func(c *Config) { c.Notify.TelegramToken = "t" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "worker"

[lock]
backend = "memory"
ttl = "30s"

[saga]
leg_timeout = "3s"
rollback_backoff = ["0s", "500ms"]
min_trigger_distance_pct = "0.2"

[exchanges.okx]
base_url = "https://okx.example"
requests_per_second = 5.5

[[credentials]]
user_id = "u1"
exchange = "okx"
api_key = "k"
api_secret = "s"
passphrase = "p"
testnet = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FUNDINGARB_LOCK_TTL", "45s")
	t.Setenv("FUNDINGARB_VAULT_PASSWORD", "hunter2")
	t.Setenv("FUNDINGARB_SAGA_ROLLBACK_BACKOFF", "0s, 2s, 4s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "worker" || cfg.Lock.Backend != "memory" {
		t.Fatalf("mode/backend = %s/%s", cfg.Mode, cfg.Lock.Backend)
	}
	if cfg.Lock.TTL.Duration != 45*time.Second {
		t.Fatalf("env override not applied: ttl = %v", cfg.Lock.TTL)
	}
	if cfg.Saga.LegTimeout.Duration != 3*time.Second {
		t.Fatalf("leg timeout = %v", cfg.Saga.LegTimeout)
	}
	if b := cfg.Saga.Backoff(); len(b) != 3 || b[2] != 4*time.Second {
		t.Fatalf("backoff = %v", b)
	}
	if pct, _ := cfg.Saga.MinTriggerDistance(); pct.String() != "0.2" {
		t.Fatalf("min trigger distance = %s", pct)
	}
	if ex := cfg.Exchanges["okx"]; ex.BaseURL != "https://okx.example" || ex.RequestsPerSecond != 5.5 {
		t.Fatalf("exchange = %+v", ex)
	}
	if len(cfg.Credentials) != 1 || !cfg.Credentials[0].Testnet || cfg.Credentials[0].Passphrase != "p" {
		t.Fatalf("credentials = %+v", cfg.Credentials)
	}
	// Defaults survive for untouched sections.
	if cfg.Worker.Stream != "open_requests" || cfg.Saga.PriceTimeout.Duration != 5*time.Second {
		t.Fatalf("defaults lost: %+v %+v", cfg.Worker, cfg.Saga)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg"
	cfg.Vault.Password = "vault"
	cfg.Notify.TelegramToken = "tg"
	cfg.Credentials = []CredentialConfig{{UserID: "u1", Exchange: "gate", APIKey: "k", APISecret: "s"}}

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != redacted || out.Vault.Password != redacted || out.Notify.TelegramToken != redacted {
		t.Fatalf("secrets leaked: %+v", out)
	}
	if out.Credentials[0].APIKey != redacted || out.Credentials[0].APISecret != redacted {
		t.Fatalf("credential leaked: %+v", out.Credentials[0])
	}
	if out.Credentials[0].Passphrase != "" || out.Redis.Password != "" {
		t.Fatal("empty secrets must stay empty")
	}
	if cfg.Credentials[0].APIKey != "k" || cfg.Vault.Password != "vault" {
		t.Fatal("original config mutated")
	}
	out.Notify.Events[0] = "changed"
	if cfg.Notify.Events[0] == "changed" {
		t.Fatal("events slice shared with original")
	}
}
