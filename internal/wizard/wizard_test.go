package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/pkg/cli"
)

func runWizard(t *testing.T, input string) config.Config {
	t.Helper()

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "aihub.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg
}

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",           // listen address
		"1",               // storage: sqlite
		"./data/aihub.db", // sqlite path
		"gsk_test_key",    // groq api key
		"",                // remove.bg key skipped
		"n",               // google sign-in
		"n",               // stripe billing
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want :9090", cfg.Server.Addr)
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "./data/aihub.db" {
		t.Errorf("storage = %q/%q", cfg.Storage.Driver, cfg.Storage.DSN)
	}
	if cfg.Providers.Chat.APIKey != "gsk_test_key" {
		t.Errorf("chat api key = %q", cfg.Providers.Chat.APIKey)
	}
	if cfg.Billing.Enabled {
		t.Error("billing enabled without opting in")
	}
}

func TestWizard_PostgresWithBilling(t *testing.T) {
	input := strings.Join([]string{
		"", // listen address (default :8080)
		"2", // storage: postgres
		"postgres://aihub:pass@db:5432/aihub", // DSN
		"gsk_test_key",  // groq api key
		"rbg_test_key",  // remove.bg key
		"y",             // google sign-in
		"client-123",    // google client id
		"y",             // stripe billing
		"sk_test_key",   // stripe secret
		"whsec_test",    // webhook secret
		"",              // client url (default)
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr = %q, want default :8080", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "postgres://aihub:pass@db:5432/aihub" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Auth.GoogleClientID != "client-123" {
		t.Errorf("google client id = %q", cfg.Auth.GoogleClientID)
	}
	if !cfg.Billing.Enabled || cfg.Billing.StripeSecretKey != "sk_test_key" {
		t.Errorf("billing = %+v, want enabled with sk_test_key", cfg.Billing)
	}
	if cfg.Billing.ClientURL != "http://localhost:5173" {
		t.Errorf("client url = %q, want default", cfg.Billing.ClientURL)
	}
}

func TestRunDefaults_Env(t *testing.T) {
	t.Setenv("AIHUB_ADDR", ":7070")
	t.Setenv("AIHUB_STORAGE_DRIVER", "sqlite")
	t.Setenv("AIHUB_STORAGE_DSN", "/tmp/aihub-test.db")
	t.Setenv("AIHUB_GROQ_API_KEY", "gsk_env_key")
	t.Setenv("AIHUB_STRIPE_SECRET_KEY", "sk_env_key")
	t.Setenv("AIHUB_STRIPE_WEBHOOK_SECRET", "whsec_env")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "aihub.json")
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want :7070", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "/tmp/aihub-test.db" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Providers.Chat.APIKey != "gsk_env_key" {
		t.Errorf("chat api key = %q", cfg.Providers.Chat.APIKey)
	}
	if !cfg.Billing.Enabled || cfg.Billing.StripeWebhookSecret != "whsec_env" {
		t.Errorf("billing = %+v, want enabled via env", cfg.Billing)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("jwt secret length = %d, want 64", len(cfg.Auth.JWTSecret))
	}
}

func TestRunDefaults_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("AIHUB_STORAGE_DRIVER", "postgres")
	t.Setenv("AIHUB_STORAGE_DSN", "")

	p := &cli.Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	err := New(p).RunDefaults(filepath.Join(t.TempDir(), "aihub.json"))
	if err == nil || !strings.Contains(err.Error(), "AIHUB_STORAGE_DSN") {
		t.Errorf("RunDefaults() error = %v, want DSN requirement", err)
	}
}
