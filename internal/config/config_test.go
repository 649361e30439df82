package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Storage: StorageConfig{Path: "/var/lib/bdaybot/bot.db"},
		Roster: RosterConfig{
			DiskPath:   "disk:/b_day/b_days.xlsx",
			OutputPath: "/var/lib/bdaybot/roster.xlsx",
		},
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Scheduler.PreloadAt != "08:30" || cfg.Scheduler.DeliverAt != "09:00" {
		t.Fatalf("time defaults = %q / %q", cfg.Scheduler.PreloadAt, cfg.Scheduler.DeliverAt)
	}
	if cfg.Scheduler.HorizonDays != 3 {
		t.Fatalf("horizon default = %d", cfg.Scheduler.HorizonDays)
	}
	if cfg.Telegram.RatePerSec != 3 {
		t.Fatalf("rate default = %d", cfg.Telegram.RatePerSec)
	}
	if len(cfg.Roster.Columns) != 3 || cfg.Roster.Columns[2] != "ФИО" {
		t.Fatalf("columns default = %v", cfg.Roster.Columns)
	}
	if cfg.EnvFile != ".env" {
		t.Fatalf("env file default = %q", cfg.EnvFile)
	}
	if cfg.MisfireGraceDuration() != 30*time.Second {
		t.Fatalf("misfire default = %v", cfg.MisfireGraceDuration())
	}
	if !cfg.CoalesceEnabled() {
		t.Fatal("coalesce should default to enabled")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"preload after deliver", func(c *Config) {
			c.Scheduler.PreloadAt = "09:30"
			c.Scheduler.DeliverAt = "09:00"
		}, "earlier than"},
		{"preload equals deliver", func(c *Config) {
			c.Scheduler.PreloadAt = "09:00"
			c.Scheduler.DeliverAt = "09:00"
		}, "earlier than"},
		{"bad time", func(c *Config) { c.Scheduler.PreloadAt = "25:00" }, "preload_at"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "timezone"},
		{"negative horizon", func(c *Config) { c.Scheduler.HorizonDays = -1 }, "horizon_days"},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"missing disk path", func(c *Config) { c.Roster.DiskPath = "" }, "disk_path"},
		{"missing output path", func(c *Config) { c.Roster.OutputPath = "" }, "output_path"},
		{"wrong column count", func(c *Config) { c.Roster.Columns = []string{"a"} }, "columns"},
		{"bad duration", func(c *Config) { c.Telegram.PollTimeout = "ten seconds" }, "poll_timeout"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := ParseHHMM("08:30")
	if err != nil || h != 8 || m != 30 {
		t.Fatalf("ParseHHMM = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"", "0830", "24:00", "08:60", "a:b"} {
		if _, _, err := ParseHHMM(bad); err == nil {
			t.Errorf("ParseHHMM(%q) accepted", bad)
		}
	}
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

const envContent = "# secrets\n" +
	"BOT_TOKEN=bot123\n" +
	"DISK_TOKEN=\"disk456\"\n" +
	"\n" +
	"DISK_APP_ID=app\n" +
	"DISK_APP_SECRET=shh\n"

func TestLoadSecrets(t *testing.T) {
	path := writeEnvFile(t, envContent)
	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.BotToken != "bot123" || s.DiskToken != "disk456" ||
		s.DiskAppID != "app" || s.DiskAppSecret != "shh" {
		t.Fatalf("secrets = %+v", s)
	}
}

func TestLoadSecretsMissingKeys(t *testing.T) {
	path := writeEnvFile(t, "BOT_TOKEN=bot123\n")
	_, err := LoadSecrets(path)
	if err == nil {
		t.Fatal("expected error for missing keys")
	}
	msg := err.Error()
	for _, key := range []string{EnvDiskToken, EnvDiskAppID, EnvDiskAppSecret} {
		if !strings.Contains(msg, key) {
			t.Errorf("error %q does not name %s", msg, key)
		}
	}
	if strings.Contains(msg, EnvBotToken) {
		t.Errorf("error %q names a key that was present", msg)
	}
}

func TestLoadSecretsEnvOverride(t *testing.T) {
	path := writeEnvFile(t, envContent)
	t.Setenv(EnvDiskToken, "from-env")
	s, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.DiskToken != "from-env" {
		t.Fatalf("DiskToken = %q, want process env to win", s.DiskToken)
	}
}

func TestUpdateEnvVarInPlace(t *testing.T) {
	path := writeEnvFile(t, envContent)
	if err := UpdateEnvVar(path, EnvDiskToken, "rotated"); err != nil {
		t.Fatalf("UpdateEnvVar: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	got := string(b)
	if !strings.Contains(got, "DISK_TOKEN=rotated") {
		t.Fatalf("token not rewritten:\n%s", got)
	}
	// Every other line survives untouched, comments and blanks included.
	for _, line := range []string{"# secrets", "BOT_TOKEN=bot123", "DISK_APP_ID=app", "DISK_APP_SECRET=shh"} {
		if !strings.Contains(got, line) {
			t.Errorf("line %q lost:\n%s", line, got)
		}
	}
	if strings.Count(got, "DISK_TOKEN=") != 1 {
		t.Fatalf("duplicate DISK_TOKEN entries:\n%s", got)
	}
}

func TestUpdateEnvVarAppendsMissingKey(t *testing.T) {
	path := writeEnvFile(t, "BOT_TOKEN=bot123\n")
	if err := UpdateEnvVar(path, EnvDiskToken, "fresh"); err != nil {
		t.Fatalf("UpdateEnvVar: %v", err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "DISK_TOKEN=fresh") {
		t.Fatalf("missing appended key:\n%s", b)
	}
}
