package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "session-secret")
	configViper.Set("tasks.signing_secret", "task-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected database config %q %q", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.DailyLimit != 20 || cfg.MinInterval != 10*time.Second {
		t.Fatalf("unexpected rate limits %d %s", cfg.DailyLimit, cfg.MinInterval)
	}
	if cfg.TimeZone != "Asia/Ho_Chi_Minh" {
		t.Fatalf("unexpected time zone %q", cfg.TimeZone)
	}
	if len(cfg.AllowedRoles) != 2 || cfg.AllowedRoles[0] != "child" || cfg.AllowedRoles[1] != "parent" {
		t.Fatalf("unexpected allowed roles %v", cfg.AllowedRoles)
	}
	if cfg.ClaimLease != 120*time.Second || cfg.RemindInterval != 10*time.Second || cfg.RemindMaxAge != 30*time.Minute {
		t.Fatalf("unexpected fanout timings %s %s %s", cfg.ClaimLease, cfg.RemindInterval, cfg.RemindMaxAge)
	}
	if cfg.PushDriver != PushDriverLog || cfg.QueueDriver != QueueDriverLocal {
		t.Fatalf("unexpected drivers %q %q", cfg.PushDriver, cfg.QueueDriver)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BEACON_AUTH_SIGNING_SECRET", "env-session")
	t.Setenv("BEACON_TASKS_SIGNING_SECRET", "env-task")
	t.Setenv("BEACON_SOS_DAILY_LIMIT", "5")
	t.Setenv("BEACON_SOS_MIN_INTERVAL", "30s")
	t.Setenv("BEACON_DATABASE_DRIVER", "Postgres")
	t.Setenv("BEACON_DATABASE_DSN", "postgres://beacon@localhost/beacon")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SessionSigningSecret != "env-session" || cfg.TaskSigningSecret != "env-task" {
		t.Fatalf("secrets not read from env")
	}
	if cfg.DailyLimit != 5 || cfg.MinInterval != 30*time.Second {
		t.Fatalf("unexpected limits %d %s", cfg.DailyLimit, cfg.MinInterval)
	}
	if cfg.DatabaseDriver != DatabaseDriverPostgres {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
}

func TestLoadValidatesRequiredSettings(t *testing.T) {
	cases := map[string]map[string]any{
		"auth.signing_secret":   {"tasks.signing_secret": "x"},
		"tasks.signing_secret":  {"auth.signing_secret": "x"},
		"database.driver":       {"auth.signing_secret": "x", "tasks.signing_secret": "x", "database.driver": "mysql"},
		"push.credentials_file": {"auth.signing_secret": "x", "tasks.signing_secret": "x", "push.driver": "fcm"},
		"queue.sqs.queue_url":   {"auth.signing_secret": "x", "tasks.signing_secret": "x", "queue.driver": "sqs"},
		"sos.daily_limit":       {"auth.signing_secret": "x", "tasks.signing_secret": "x", "sos.daily_limit": 0},
		"http.allowed_origins":  {"auth.signing_secret": "x", "tasks.signing_secret": "x", "http.allowed_origins": "*, https://app.example.com"},
	}
	for expectedKey, values := range cases {
		t.Run(expectedKey, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), expectedKey) {
				t.Fatalf("expected error to mention %s, got %v", expectedKey, err)
			}
		})
	}
}
