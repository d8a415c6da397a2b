package appconfig

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Delay.Duration() != 5*time.Second {
		t.Errorf("Retry.Delay = %v, want 5s", cfg.Retry.Delay.Duration())
	}
	if cfg.Leader.TTL.Duration() != 30*time.Second {
		t.Errorf("Leader.TTL = %v, want 30s", cfg.Leader.TTL.Duration())
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "pg.internal")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("SYNC_SCHEMA", "public,analytics")
	t.Setenv("EXCLUDED_TABLES", `["spatial_ref_sys","geography_columns"]`)
	t.Setenv("RETRY_BACKOFF", "1.5")
	t.Setenv("LEADER_ELECTION_TTL", "45")

	cfg := Defaults()
	applyEnv(&cfg)

	if cfg.Postgres.Host != "pg.internal" {
		t.Errorf("Postgres.Host = %q", cfg.Postgres.Host)
	}
	if cfg.Postgres.Port != 6543 {
		t.Errorf("Postgres.Port = %d", cfg.Postgres.Port)
	}
	if len(cfg.SyncSchemas) != 2 || cfg.SyncSchemas[0] != "public" || cfg.SyncSchemas[1] != "analytics" {
		t.Errorf("SyncSchemas = %v", cfg.SyncSchemas)
	}
	if len(cfg.ExcludedTables) != 2 || cfg.ExcludedTables[0] != "spatial_ref_sys" {
		t.Errorf("ExcludedTables = %v", cfg.ExcludedTables)
	}
	if cfg.Retry.Backoff != 1.5 {
		t.Errorf("Retry.Backoff = %v", cfg.Retry.Backoff)
	}
	if cfg.Leader.TTL.Duration() != 45*time.Second {
		t.Errorf("Leader.TTL = %v", cfg.Leader.TTL.Duration())
	}
}

func TestParseStringSet(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{`["x","y"]`, []string{"x", "y"}},
		{"", nil},
	}
	for _, c := range cases {
		got := parseStringSet(c.in)
		if len(got) != len(c.want) {
			t.Errorf("parseStringSet(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("parseStringSet(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	cfg.Postgres.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing postgres host")
	}
}
