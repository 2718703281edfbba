package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SweepInterval != 2*time.Minute {
		t.Fatalf("expected two minute sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.NotifyPolicy != "all" {
		t.Fatalf("expected notify-all policy, got %s", cfg.NotifyPolicy)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.SweepLocation != time.UTC {
		t.Fatalf("expected UTC sweep location, got %s", cfg.SweepLocation)
	}
	if cfg.AccessTTL != 30*time.Minute {
		t.Fatalf("unexpected access ttl %s", cfg.AccessTTL)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{
			name:      "missing-secret",
			overrides: map[string]any{},
			wantError: "auth.signing_secret",
		},
		{
			name:      "unknown-policy",
			overrides: map[string]any{"auth.signing_secret": "s", "sweep.notify_policy": "random"},
			wantError: "sweep.notify_policy",
		},
		{
			name:      "smtp-without-address",
			overrides: map[string]any{"auth.signing_secret": "s", "notify.driver": "smtp"},
			wantError: "smtp.address",
		},
		{
			name:      "unknown-driver",
			overrides: map[string]any{"auth.signing_secret": "s", "database.driver": "oracle"},
			wantError: "database.driver",
		},
		{
			name:      "bad-timezone",
			overrides: map[string]any{"auth.signing_secret": "s", "sweep.timezone": "Mars/Olympus"},
			wantError: "sweep.timezone",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), testCase.wantError) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantError, err)
			}
		})
	}
}
