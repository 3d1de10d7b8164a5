package config

import (
	"path/filepath"
	"testing"

	"github.com/fentz26/agentbridge/internal/store"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := New(st)
	if err := cfg.InitDefaults(); err != nil {
		t.Fatalf("InitDefaults: %v", err)
	}
	return cfg
}

func TestInitDefaultsPopulatesAllKeys(t *testing.T) {
	cfg := newTestConfig(t)

	all, err := cfg.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != len(defaults) {
		t.Fatalf("expected %d keys, got %d: %v", len(defaults), len(all), all)
	}
	for key := range defaults {
		if _, ok := all[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if all[KeyPermissionMode] != "default" {
		t.Errorf("permissionMode = %q, want default", all[KeyPermissionMode])
	}
}

func TestInitDefaultsDoesNotOverwrite(t *testing.T) {
	cfg := newTestConfig(t)

	if err := cfg.Set(KeyModel, "sonnet"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cfg.InitDefaults(); err != nil {
		t.Fatalf("InitDefaults: %v", err)
	}
	if got := cfg.String(KeyModel); got != "sonnet" {
		t.Errorf("model = %q, want sonnet", got)
	}
}

func TestTypedGetters(t *testing.T) {
	cfg := newTestConfig(t)

	if got := cfg.Int(KeyMaxTurns); got != 200 {
		t.Errorf("maxTurns = %d, want 200", got)
	}
	if got := cfg.Int(KeyPermissionTimeoutSec); got != 120 {
		t.Errorf("permissionTimeoutSec = %d, want 120", got)
	}
	if cfg.Bool(KeyStreamReplies) {
		t.Error("streamReplies should default to false")
	}
	if got := cfg.String(KeyLanguage); got != "en" {
		t.Errorf("language = %q, want en", got)
	}

	if err := cfg.Set(KeyMaxTurns, "50"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := cfg.Int(KeyMaxTurns); got != 50 {
		t.Errorf("maxTurns = %d, want 50", got)
	}
	if err := cfg.Set(KeyStreamReplies, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !cfg.Bool(KeyStreamReplies) {
		t.Error("streamReplies should be true after Set")
	}
}

func TestIntFallsBackOnGarbage(t *testing.T) {
	cfg := newTestConfig(t)

	if err := cfg.Set(KeyMaxTurns, "not-a-number"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := cfg.Int(KeyMaxTurns); got != 200 {
		t.Errorf("maxTurns = %d, want default 200 on unparseable value", got)
	}
}

func TestSetRejectsUnknownKey(t *testing.T) {
	cfg := newTestConfig(t)

	if err := cfg.Set("nope", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if ValidKey("nope") {
		t.Error("ValidKey should reject unknown key")
	}
	if !ValidKey(KeyWorkDir) {
		t.Error("ValidKey should accept workDir")
	}
}

func TestSetStringRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)

	if err := cfg.Set(KeyLanguage, "de"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := cfg.String(KeyLanguage); got != "de" {
		t.Errorf("language = %q, want de", got)
	}
}
