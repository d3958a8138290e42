package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadEngineConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	writeFile(t, path, `
apiBase = "https://openrouter.ai/api/v1"
apiKey = "sk-test"
model = "anthropic/claude-sonnet-4"

[channel.discord.guild123]
model = "meta-llama/llama-3.3-70b"

[channel.matrix."!room:example.org"]
apiBase = "http://localhost:11434/v1"
`)

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig: %v", err)
	}
	if cfg.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("Model = %q", cfg.Model)
	}

	base, key, model := cfg.Resolve("discord", "guild123")
	if base != cfg.APIBase || key != "sk-test" || model != "meta-llama/llama-3.3-70b" {
		t.Errorf("discord override: base=%q key=%q model=%q", base, key, model)
	}
	base, _, model = cfg.Resolve("matrix", "!room:example.org")
	if base != "http://localhost:11434/v1" || model != cfg.Model {
		t.Errorf("matrix override: base=%q model=%q", base, model)
	}
	base, _, model = cfg.Resolve("discord", "other-guild")
	if base != cfg.APIBase || model != cfg.Model {
		t.Errorf("unmatched sub-key should inherit: base=%q model=%q", base, model)
	}
}

func TestLoadEngineConfigInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"missing apiBase", `model = "m"`},
		{"bad url", "apiBase = \"not a url\"\nmodel = \"m\"\n"},
		{"missing model", `apiBase = "https://api.openai.com/v1"`},
		{"unknown channel kind", "apiBase = \"https://api.openai.com/v1\"\nmodel = \"m\"\n[channel.whatsapp.x]\nmodel = \"y\"\n"},
		{"malformed toml", `apiBase = `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".toml")
			writeFile(t, path, tt.content)
			if _, err := LoadEngineConfig(path); err == nil {
				t.Errorf("want error for %s", tt.name)
			}
		})
	}
}

func TestLoadToolsConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.toml")
	writeFile(t, path, `
brave-search = false

[exec]
allowedBinaries = ["ls", "cat", "rg"]
timeoutMs = 30000

[write]
enabled = false
`)

	cfg, err := LoadToolsConfig(path)
	if err != nil {
		t.Fatalf("LoadToolsConfig: %v", err)
	}
	if cfg.Enabled("brave-search") {
		t.Error("brave-search should be disabled")
	}
	if cfg.Enabled("write") {
		t.Error("write should be disabled")
	}
	if !cfg.Enabled("respond") {
		t.Error("unmentioned tool should default to enabled")
	}
	exec, ok := cfg.Setting("exec")
	if !ok || !exec.Enabled {
		t.Fatalf("exec setting = %+v, ok=%v", exec, ok)
	}
	if len(exec.AllowedBinaries) != 3 || exec.AllowedBinaries[2] != "rg" {
		t.Errorf("AllowedBinaries = %v", exec.AllowedBinaries)
	}
	if exec.TimeoutMs != 30000 {
		t.Errorf("TimeoutMs = %d", exec.TimeoutMs)
	}
}

func TestLoadToolsConfigMissing(t *testing.T) {
	t.Parallel()
	cfg, err := LoadToolsConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if !cfg.Enabled("exec") {
		t.Error("defaults should enable tools")
	}
}

func TestLoadHeartbeatConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "heartbeat.toml")
	writeFile(t, path, `
enabled = true
intervalSec = 1800

[activeHours]
start = "08:00"
end = "23:30"
tz = "UTC"

[visibility]
showOk = false
useIndicator = true
`)
	cfg, err := LoadHeartbeatConfig(path)
	if err != nil {
		t.Fatalf("LoadHeartbeatConfig: %v", err)
	}
	if cfg.Target != "last" {
		t.Errorf("Target default = %q, want last", cfg.Target)
	}
	if !cfg.Visibility.ShowAlerts {
		t.Error("ShowAlerts should default to true")
	}
	if cfg.Visibility.ShowOk {
		t.Error("ShowOk = true, want false")
	}

	in, _ := time.Parse(time.RFC3339, "2026-03-01T12:00:00Z")
	if !cfg.ActiveHours.Contains(in) {
		t.Error("12:00 UTC should be inside 08:00-23:30")
	}
	out, _ := time.Parse(time.RFC3339, "2026-03-01T03:00:00Z")
	if cfg.ActiveHours.Contains(out) {
		t.Error("03:00 UTC should be outside 08:00-23:30")
	}
}

func TestLoadHeartbeatConfigRejectsWrappedWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"wrapped", "enabled = true\nintervalSec = 60\n[activeHours]\nstart = \"22:00\"\nend = \"06:00\"\n"},
		{"equal", "enabled = true\nintervalSec = 60\n[activeHours]\nstart = \"09:00\"\nend = \"09:00\"\n"},
		{"bad format", "enabled = true\nintervalSec = 60\n[activeHours]\nstart = \"9am\"\nend = \"23:00\"\n"},
		{"bad tz", "enabled = true\nintervalSec = 60\n[activeHours]\nstart = \"08:00\"\nend = \"23:00\"\ntz = \"Nowhere/Z\"\n"},
		{"zero interval", "enabled = true\nintervalSec = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "heartbeat.toml")
			writeFile(t, path, tt.content)
			if _, err := LoadHeartbeatConfig(path); err == nil {
				t.Error("want config error")
			}
		})
	}
}

func TestLoadCronConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cron.toml")
	writeFile(t, path, `
[[jobs]]
id = "daily-report"
enabled = true
prompt = "Summarize yesterday."
[jobs.schedule]
cron = "0 9 * * *"

[[jobs]]
id = "bad job!"
enabled = true
prompt = "x"
[jobs.schedule]
every = 60

[[jobs]]
id = "one-shot"
enabled = true
execution = "isolated"
delivery = "webhook"
webhookUrl = "https://example.org/hook"
prompt = "Ping."
[jobs.schedule]
at = "2030-01-02T15:04:05Z"
`)

	cfg, bad, err := LoadCronConfig(path)
	if err != nil {
		t.Fatalf("LoadCronConfig: %v", err)
	}
	if len(bad) != 1 {
		t.Fatalf("bad jobs = %d, want 1 (%v)", len(bad), bad)
	}
	if len(cfg.Jobs) != 2 {
		t.Fatalf("valid jobs = %d, want 2", len(cfg.Jobs))
	}
	first := cfg.Jobs[0]
	if first.Execution != "main" || first.Delivery != "announce" || first.Target != "last" {
		t.Errorf("defaults not applied: %+v", first)
	}
	if got := cfg.Jobs[1].Schedule.Kind(); got != "at" {
		t.Errorf("Kind = %q, want at", got)
	}
}

func TestWatcherDetectsChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	writeFile(t, path, "model = \"a\"\n")

	var mu sync.Mutex
	var changed []string
	w := NewWatcher([]string{path}, 20*time.Millisecond, func(p string) {
		mu.Lock()
		changed = append(changed, p)
		mu.Unlock()
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	if len(changed) != 0 {
		t.Errorf("no change yet, got %v", changed)
	}
	mu.Unlock()

	// mtime granularity on some filesystems is one second; rewrite with
	// an explicit future mtime instead of sleeping.
	writeFile(t, path, "model = \"b\"\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(changed)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("change not detected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
