package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// isolateHome points the home directory at an empty temp dir so a real user
// config never leaks into a test.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Listen != "0.0.0.0:8000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Runtime != "docker" || cfg.Image != "alpine" || cfg.Label != "mc-docker" {
		t.Errorf("runtime/image/label = %q/%q/%q", cfg.Runtime, cfg.Image, cfg.Label)
	}
	if !reflect.DeepEqual(cfg.Entrypoint, []string{"sh"}) {
		t.Errorf("Entrypoint = %v", cfg.Entrypoint)
	}
	if cfg.StopTimeout != 5*time.Second || cfg.PollInterval != 5*time.Second {
		t.Errorf("StopTimeout/PollInterval = %v/%v", cfg.StopTimeout, cfg.PollInterval)
	}
	if cfg.ReadBuffer != 32768 || cfg.SubscriberBuffer != 256 {
		t.Errorf("ReadBuffer/SubscriberBuffer = %d/%d", cfg.ReadBuffer, cfg.SubscriberBuffer)
	}
	if cfg.Framing != "demux" {
		t.Errorf("Framing = %q", cfg.Framing)
	}
	if want := filepath.Join(home, ".local/share/mcdock/mcdock.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty without a config file", cfg.ConfigPath)
	}
}

func TestLoadLayersFileThenFlags(t *testing.T) {
	home := isolateHome(t)
	path := filepath.Join(home, ".config", "mcdock", "config.yaml")
	writeConfig(t, path, "listen: 127.0.0.1:9000\nimage: itzg/minecraft-server\nstop_timeout: 30s\nframing: legacy\n")

	cfg, err := Load([]string{"--listen", "127.0.0.1:9100", "--entrypoint", "java,-jar,server.jar"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if cfg.Listen != "127.0.0.1:9100" {
		t.Errorf("Listen = %q, flag should win over file", cfg.Listen)
	}
	if cfg.Image != "itzg/minecraft-server" {
		t.Errorf("Image = %q, file should win over defaults", cfg.Image)
	}
	if cfg.StopTimeout != 30*time.Second {
		t.Errorf("StopTimeout = %v", cfg.StopTimeout)
	}
	if cfg.Framing != "legacy" {
		t.Errorf("Framing = %q", cfg.Framing)
	}
	if !reflect.DeepEqual(cfg.Entrypoint, []string{"java", "-jar", "server.jar"}) {
		t.Errorf("Entrypoint = %v", cfg.Entrypoint)
	}
	if cfg.Label != "mc-docker" {
		t.Errorf("Label = %q, untouched keys keep their defaults", cfg.Label)
	}
}

func TestLoadExplicitConfigMustExist(t *testing.T) {
	isolateHome(t)
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("Load() error = nil, want missing file error")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "listne: 127.0.0.1:9000\n")

	if _, err := Load([]string{"--config", path}); err == nil {
		t.Fatal("Load() error = nil, want unknown field error")
	}
}

func TestLoadEmptyConfigFile(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "")

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != "0.0.0.0:8000" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
}

func TestValidate(t *testing.T) {
	isolateHome(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad runtime", []string{"--runtime", "podman"}, "invalid runtime"},
		{"bad listen", []string{"--listen", "8000"}, "invalid listen address"},
		{"zero stop timeout", []string{"--stop-timeout", "0s"}, "invalid stop_timeout"},
		{"negative poll", []string{"--poll-interval", "-1s"}, "invalid poll_interval"},
		{"empty label", []string{"--label", ""}, "label must not be empty"},
		{"empty image", []string{"--image", " "}, "image must not be empty"},
		{"bad framing", []string{"--framing", "raw"}, "invalid framing"},
		{"bad read buffer", []string{"--read-buffer", "0"}, "invalid read_buffer"},
		{"bad log level", []string{"--log-level", "loud"}, "invalid log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestLocalRuntimeAllowsEmptyImage(t *testing.T) {
	isolateHome(t)
	cfg, err := Load([]string{"--runtime", "local", "--image", ""})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime != "local" {
		t.Fatalf("Runtime = %q", cfg.Runtime)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	level, err := cfg.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel() error = %v", err)
	}
	if level.String() != "DEBUG" {
		t.Fatalf("level = %v", level)
	}
}
