package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func useTempConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	return filepath.Join(dir, "pgrunner")
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useTempConfigHome(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c != Default() {
		t.Errorf("Load() = %+v, want defaults %+v", c, Default())
	}
}

func TestSaveLoadRoundTripKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := useTempConfigHome(t)

	partial := `{"log_level":"debug","runner":{"queue_size":8}}`
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(partial), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.LogLevel != "debug" || c.Runner.QueueSize != 8 {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.LogFormat != "text" || c.Runner.DeliveryCapacity != 1024 {
		t.Errorf("defaults lost: %+v", c)
	}

	c.Bridge.Addr = "tasks.example.com:443"
	if err := Save(c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config permissions = %o, want 600", perm)
	}
	again, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if again != c {
		t.Errorf("reloaded %+v, want %+v", again, c)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := useTempConfigHome(t)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted malformed JSON")
	}
}

func TestRunnerOptions(t *testing.T) {
	tests := []struct {
		name      string
		rc        RunnerConfig
		wantIdle  time.Duration
		wantProbe time.Duration
	}{
		{name: "defaults", rc: Default().Runner, wantIdle: 50 * time.Millisecond, wantProbe: 10 * time.Millisecond},
		{name: "idle off", rc: RunnerConfig{IdlePollMS: 0, ProbeTimeoutMS: 10}, wantIdle: 0, wantProbe: 10 * time.Millisecond},
		{name: "probe off", rc: RunnerConfig{ProbeTimeoutMS: -1}, wantIdle: 0, wantProbe: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.rc.Options(nil)
			if opts.IdlePollInterval != tt.wantIdle {
				t.Errorf("IdlePollInterval = %v, want %v", opts.IdlePollInterval, tt.wantIdle)
			}
			if opts.ProbeTimeout != tt.wantProbe {
				t.Errorf("ProbeTimeout = %v, want %v", opts.ProbeTimeout, tt.wantProbe)
			}
		})
	}
}

func TestLogPath(t *testing.T) {
	dir := useTempConfigHome(t)

	tests := []struct {
		file string
		want string
	}{
		{file: "", want: ""},
		{file: "-", want: ""},
		{file: "/var/log/pgrunner.log", want: "/var/log/pgrunner.log"},
		{file: "pgrunner.log", want: filepath.Join(filepath.Dir(dir), "state", "pgrunner", "pgrunner.log")},
	}
	for _, tt := range tests {
		got, err := Config{LogFile: tt.file}.LogPath()
		if err != nil {
			t.Fatalf("LogPath(%q) error = %v", tt.file, err)
		}
		if got != tt.want {
			t.Errorf("LogPath(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
