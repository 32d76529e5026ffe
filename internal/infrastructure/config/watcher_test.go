package config

import (
	"context"
	"os"
	"testing"
	"time"
)

const baseYAML = `
mqtt:
  broker:
    host: "first.local"
`

func startWatch(t *testing.T, path string, current *Config) (<-chan *Config, <-chan error) {
	t.Helper()
	changes := make(chan *Config, 4)
	errs := make(chan error, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, path, current,
			func(cfg *Config) { changes <- cfg },
			func(err error) { errs <- err },
		); err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Let the watcher register before the test edits the file.
	time.Sleep(50 * time.Millisecond)
	return changes, errs
}

func TestWatch_ReloadsChangedConfig(t *testing.T) {
	path := writeConfig(t, baseYAML)
	current, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changes, _ := startWatch(t, path, current)

	if err := os.WriteFile(path, []byte(`
mqtt:
  broker:
    host: "second.local"
`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.MQTT.Broker.Host != "second.local" {
			t.Errorf("reloaded host = %q, want second.local", cfg.MQTT.Broker.Host)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatch_IgnoresUnchangedContent(t *testing.T) {
	path := writeConfig(t, baseYAML)
	current, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changes, _ := startWatch(t, path, current)

	// Same content, different bytes on disk.
	if err := os.WriteFile(path, []byte(baseYAML+"\n# comment\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		t.Errorf("unexpected reload: %+v", cfg.MQTT.Broker)
	case <-time.After(3 * watchDebounce):
	}
}

func TestWatch_ReportsInvalidEdit(t *testing.T) {
	path := writeConfig(t, baseYAML)
	current, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	changes, errs := startWatch(t, path, current)

	if err := os.WriteFile(path, []byte("mqtt: [broken"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("onError called with nil")
		}
	case cfg := <-changes:
		t.Errorf("invalid config delivered: %+v", cfg)
	case <-time.After(5 * time.Second):
		t.Fatal("invalid edit not reported")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/dir/config.yaml", nil, func(*Config) {}, nil)
	if err == nil {
		t.Error("Watch() expected error for missing directory")
	}
}
