package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/xatm/internal/message"
)

const sampleConfig = `
resources:
  - id: 1
    key: db
    name: orders
    openinfo: "dsn=orders"
    instances: 2
  - id: 2
    key: mq
    name: events
    instances: 1
`

func TestParseValid(t *testing.T) {
	resources, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	want := message.ResourceConfig{ID: 1, Key: "db", Name: "orders", OpenInfo: "dsn=orders", Instances: 2}
	if resources[0] != want {
		t.Fatalf("resources[0]=%+v, want %+v", resources[0], want)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	resources, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(resources) != 0 {
		t.Fatalf("expected no resources, got %+v", resources)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"zero id", "resources:\n  - id: 0\n    key: db\n", "id must be positive"},
		{"duplicate id", "resources:\n  - id: 1\n    key: a\n  - id: 1\n    key: b\n", "already used"},
		{"duplicate key", "resources:\n  - id: 1\n    key: a\n  - id: 2\n    key: a\n", "key already used"},
		{"missing key", "resources:\n  - id: 1\n", "key is required"},
		{"negative instances", "resources:\n  - id: 1\n    key: a\n    instances: -1\n", "instances must be >= 0"},
		{"unknown field", "resources:\n  - id: 1\n    key: a\n    replicas: 3\n", "replicas"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestMarshalParses(t *testing.T) {
	in := []message.ResourceConfig{{ID: 3, Key: "cache", Name: "sessions", CloseInfo: "flush", Instances: 4}}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("parse marshalled: %v\n%s", err, data)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("got %+v", out)
	}
}

type chanSubmitter chan message.Inbound

func (c chanSubmitter) Submit(_ context.Context, msg message.Inbound) error {
	c <- msg
	return nil
}

func TestWatcherSubmitsChangedConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resources.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, err := NewWatcher(WatcherConfig{Path: path, Debounce: 10 * time.Millisecond, Initial: initial})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := make(chanSubmitter, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, sub) }()

	// An invalid document is ignored.
	if err := os.WriteFile(path, []byte("resources:\n  - id: 0\n"), 0o600); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case msg := <-sub:
		t.Fatalf("unexpected submission %+v", msg)
	default:
	}

	updated := strings.Replace(sampleConfig, "instances: 2", "instances: 5", 1)
	tmp := filepath.Join(dir, "resources.yaml.tmp")
	if err := os.WriteFile(tmp, []byte(updated), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	select {
	case msg := <-sub:
		cfg, ok := msg.(message.Configure)
		if !ok {
			t.Fatalf("expected Configure, got %T", msg)
		}
		if len(cfg.Resources) != 2 || cfg.Resources[0].Instances != 5 {
			t.Fatalf("unexpected resources %+v", cfg.Resources)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload submitted")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop")
	}
}
