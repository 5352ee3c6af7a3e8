package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/psantana5/cf-reminder/pkg/logging"
)

func TestJSONStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscribers.json")

	store, err := NewJSONStore(path, nil)
	if err != nil {
		t.Fatalf("Failed to create JSON store: %v", err)
	}
	testStoreOperations(t, store)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read subscribers file: %v", err)
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("Subscribers file is not a JSON list: %v (%s)", err, data)
	}
	if len(ids) != 2 || ids[0] != -1001 || ids[1] != 42 {
		t.Errorf("Expected [-1001 42] on disk, got %v", ids)
	}
	store.Close()

	reloaded, err := NewJSONStore(path, nil)
	if err != nil {
		t.Fatalf("Failed to reload JSON store: %v", err)
	}
	count, _ := reloaded.CountSubscribers()
	if count != 2 {
		t.Errorf("Expected 2 subscribers after reload, got %d", count)
	}
}

func TestJSONStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subscribers.json")

	store, _ := NewJSONStore(path, nil)
	for i := int64(1); i <= 5; i++ {
		if _, err := store.AddSubscriber(i); err != nil {
			t.Fatalf("AddSubscriber failed: %v", err)
		}
	}
	if err := store.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "subscribers.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only subscribers.json, got %v", names)
	}
}

func TestJSONStoreHealthCheckDetectsReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	store, err := NewJSONStore(filepath.Join(dir, "subscribers.json"), nil)
	if err != nil {
		t.Fatalf("Failed to create JSON store: %v", err)
	}
	if err := store.HealthCheck(); err != nil {
		t.Fatalf("Expected writable directory to be healthy: %v", err)
	}

	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	defer os.Chmod(dir, 0700)

	if err := store.HealthCheck(); err == nil || !strings.Contains(err.Error(), "not writable") {
		t.Errorf("Expected not writable error, got %v", err)
	}
}

func TestJSONStoreCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "subscribers.json")

	store, _ := NewJSONStore(path, nil)
	if _, err := store.AddSubscriber(99); err != nil {
		t.Fatalf("AddSubscriber failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Expected subscribers file to exist: %v", err)
	}
}

func TestJSONStoreRecoversFromBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantLog string
	}{
		{name: "corrupt", content: "{not json", wantLog: "Failed to decode"},
		{name: "object", content: `{"chat": 1}`, wantLog: "does not contain a list"},
		{name: "strings", content: `["a", "b"]`, wantLog: "non-integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "subscribers.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}

			var buf bytes.Buffer
			logger := logging.NewLogger(logging.DEBUG, false)
			logger.SetOutput(&buf)

			store, err := NewJSONStore(path, logger)
			if err != nil {
				t.Fatalf("NewJSONStore should not fail on a bad file: %v", err)
			}
			count, _ := store.CountSubscribers()
			if count != 0 {
				t.Errorf("Expected no subscribers, got %d", count)
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("Expected log to mention %q, got %q", tt.wantLog, buf.String())
			}

			// The next write replaces the bad file with a valid list
			if _, err := store.AddSubscriber(5); err != nil {
				t.Fatalf("AddSubscriber failed: %v", err)
			}
			data, _ := os.ReadFile(path)
			if strings.TrimSpace(string(data)) != "[5]" {
				t.Errorf("Expected file to contain [5], got %s", data)
			}
		})
	}
}

func TestJSONStoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	store, err := NewJSONStore(path, nil)
	if err != nil {
		t.Fatalf("NewJSONStore failed: %v", err)
	}
	ids, _ := store.ListSubscribers()
	if len(ids) != 0 {
		t.Errorf("Expected no subscribers, got %v", ids)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Loading should not create the file")
	}
}
