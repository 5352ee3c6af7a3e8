package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testStoreOperations exercises the behaviour every backend shares
func testStoreOperations(t *testing.T, store Store) {
	t.Helper()

	added, err := store.AddSubscriber(42)
	if err != nil {
		t.Fatalf("AddSubscriber failed: %v", err)
	}
	if !added {
		t.Error("Expected first AddSubscriber to report added")
	}

	added, err = store.AddSubscriber(42)
	if err != nil {
		t.Fatalf("AddSubscriber (repeat) failed: %v", err)
	}
	if added {
		t.Error("Expected repeat AddSubscriber to report not added")
	}

	if _, err := store.AddSubscriber(-1001); err != nil {
		t.Fatalf("AddSubscriber failed: %v", err)
	}
	if _, err := store.AddSubscriber(7); err != nil {
		t.Fatalf("AddSubscriber failed: %v", err)
	}

	ids, err := store.ListSubscribers()
	if err != nil {
		t.Fatalf("ListSubscribers failed: %v", err)
	}
	want := []int64{-1001, 7, 42}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d subscribers, got %v", len(want), ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Expected subscribers %v, got %v", want, ids)
			break
		}
	}

	count, err := store.CountSubscribers()
	if err != nil {
		t.Fatalf("CountSubscribers failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 subscribers, got %d", count)
	}

	ok, err := store.IsSubscribed(7)
	if err != nil || !ok {
		t.Errorf("Expected chat 7 subscribed, got %v (err %v)", ok, err)
	}

	removed, err := store.RemoveSubscriber(7)
	if err != nil || !removed {
		t.Errorf("Expected chat 7 removed, got %v (err %v)", removed, err)
	}
	removed, err = store.RemoveSubscriber(7)
	if err != nil || removed {
		t.Errorf("Expected second removal to report false, got %v (err %v)", removed, err)
	}
	ok, _ = store.IsSubscribed(7)
	if ok {
		t.Error("Expected chat 7 to be unsubscribed")
	}

	first, err := store.RecordDelivery("contest_1_reminder_1h", 42)
	if err != nil || !first {
		t.Errorf("Expected first delivery recorded, got %v (err %v)", first, err)
	}
	again, err := store.RecordDelivery("contest_1_reminder_1h", 42)
	if err != nil || again {
		t.Errorf("Expected duplicate delivery rejected, got %v (err %v)", again, err)
	}
	other, err := store.RecordDelivery("contest_1_reminder_1h", -1001)
	if err != nil || !other {
		t.Errorf("Expected delivery to another chat recorded, got %v (err %v)", other, err)
	}

	pruned, err := store.PruneDeliveries(time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveries failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("Expected fresh deliveries to survive pruning, pruned %d", pruned)
	}
	again, _ = store.RecordDelivery("contest_1_reminder_1h", 42)
	if again {
		t.Error("Expected surviving delivery to stay a duplicate")
	}

	// A negative age puts the cutoff in the future so every row is older
	pruned, err = store.PruneDeliveries(-time.Minute)
	if err != nil {
		t.Fatalf("PruneDeliveries failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("Expected 2 pruned deliveries, got %d", pruned)
	}
	first, err = store.RecordDelivery("contest_1_reminder_1h", 42)
	if err != nil || !first {
		t.Errorf("Expected pruned delivery to be recordable again, got %v (err %v)", first, err)
	}

	if err := store.HealthCheck(); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreOperations(t, store)

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := store.AddSubscriber(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if err := store.HealthCheck(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected HealthCheck to fail after Close, got %v", err)
	}
}

func TestMemoryStorePrunesOldDeliveries(t *testing.T) {
	store := NewMemoryStore()
	store.RecordDelivery("contest_1_reminder_24h", 1)
	store.deliveries[deliveryKey{reminderID: "contest_1_reminder_24h", chatID: 1}] = time.Now().Add(-72 * time.Hour)
	store.RecordDelivery("contest_2_reminder_24h", 1)

	pruned, err := store.PruneDeliveries(48 * time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveries failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned delivery, got %d", pruned)
	}

	// The pruned pair can be recorded again
	recorded, _ := store.RecordDelivery("contest_1_reminder_24h", 1)
	if !recorded {
		t.Error("Expected pruned delivery to be recordable again")
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cfbot.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	testStoreOperations(t, store)
	store.Close()

	// Data survives reopening
	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen SQLite store: %v", err)
	}
	defer reopened.Close()

	ids, err := reopened.ListSubscribers()
	if err != nil {
		t.Fatalf("ListSubscribers failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != -1001 || ids[1] != 42 {
		t.Errorf("Expected [-1001 42] after reopen, got %v", ids)
	}

	recorded, err := reopened.RecordDelivery("contest_1_reminder_1h", 42)
	if err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	if recorded {
		t.Error("Expected delivery ledger to survive reopen")
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "default is json", config: Config{Path: filepath.Join(dir, "subs.json")}},
		{name: "json", config: Config{Type: TypeJSON, Path: filepath.Join(dir, "other.json")}},
		{name: "sqlite", config: Config{Type: TypeSQLite, Path: filepath.Join(dir, "subs.db")}},
		{name: "memory", config: Config{Type: TypeMemory}},
		{name: "unknown", config: Config{Type: "redis"}, wantErr: ErrUnsupportedStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.config)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewStore failed: %v", err)
			}
			defer store.Close()

			if err := store.HealthCheck(); err != nil {
				t.Errorf("HealthCheck failed: %v", err)
			}
		})
	}
}

func TestNewStorePostgresRequiresDSN(t *testing.T) {
	if _, err := NewStore(Config{Type: TypePostgres}); err == nil {
		t.Fatal("Expected error for postgres store without DSN")
	}
}
