package cmd

import (
	"path/filepath"
	"testing"

	"github.com/psantana5/cf-reminder/internal/config"
	"github.com/psantana5/cf-reminder/pkg/store"
	"github.com/spf13/viper"
)

func TestParseChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{"-1001234567890", -1001234567890, false},
		{"abc", 0, true},
		{"", 0, true},
		{"1.5", 0, true},
	}

	for _, tt := range tests {
		got, err := parseChatID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseChatID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseChatID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// useJSONStore points the global viper at a fresh JSON store for one test
func useJSONStore(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	config.SetDefaults(viper.GetViper())
	path := filepath.Join(t.TempDir(), "subscribers.json")
	viper.Set("store.type", store.TypeJSON)
	viper.Set("store.path", path)
	return path
}

func TestSubscribersCommandsRoundTrip(t *testing.T) {
	path := useJSONStore(t)

	for _, id := range []string{"42", "-1001", "42"} {
		if err := runSubscribersAdd(subscribersAddCmd, []string{id}); err != nil {
			t.Fatalf("add %s failed: %v", id, err)
		}
	}
	if err := runSubscribersList(subscribersListCmd, nil); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if err := runSubscribersRemove(subscribersRemoveCmd, []string{"42"}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := runSubscribersRemove(subscribersRemoveCmd, []string{"42"}); err == nil {
		t.Error("Expected removing an unsubscribed chat to fail")
	}

	st, err := store.NewJSONStore(path, nil)
	if err != nil {
		t.Fatalf("Failed to reopen JSON store: %v", err)
	}
	defer st.Close()
	ids, err := st.ListSubscribers()
	if err != nil {
		t.Fatalf("ListSubscribers failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != -1001 {
		t.Errorf("Expected only chat -1001 to remain, got %v", ids)
	}
}

func TestSubscribersAddRejectsBadChatID(t *testing.T) {
	useJSONStore(t)

	if err := runSubscribersAdd(subscribersAddCmd, []string{"not-a-chat"}); err == nil {
		t.Error("Expected invalid chat ID to be rejected")
	}
}
