package store

import (
	"errors"
	"time"

	"github.com/psantana5/cf-reminder/pkg/logging"
)

// Store defines subscriber and delivery persistence.
// JSON file, SQLite, PostgreSQL and in-memory backends implement it.
type Store interface {
	// Subscriber operations
	AddSubscriber(chatID int64) (bool, error)
	RemoveSubscriber(chatID int64) (bool, error)
	IsSubscribed(chatID int64) (bool, error)
	ListSubscribers() ([]int64, error)
	CountSubscribers() (int, error)

	// RecordDelivery marks a reminder as sent to a chat.
	// Returns false if that pair was already recorded.
	RecordDelivery(reminderID string, chatID int64) (bool, error)
	// PruneDeliveries drops records older than maxAge and returns how many went.
	PruneDeliveries(maxAge time.Duration) (int64, error)

	// Lifecycle
	HealthCheck() error
	Close() error
}

// Config holds store configuration
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "json", "sqlite", "postgres" or "memory"
	Path string `mapstructure:"path" yaml:"path"` // JSON file or SQLite database path
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // PostgreSQL connection string

	// PostgreSQL pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	Logger *logging.Logger `mapstructure:"-" yaml:"-"`
}

// Backend types
const (
	TypeJSON     = "json"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMemory   = "memory"
)

// DefaultJSONPath is where the JSON backend keeps subscribers by default
const DefaultJSONPath = "subscribers.json"

var (
	ErrUnsupportedStore = errors.New("unsupported store type")
	ErrClosed           = errors.New("store closed")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case TypeJSON, "":
		path := config.Path
		if path == "" {
			path = DefaultJSONPath
		}
		return NewJSONStore(path, config.Logger)
	case TypeSQLite:
		path := config.Path
		if path == "" {
			path = "cfbot.db"
		}
		return NewSQLiteStore(path)
	case TypePostgres, "postgresql":
		return NewPostgreSQLStore(config)
	case TypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedStore
	}
}
