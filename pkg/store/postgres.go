package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore connects, configures the pool and creates the schema
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		chat_id BIGINT PRIMARY KEY,
		subscribed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		reminder_id TEXT NOT NULL,
		chat_id BIGINT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (reminder_id, chat_id)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_sent_at ON deliveries(sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AddSubscriber adds a chat; returns false if it was already subscribed
func (s *PostgreSQLStore) AddSubscriber(chatID int64) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO subscribers (chat_id, subscribed_at) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO NOTHING`, chatID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to add subscriber: %w", err)
	}
	return affected(res)
}

// RemoveSubscriber removes a chat; returns false if it was not subscribed
func (s *PostgreSQLStore) RemoveSubscriber(chatID int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM subscribers WHERE chat_id = $1`, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to remove subscriber: %w", err)
	}
	return affected(res)
}

// IsSubscribed reports whether a chat is subscribed
func (s *PostgreSQLStore) IsSubscribed(chatID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM subscribers WHERE chat_id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query subscriber: %w", err)
	}
	return exists, nil
}

// ListSubscribers returns all chat IDs in ascending order
func (s *PostgreSQLStore) ListSubscribers() ([]int64, error) {
	return queryIDs(s.db, `SELECT chat_id FROM subscribers ORDER BY chat_id`)
}

// CountSubscribers returns the number of subscribed chats
func (s *PostgreSQLStore) CountSubscribers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return n, nil
}

// RecordDelivery marks reminderID as delivered to chatID
func (s *PostgreSQLStore) RecordDelivery(reminderID string, chatID int64) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO deliveries (reminder_id, chat_id, sent_at) VALUES ($1, $2, $3)
		ON CONFLICT (reminder_id, chat_id) DO NOTHING`, reminderID, chatID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	return affected(res)
}

// PruneDeliveries deletes delivery records older than maxAge
func (s *PostgreSQLStore) PruneDeliveries(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM deliveries WHERE sent_at < $1`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the connection pool
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}
