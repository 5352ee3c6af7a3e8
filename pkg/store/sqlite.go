package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL for concurrent readers, busy timeout for the single writer
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection serializes writes and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		chat_id INTEGER PRIMARY KEY,
		subscribed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		reminder_id TEXT NOT NULL,
		chat_id INTEGER NOT NULL,
		sent_at DATETIME NOT NULL,
		PRIMARY KEY (reminder_id, chat_id)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_sent_at ON deliveries(sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AddSubscriber adds a chat; returns false if it was already subscribed
func (s *SQLiteStore) AddSubscriber(chatID int64) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO subscribers (chat_id, subscribed_at) VALUES (?, ?)`,
		chatID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to add subscriber: %w", err)
	}
	return affected(res)
}

// RemoveSubscriber removes a chat; returns false if it was not subscribed
func (s *SQLiteStore) RemoveSubscriber(chatID int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM subscribers WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to remove subscriber: %w", err)
	}
	return affected(res)
}

// IsSubscribed reports whether a chat is subscribed
func (s *SQLiteStore) IsSubscribed(chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM subscribers WHERE chat_id = ?`, chatID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query subscriber: %w", err)
	}
	return true, nil
}

// ListSubscribers returns all chat IDs in ascending order
func (s *SQLiteStore) ListSubscribers() ([]int64, error) {
	return queryIDs(s.db, `SELECT chat_id FROM subscribers ORDER BY chat_id`)
}

// CountSubscribers returns the number of subscribed chats
func (s *SQLiteStore) CountSubscribers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM subscribers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return n, nil
}

// RecordDelivery marks reminderID as delivered to chatID
func (s *SQLiteStore) RecordDelivery(reminderID string, chatID int64) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO deliveries (reminder_id, chat_id, sent_at) VALUES (?, ?, ?)`,
		reminderID, chatID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	return affected(res)
}

// PruneDeliveries deletes delivery records older than maxAge
func (s *SQLiteStore) PruneDeliveries(maxAge time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM deliveries WHERE sent_at < ?`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func queryIDs(db queryer, query string) ([]int64, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
