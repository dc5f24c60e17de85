package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Entry is one completed or failed download record
type Entry struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	OutputPath  string    `json:"output_path"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store persists download history in the database
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Contains reports whether a URL has a completed history record.
// Failed records do not count: a failed playlist may be retried later.
func (s *Store) Contains(url string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM download_history WHERE url = ? AND state = 'completed'",
		url,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query history: %w", err)
	}
	return count > 0, nil
}

// Record writes a terminal outcome to history
func (s *Store) Record(e Entry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO download_history (url, title, state, error, attempts, output_path, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.URL, e.Title, e.State, e.Error, e.Attempts, e.OutputPath, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

// List retrieves history entries, newest first, with pagination
func (s *Store) List(offset, limit int) ([]Entry, error) {
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(`
		SELECT id, url, title, state, error, attempts, output_path, completed_at
		FROM download_history
		ORDER BY completed_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var title, errMsg, outputPath sql.NullString
		if err := rows.Scan(&e.ID, &e.URL, &title, &e.State, &errMsg, &e.Attempts, &outputPath, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Title = title.String
		e.Error = errMsg.String
		e.OutputPath = outputPath.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}

	return entries, nil
}

// Count returns the total number of history entries
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM download_history").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// Clear removes all history entries
func (s *Store) Clear() error {
	if _, err := s.db.Exec("DELETE FROM download_history"); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
