package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// LedgerEntry records one settled analysis. Only metadata is stored; neither
// the image nor the result text is kept.
type LedgerEntry struct {
	ID           int64
	CreatedAt    time.Time
	SessionID    string
	Model        string
	MIMEType     string
	ImageDigest  string
	PromptLength int
	Status       string // "success" or "error"
	ErrorMessage string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Ledger defines the interface for the analysis usage ledger.
type Ledger interface {
	Record(entry *LedgerEntry) error
	Recent(limit int) ([]LedgerEntry, error)
	Close() error
}

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteLedger opens (creating if needed) the ledger database at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger := &SQLiteLedger{db: db}
	if err := ledger.init(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict ledger file permissions")
	}

	return ledger, nil
}

func (l *SQLiteLedger) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS analysis_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		image_digest TEXT NOT NULL,
		prompt_length INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0
	);
	`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create analysis_log table: %w", err)
	}
	return nil
}

// Record appends an entry. CreatedAt defaults to now and ID is filled in.
func (l *SQLiteLedger) Record(entry *LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := l.db.Exec(`
		INSERT INTO analysis_log (
			created_at, session_id, model, mime_type, image_digest, prompt_length,
			status, error_message, input_tokens, output_tokens, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.CreatedAt, entry.SessionID, entry.Model, entry.MIMEType, entry.ImageDigest, entry.PromptLength,
		entry.Status, entry.ErrorMessage, entry.InputTokens, entry.OutputTokens, entry.CostUSD)
	if err != nil {
		return fmt.Errorf("failed to record analysis: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *SQLiteLedger) Recent(limit int) ([]LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Query(`
		SELECT id, created_at, session_id, model, mime_type, image_digest, prompt_length,
			status, error_message, input_tokens, output_tokens, cost_usd
		FROM analysis_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis log: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.SessionID, &e.Model, &e.MIMEType, &e.ImageDigest, &e.PromptLength,
			&e.Status, &errMsg, &e.InputTokens, &e.OutputTokens, &e.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.ErrorMessage = errMsg.String
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// ImageDigest returns a hex BLAKE2b-256 digest identifying image data.
func ImageDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
