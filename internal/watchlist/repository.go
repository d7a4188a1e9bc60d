// Package watchlist persists the set of symbols the acquisition layer polls.
package watchlist

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/database"
)

// Entry is a single watched symbol.
type Entry struct {
	Symbol  string    `json:"symbol"`
	AddedAt time.Time `json:"added_at"`
}

// Repository provides access to the watchlist table.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a watchlist repository and ensures its table exists.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	repo := &Repository{
		db:  db,
		log: log.With().Str("component", "watchlist").Logger(),
	}
	if err := repo.ensureTable(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *Repository) ensureTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS watchlist (
			symbol TEXT PRIMARY KEY,
			added_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create watchlist table: %w", err)
	}
	return nil
}

// Add inserts a symbol. Adding an existing symbol is a no-op.
func (r *Repository) Add(symbol string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	_, err := r.db.Exec(
		"INSERT OR IGNORE INTO watchlist (symbol, added_at) VALUES (?, ?)",
		symbol, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add symbol %s: %w", symbol, err)
	}

	r.log.Debug().Str("symbol", symbol).Msg("Symbol added to watchlist")
	return nil
}

// Remove deletes a symbol. Returns sql.ErrNoRows if the symbol was not present.
func (r *Repository) Remove(symbol string) error {
	symbol = normalizeSymbol(symbol)

	result, err := r.db.Exec("DELETE FROM watchlist WHERE symbol = ?", symbol)
	if err != nil {
		return fmt.Errorf("failed to remove symbol %s: %w", symbol, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	r.log.Debug().Str("symbol", symbol).Msg("Symbol removed from watchlist")
	return nil
}

// List returns all watched symbols, ordered alphabetically.
func (r *Repository) List() ([]Entry, error) {
	rows, err := r.db.Query("SELECT symbol, added_at FROM watchlist ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Symbol, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate watchlist rows: %w", err)
	}

	return entries, nil
}

// Symbols returns just the symbol strings, ordered alphabetically.
func (r *Repository) Symbols() ([]string, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}
	return symbols, nil
}

// Seed inserts the given symbols only when the watchlist is empty, so that a
// configured default set does not resurrect symbols the user removed.
func (r *Repository) Seed(symbols []string) error {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM watchlist").Scan(&count); err != nil {
		return fmt.Errorf("failed to count watchlist rows: %w", err)
	}
	if count > 0 || len(symbols) == 0 {
		return nil
	}

	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		for _, symbol := range symbols {
			symbol = normalizeSymbol(symbol)
			if symbol == "" {
				continue
			}
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO watchlist (symbol, added_at) VALUES (?, ?)",
				symbol, time.Now().UTC(),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed watchlist: %w", err)
	}

	r.log.Info().Int("count", len(symbols)).Msg("Watchlist seeded from configuration")
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
