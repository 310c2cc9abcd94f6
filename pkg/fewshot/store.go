// Package fewshot keeps successful (request, code) pairs per context and
// retrieves the most similar ones for prompts.
package fewshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/harun/askem/internal/observability"
	"github.com/harun/askem/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultLimit is used by Search when limit <= 0.
const DefaultLimit = 3

// Example is a stored request and the code that answered it.
type Example struct {
	ID        int64     `json:"id"`
	Context   string    `json:"context"`
	Query     string    `json:"query"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score,omitempty"`
}

// Config holds store configuration.
type Config struct {
	// DBPath is a file path or ":memory:".
	DBPath string
	Logger zerolog.Logger
}

// Store is a sqlite-backed example store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// Open opens or creates the database at cfg.DBPath.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.updateGauge(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count examples")
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS examples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			context TEXT NOT NULL,
			query TEXT NOT NULL,
			code TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(context, query, code)
		);
		CREATE INDEX IF NOT EXISTS idx_examples_context ON examples(context);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records an example. Duplicates are ignored.
func (s *Store) Add(ctx context.Context, contextSlug, query, code string) error {
	query = strings.TrimSpace(query)
	code = strings.TrimSpace(code)
	if query == "" || code == "" {
		return errors.New("query and code are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO examples (context, query, code, created_at) VALUES (?, ?, ?, ?)`,
		contextSlug, query, code, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert example: %w", err)
	}
	return s.updateGauge()
}

// Search returns up to limit examples of contextSlug ranked by the share of
// query keywords they have in common with the stored request. Examples with
// no shared keyword are left out.
func (s *Store) Search(ctx context.Context, contextSlug, query string, limit int) ([]Example, error) {
	ctx, span := tracing.StartSpan(ctx, "askem/fewshot", "fewshot.search",
		attribute.String("askem.context", contextSlug),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if limit <= 0 {
		limit = DefaultLimit
	}
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, context, query, code, created_at FROM examples WHERE context = ?`, contextSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var results []Example
	for rows.Next() {
		var ex Example
		var created int64
		if err = rows.Scan(&ex.ID, &ex.Context, &ex.Query, &ex.Code, &created); err != nil {
			return nil, err
		}
		ex.CreatedAt = time.Unix(created, 0).UTC()
		ex.Score = overlap(terms, keywords(ex.Query))
		if ex.Score > 0 {
			results = append(results, ex)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("context", contextSlug).
		Int("results", len(results)).
		Msg("Few-shot search completed")
	return results, nil
}

// Count returns the number of stored examples across all contexts.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM examples`).Scan(&n)
	return n, err
}

func (s *Store) updateGauge() error {
	n, err := s.Count()
	if err != nil {
		return err
	}
	observability.SetFewshotExamples(n)
	return nil
}

// Format renders examples as [[Request,Code]] pairs.
func Format(examples []Example) string {
	var b strings.Builder
	for i, ex := range examples {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[[%s,\n%s]]\n", ex.Query, ex.Code)
	}
	return b.String()
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "with": true, "is": true, "it": true,
	"me": true, "my": true, "please": true, "can": true, "you": true, "from": true,
	"by": true, "that": true, "this": true, "be": true, "as": true, "at": true,
}

func keywords(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

func overlap(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	shared := 0
	for term := range query {
		if candidate[term] {
			shared++
		}
	}
	return float64(shared) / float64(len(query))
}
