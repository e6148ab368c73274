// Package history provides persistent compilation pass storage using SQLite.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver
)

// PolicyOutcome records whether one requested policy compiled.
type PolicyOutcome struct {
	Name     string `json:"name"`
	Compiled bool   `json:"compiled"`
}

// Pass is one recorded compilation pass.
type Pass struct {
	At            time.Time       `json:"at"`
	ID            int64           `json:"id"`
	Result        string          `json:"result"`
	WarnCount     int             `json:"warnCount"`
	ErrorCount    int             `json:"errorCount"`
	Digest        string          `json:"digest,omitempty"`
	Error         string          `json:"error,omitempty"`
	Duration      time.Duration   `json:"duration"`
	ProxyHosts    int             `json:"proxyHosts"`
	ProxyFailures int             `json:"proxyFailures"`
	Policies      []PolicyOutcome `json:"policies,omitempty"`
}

// PassSummary is a compact representation of a historical pass.
type PassSummary struct {
	At          time.Time `json:"at"`
	ID          int64     `json:"id"`
	Result      string    `json:"result"`
	PolicyCount int       `json:"policyCount"`
	WarnCount   int       `json:"warnCount"`
	ErrorCount  int       `json:"errorCount"`
	Digest      string    `json:"digest,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"durationMs"`
}

// TrendPoint represents a single data point for one policy over time.
type TrendPoint struct {
	At       time.Time `json:"at"`
	Result   string    `json:"result"`
	Compiled bool      `json:"compiled"`
}

// Store persists passes and their policy outcomes to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists a pass and its policy outcomes.
func (s *Store) Save(p Pass) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // commit below; rollback is no-op after commit

	compiled := 0
	for _, po := range p.Policies {
		if po.Compiled {
			compiled++
		}
	}

	result, err := tx.Exec(
		`INSERT INTO passes (at, result, policy_count, warn_count, error_count, digest, error_text, duration_ms, proxy_hosts, proxy_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.At, p.Result, compiled, p.WarnCount, p.ErrorCount, p.Digest, p.Error, p.Duration.Milliseconds(), p.ProxyHosts, p.ProxyFailures,
	)
	if err != nil {
		return fmt.Errorf("inserting pass: %w", err)
	}

	passID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting pass id: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO pass_policies (pass_id, name, compiled) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing policy insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // statement lifetime bounded by tx

	for _, po := range p.Policies {
		if _, err := stmt.Exec(passID, po.Name, po.Compiled); err != nil {
			return fmt.Errorf("inserting policy outcome: %w", err)
		}
	}

	return tx.Commit()
}

// List returns the most recent pass summaries, ordered newest first.
func (s *Store) List(limit int) ([]PassSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, at, result, policy_count, warn_count, error_count, digest, error_text, duration_ms
		FROM passes ORDER BY at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying passes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var summaries []PassSummary
	for rows.Next() {
		var p PassSummary
		if err := rows.Scan(&p.ID, &p.At, &p.Result, &p.PolicyCount, &p.WarnCount, &p.ErrorCount, &p.Digest, &p.Error, &p.DurationMs); err != nil {
			return nil, fmt.Errorf("scanning pass: %w", err)
		}
		summaries = append(summaries, p)
	}
	return summaries, rows.Err()
}

// Trend returns the outcome of one policy over recent passes.
func (s *Store) Trend(name string, limit int) ([]TrendPoint, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT p.at, p.result, pp.compiled
		FROM pass_policies pp
		JOIN passes p ON p.id = pp.pass_id
		WHERE pp.name = ?
		ORDER BY p.at DESC, p.id DESC
		LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trend: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	var points []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.At, &p.Result, &p.Compiled); err != nil {
			return nil, fmt.Errorf("scanning trend point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Latest returns the most recent pass with its policy outcomes, or nil if none exist.
func (s *Store) Latest() (*Pass, error) {
	p := &Pass{}
	var durationMs int64
	err := s.db.QueryRow(
		`SELECT id, at, result, warn_count, error_count, digest, error_text, duration_ms, proxy_hosts, proxy_failures
		FROM passes ORDER BY at DESC, id DESC LIMIT 1`,
	).Scan(&p.ID, &p.At, &p.Result, &p.WarnCount, &p.ErrorCount, &p.Digest, &p.Error, &durationMs, &p.ProxyHosts, &p.ProxyFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest pass: %w", err)
	}
	p.Duration = time.Duration(durationMs) * time.Millisecond

	rows, err := s.db.Query("SELECT name, compiled FROM pass_policies WHERE pass_id = ? ORDER BY id", p.ID)
	if err != nil {
		return nil, fmt.Errorf("querying policy outcomes: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	for rows.Next() {
		var po PolicyOutcome
		if err := rows.Scan(&po.Name, &po.Compiled); err != nil {
			return nil, fmt.Errorf("scanning policy outcome: %w", err)
		}
		p.Policies = append(p.Policies, po)
	}
	return p, rows.Err()
}
