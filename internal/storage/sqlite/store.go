package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/storage"
)

// Store is a SQLite implementation of CredentialStore and ArtifactIndex
type Store struct {
	db *sql.DB
}

var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ArtifactIndex   = (*Store)(nil)
)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL,
			max_calls INTEGER NOT NULL DEFAULT 0,
			window_ns INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			window_start_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			cooling_until TIMESTAMP,
			failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			tags TEXT,
			note TEXT,
			last_tested_at TIMESTAMP,
			last_test_result TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			kind TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			source_url TEXT NOT NULL,
			media_type TEXT,
			size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			accessed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (kind, artifact_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tier ON credentials(tier)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_status ON credentials(status)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_accessed ON artifacts(kind, accessed_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

const credentialColumns = `id, token, tier, max_calls, window_ns, usage_count, window_start_ms, status,
	cooling_until, failures, last_error, tags, note, last_tested_at, last_test_result, created_at, updated_at`

func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.StatusActive
	}

	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `INSERT INTO credentials (` + credentialColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.Token, string(c.Tier), c.MaxCalls, int64(c.Window), c.Usage, toMillis(c.WindowStart),
		string(c.Status), c.CoolingUntil.UTC(), c.Failures, c.LastError, string(tags), c.Note,
		c.LastTestedAt.UTC(), c.LastTestResult, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.Credential, error) {
	var (
		c             domain.Credential
		tier, status  string
		windowNS      int64
		windowStartMS int64
		lastError     sql.NullString
		tagsJSON      sql.NullString
		note          sql.NullString
		lastResult    sql.NullString
		coolingUntil  sql.NullTime
		lastTestedAt  sql.NullTime
	)

	err := row.Scan(&c.ID, &c.Token, &tier, &c.MaxCalls, &windowNS, &c.Usage, &windowStartMS, &status,
		&coolingUntil, &c.Failures, &lastError, &tagsJSON, &note, &lastTestedAt, &lastResult,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Tier = domain.Tier(tier)
	c.Status = domain.CredentialStatus(status)
	c.Window = time.Duration(windowNS)
	c.WindowStart = fromMillis(windowStartMS)
	c.LastError = lastError.String
	c.Note = note.String
	c.LastTestResult = lastResult.String
	if coolingUntil.Valid && !coolingUntil.Time.IsZero() {
		c.CoolingUntil = coolingUntil.Time
	}
	if lastTestedAt.Valid && !lastTestedAt.Time.IsZero() {
		c.LastTestedAt = lastTestedAt.Time
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	return &c, nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`

	c, err := scanCredential(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context, filter storage.CredentialFilter) ([]*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE 1=1`
	var args []any

	if filter.Tier != "" {
		query += " AND tier = ?"
		args = append(args, string(filter.Tier))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		// Tags live in a JSON column, so the tag filter runs here
		if filter.Tag != "" && !c.HasTags([]string{filter.Tag}) {
			continue
		}
		creds = append(creds, c)
	}

	return creds, rows.Err()
}

func (s *Store) UpdateState(ctx context.Context, id string, state storage.CredentialState) error {
	query := `UPDATE credentials
	          SET status = ?, cooling_until = ?, failures = ?, last_error = ?,
	              last_tested_at = ?, last_test_result = ?, updated_at = ?
	          WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(state.Status), state.CoolingUntil.UTC(), state.Failures, state.LastError,
		state.LastTestedAt.UTC(), state.LastTestResult, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential state: %w", err)
	}
	return expectOne(res, id)
}

func (s *Store) IncrementUsage(ctx context.Context, id string, delta int, windowStart time.Time) error {
	ws := toMillis(windowStart)
	query := `UPDATE credentials
	          SET usage_count = CASE WHEN window_start_ms = ? THEN usage_count + ? ELSE ? END,
	              window_start_ms = ?, updated_at = ?
	          WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, ws, delta, delta, ws, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return expectOne(res, id)
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return expectOne(res, id)
}

func (s *Store) PutArtifact(ctx context.Context, a *domain.Artifact) error {
	query := `INSERT INTO artifacts (kind, artifact_key, source_url, media_type, size, created_at, accessed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(kind, artifact_key) DO UPDATE SET
	              source_url = excluded.source_url,
	              media_type = excluded.media_type,
	              size = excluded.size,
	              accessed_at = excluded.accessed_at`

	_, err := s.db.ExecContext(ctx, query,
		string(a.Kind), a.Key, a.SourceURL, a.MediaType, a.Size, a.CreatedAt.UTC(), a.AccessedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put artifact: %w", err)
	}
	return nil
}

func (s *Store) DeleteArtifact(ctx context.Context, kind domain.MediaKind, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE kind = ? AND artifact_key = ?`, string(kind), key)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, kind domain.MediaKind) ([]*domain.Artifact, error) {
	query := `SELECT kind, artifact_key, source_url, media_type, size, created_at, accessed_at FROM artifacts`
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY accessed_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Artifact
	for rows.Next() {
		var (
			a         domain.Artifact
			k         string
			mediaType sql.NullString
		)
		if err := rows.Scan(&k, &a.Key, &a.SourceURL, &mediaType, &a.Size, &a.CreatedAt, &a.AccessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Kind = domain.MediaKind(k)
		a.MediaType = mediaType.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
