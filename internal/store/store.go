// Package store is the embedded work queue: migrations and their posts,
// articles and profile rows, with atomic claims and stale-worker recovery.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ownyourposts/migrator/internal/models"
)

// Store wraps the sqlite database holding all work units.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path with WAL journaling,
// foreign keys on and a 30s busy timeout so contended claims wait instead
// of failing.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
		"_busy_timeout": {"30000"},
	}.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle (tests, shared pools).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// InsertMigration writes a migration and all of its posts and articles in one
// transaction and returns nil only when everything landed. This is the
// producer hand-off: fetchers insert here and the worker reads only from the
// store afterwards.
func (s *Store) InsertMigration(ctx context.Context, m *models.Migration, posts []models.Post, articles []models.Article) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO migrations
		  (id, handle, public_key, secret_key, signing, status,
		   profile_name, profile_bio, profile_picture_url, profile_published,
		   notify_email, claim_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, m.ID, m.Handle, nullable(m.PublicKey), nullable(m.SecretKey), m.Signing, m.Status,
		m.ProfileName, m.ProfileBio, m.ProfilePicURL, m.ProfilePublished,
		m.NotifyEmail, m.ClaimToken, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert migration: %w", err)
	}

	for i := range posts {
		p := &posts[i]
		items, err := json.Marshal(p.MediaItems)
		if err != nil {
			return fmt.Errorf("marshal media items: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO posts
			  (migration_id, post_type, media_items, caption, original_date, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		`, m.ID, p.PostType, string(items), p.Caption, p.OriginalDate)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
	}

	for i := range articles {
		a := &articles[i]
		tags, err := json.Marshal(a.Hashtags)
		if err != nil {
			return fmt.Errorf("marshal hashtags: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO articles
			  (migration_id, title, summary, content_markdown, image_url, hashtags,
			   published_at, link, status, upload_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		`, m.ID, a.Title, a.Summary, a.ContentMarkdown, a.ImageURL, string(tags),
			a.PublishedAt, a.Link)
		if err != nil {
			return fmt.Errorf("insert article: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetMigration(ctx context.Context, id string) (*models.Migration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, handle, public_key, secret_key, signing, status,
		       profile_name, profile_bio, profile_picture_url, profile_blossom_url,
		       profile_published, notify_email, claim_token, error, expires_at,
		       created_at, updated_at
		FROM migrations WHERE id = ?
	`, id)
	return scanMigration(row)
}

// MigrationPosts returns all posts of a migration in insertion order.
func (s *Store) MigrationPosts(ctx context.Context, migrationID string) ([]models.Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, migration_id, post_type, media_items, caption, original_date,
		       status, blossom_urls, nostr_event_id, retry_count, error, created_at, updated_at
		FROM posts WHERE migration_id = ? ORDER BY id ASC
	`, migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MigrationArticles returns all articles of a migration in insertion order.
func (s *Store) MigrationArticles(ctx context.Context, migrationID string) ([]models.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, migration_id, title, summary, content_markdown, image_url,
		       blossom_image_url, inline_image_urls, hashtags, published_at, link,
		       status, upload_attempts, nostr_event_id, error, created_at, updated_at
		FROM articles WHERE migration_id = ? ORDER BY id ASC
	`, migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Article, 0)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// PostUpdate carries the optional columns set alongside a post status change.
type PostUpdate struct {
	BlossomURLs    []string
	NostrEventID   *string
	Error          *string
	IncrementRetry bool
}

func (s *Store) UpdatePostStatus(ctx context.Context, postID int64, status string, upd PostUpdate) error {
	var urls any
	if upd.BlossomURLs != nil {
		b, err := json.Marshal(upd.BlossomURLs)
		if err != nil {
			return err
		}
		urls = string(b)
	}
	q := `
		UPDATE posts
		SET status = ?,
		    blossom_urls = COALESCE(?, blossom_urls),
		    nostr_event_id = COALESCE(?, nostr_event_id),
		    error = ?,
		    updated_at = CURRENT_TIMESTAMP`
	if upd.IncrementRetry {
		q += `, retry_count = retry_count + 1`
	}
	q += ` WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, status, urls, upd.NostrEventID, upd.Error, postID)
	return err
}

func (s *Store) PostRetryCount(ctx context.Context, postID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM posts WHERE id = ?`, postID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *Store) UpdateArticleStatus(ctx context.Context, articleID int64, status string, eventID, errText *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles
		SET status = ?,
		    nostr_event_id = COALESCE(?, nostr_event_id),
		    error = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, eventID, errText, articleID)
	return err
}

// UpdateArticleImages persists the outcome of image re-hosting: the header
// blob URL, the rewritten Markdown and the source→blob URL map.
func (s *Store) UpdateArticleImages(ctx context.Context, articleID int64, blossomImageURL *string, contentMarkdown string, inlineImageURLs map[string]string) error {
	var mapping any
	if len(inlineImageURLs) > 0 {
		b, err := json.Marshal(inlineImageURLs)
		if err != nil {
			return err
		}
		mapping = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles
		SET blossom_image_url = ?,
		    content_markdown = ?,
		    inline_image_urls = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, blossomImageURL, contentMarkdown, mapping, articleID)
	return err
}

// IncrementArticleAttempts bumps upload_attempts and returns the new value.
func (s *Store) IncrementArticleAttempts(ctx context.Context, articleID int64) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE articles
		SET upload_attempts = COALESCE(upload_attempts, 0) + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, articleID)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT upload_attempts FROM articles WHERE id = ?`, articleID).Scan(&n)
	return n, err
}

func (s *Store) UpdateMigrationStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migrations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}

// UpdateProfilePicture records the re-hosted avatar URL on the migration row.
func (s *Store) UpdateProfilePicture(ctx context.Context, id string, blobURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migrations SET profile_picture_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, blobURL, id)
	return err
}

// MarkProfilePublished flips the profile tri-state to published and stores the
// blob URL the kind-0 event references.
func (s *Store) MarkProfilePublished(ctx context.Context, id string, blobURL *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migrations
		SET profile_published = 1, profile_blossom_url = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, blobURL, id)
	return err
}

// ResetProfile returns a stuck profile claim to unpublished.
func (s *Store) ResetProfile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migrations SET profile_published = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND profile_published = -1
	`, id)
	return err
}

// RefreshMigrationStatus recomputes a migration's status from its children and
// scrubs the secret key once the migration reaches a terminal state. A
// migration completes even when every child failed; the children keep their
// error states until garbage collection.
func (s *Store) RefreshMigrationStatus(ctx context.Context, migrationID string) (string, error) {
	var total, completed, errored int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM (
			SELECT status FROM posts WHERE migration_id = ?
			UNION ALL
			SELECT status FROM articles WHERE migration_id = ?
		)
	`, migrationID, migrationID).Scan(&total, &completed, &errored)
	if err != nil {
		return "", err
	}

	status := models.MigrationProcessing
	switch {
	case total == completed:
		status = models.MigrationComplete
	case total == completed+errored:
		if completed > 0 {
			status = models.MigrationComplete
		} else {
			status = models.MigrationError
		}
	}

	if status == models.MigrationComplete || status == models.MigrationError {
		_, err = s.db.ExecContext(ctx, `
			UPDATE migrations
			SET status = ?, secret_key = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, status, models.SecretScrubbed, migrationID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE migrations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, status, migrationID)
	}
	return status, err
}

// QueueDepth counts pending work for the scheduler's periodic status line.
func (s *Store) QueueDepth(ctx context.Context) (models.QueueDepth, error) {
	var d models.QueueDepth
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM migrations WHERE signing = 'external' AND status = 'pending'),
		  (SELECT COUNT(*) FROM posts p JOIN migrations m ON p.migration_id = m.id
		     WHERE m.signing = 'local' AND p.status = 'pending'),
		  (SELECT COUNT(*) FROM articles a JOIN migrations m ON a.migration_id = m.id
		     WHERE m.signing = 'local' AND a.status = 'pending'),
		  (SELECT COUNT(*) FROM migrations
		     WHERE profile_published = 0 AND profile_name IS NOT NULL AND signing = 'local')
	`).Scan(&d.Migrations, &d.Posts, &d.Articles, &d.Profiles)
	return d, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMigration(row rowScanner) (*models.Migration, error) {
	var m models.Migration
	var pub, sec sql.NullString
	err := row.Scan(&m.ID, &m.Handle, &pub, &sec, &m.Signing, &m.Status,
		&m.ProfileName, &m.ProfileBio, &m.ProfilePicURL, &m.ProfileBlobURL,
		&m.ProfilePublished, &m.NotifyEmail, &m.ClaimToken, &m.Error, &m.ExpiresAt,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.PublicKey = pub.String
	m.SecretKey = sec.String
	return &m, nil
}

func scanPost(row rowScanner) (*models.Post, error) {
	var p models.Post
	var items, urls sql.NullString
	err := row.Scan(&p.ID, &p.MigrationID, &p.PostType, &items, &p.Caption, &p.OriginalDate,
		&p.Status, &urls, &p.NostrEventID, &p.RetryCount, &p.Error, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &p.MediaItems); err != nil {
			return nil, fmt.Errorf("post %d: invalid media_items: %w", p.ID, err)
		}
	}
	if urls.Valid && urls.String != "" {
		if err := json.Unmarshal([]byte(urls.String), &p.BlossomURLs); err != nil {
			return nil, fmt.Errorf("post %d: invalid blossom_urls: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanArticle(row rowScanner) (*models.Article, error) {
	var a models.Article
	var inline, tags sql.NullString
	err := row.Scan(&a.ID, &a.MigrationID, &a.Title, &a.Summary, &a.ContentMarkdown, &a.ImageURL,
		&a.BlossomImageURL, &inline, &tags, &a.PublishedAt, &a.Link,
		&a.Status, &a.UploadAttempts, &a.NostrEventID, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inline.Valid && inline.String != "" {
		if err := json.Unmarshal([]byte(inline.String), &a.InlineImageURLs); err != nil {
			return nil, fmt.Errorf("article %d: invalid inline_image_urls: %w", a.ID, err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &a.Hashtags); err != nil {
			return nil, fmt.Errorf("article %d: invalid hashtags: %w", a.ID, err)
		}
	}
	return &a, nil
}

// sqliteInterval formats a relative modifier for datetime('now', ?). Always a
// bound parameter, never string-built SQL.
func sqliteInterval(d time.Duration) string {
	return fmt.Sprintf("-%d seconds", int64(d.Seconds()))
}
