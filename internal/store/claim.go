package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ownyourposts/migrator/internal/models"
)

// Claiming follows one pattern for every work kind: select the oldest
// candidate, then try a conditional UPDATE guarded on the unclaimed state.
// RowsAffected >= 1 means we own the row; 0 means another worker won the race
// and we select again until no candidate remains. Mutual exclusion comes from
// sqlite's single-writer transaction semantics, not advisory locks.

// ClaimedPost is a post joined with the owning migration's key material.
type ClaimedPost struct {
	models.Post
	PublicKey string
	SecretKey string
}

// ClaimedArticle is an article joined with the owning migration's key material.
type ClaimedArticle struct {
	models.Article
	PublicKey string
	SecretKey string
}

// ClaimNextPost atomically claims the oldest pending post of a locally signed
// migration, moving it to uploading. Returns nil when the queue is empty.
func (s *Store) ClaimNextPost(ctx context.Context) (*ClaimedPost, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT p.id, p.migration_id, p.post_type, p.media_items, p.caption, p.original_date,
			       p.status, p.blossom_urls, p.nostr_event_id, p.retry_count, p.error,
			       p.created_at, p.updated_at,
			       m.public_key, m.secret_key
			FROM posts p
			JOIN migrations m ON p.migration_id = m.id
			WHERE p.status = 'pending' AND m.signing = 'local'
			  AND m.secret_key IS NOT NULL AND m.secret_key != ?
			ORDER BY p.created_at ASC, p.id ASC
			LIMIT 1
		`, models.SecretScrubbed)

		cand, err := scanClaimedPost(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE posts SET status = 'uploading', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending'
		`, cand.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cand.Status = models.PostUploading
			return cand, nil
		}
		// Lost the race; try the next candidate.
	}
}

// ClaimNextArticle atomically claims the oldest pending article of a locally
// signed migration.
func (s *Store) ClaimNextArticle(ctx context.Context) (*ClaimedArticle, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT a.id, a.migration_id, a.title, a.summary, a.content_markdown, a.image_url,
			       a.blossom_image_url, a.inline_image_urls, a.hashtags, a.published_at, a.link,
			       a.status, a.upload_attempts, a.nostr_event_id, a.error, a.created_at, a.updated_at,
			       m.public_key, m.secret_key
			FROM articles a
			JOIN migrations m ON a.migration_id = m.id
			WHERE a.status = 'pending' AND m.signing = 'local'
			  AND m.secret_key IS NOT NULL AND m.secret_key != ?
			ORDER BY a.created_at ASC, a.id ASC
			LIMIT 1
		`, models.SecretScrubbed)

		cand, err := scanClaimedArticle(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE articles SET status = 'uploading', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending'
		`, cand.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cand.Status = models.PostUploading
			return cand, nil
		}
	}
}

// ClaimNextMigration atomically claims the oldest pending upload-only
// (externally signed) migration, refreshing updated_at for stale detection.
func (s *Store) ClaimNextMigration(ctx context.Context) (*models.Migration, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, handle, public_key, secret_key, signing, status,
			       profile_name, profile_bio, profile_picture_url, profile_blossom_url,
			       profile_published, notify_email, claim_token, error, expires_at,
			       created_at, updated_at
			FROM migrations
			WHERE signing = 'external' AND status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`)

		cand, err := scanMigration(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE migrations SET status = 'processing', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending'
		`, cand.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cand.Status = models.MigrationProcessing
			return cand, nil
		}
	}
}

// ClaimNextProfile atomically claims the oldest unpublished profile of a
// locally signed migration (tri-state 0 -> -1).
func (s *Store) ClaimNextProfile(ctx context.Context) (*models.Migration, error) {
	for {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, handle, public_key, secret_key, signing, status,
			       profile_name, profile_bio, profile_picture_url, profile_blossom_url,
			       profile_published, notify_email, claim_token, error, expires_at,
			       created_at, updated_at
			FROM migrations
			WHERE profile_published = 0 AND profile_name IS NOT NULL
			  AND signing = 'local'
			  AND secret_key IS NOT NULL AND secret_key != ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, models.SecretScrubbed)

		cand, err := scanMigration(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE migrations SET profile_published = -1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND profile_published = 0
		`, cand.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cand.ProfilePublished = models.ProfileProcessing
			return cand, nil
		}
	}
}

// ResetStaleMigrations returns externally signed migrations stuck in
// processing for longer than olderThan to pending, together with any of their
// children still marked uploading, so a future worker can re-claim them.
func (s *Store) ResetStaleMigrations(ctx context.Context, olderThan time.Duration) (int64, error) {
	iv := sqliteInterval(olderThan)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE posts SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'uploading'
		  AND migration_id IN (
			SELECT id FROM migrations
			WHERE signing = 'external' AND status = 'processing'
			  AND updated_at < datetime('now', ?)
		  )
	`, iv)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE articles SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'uploading'
		  AND migration_id IN (
			SELECT id FROM migrations
			WHERE signing = 'external' AND status = 'processing'
			  AND updated_at < datetime('now', ?)
		  )
	`, iv)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE migrations SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE signing = 'external' AND status = 'processing'
		  AND updated_at < datetime('now', ?)
	`, iv)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// ResetStalePosts returns posts of locally signed migrations stuck mid-flight
// (uploading or publishing) to pending, and flips their parent back to pending
// so its status gets recomputed by the next worker.
func (s *Store) ResetStalePosts(ctx context.Context, olderThan time.Duration) (int64, error) {
	iv := sqliteInterval(olderThan)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE migrations SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE signing = 'local' AND status = 'processing'
		  AND id IN (
			SELECT migration_id FROM posts
			WHERE status IN ('uploading', 'publishing')
			  AND updated_at < datetime('now', ?)
		  )
	`, iv)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE posts SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('uploading', 'publishing')
		  AND updated_at < datetime('now', ?)
		  AND migration_id IN (SELECT id FROM migrations WHERE signing = 'local')
	`, iv)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// ResetStaleArticles is ResetStalePosts for article rows.
func (s *Store) ResetStaleArticles(ctx context.Context, olderThan time.Duration) (int64, error) {
	iv := sqliteInterval(olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE articles SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('uploading', 'publishing')
		  AND updated_at < datetime('now', ?)
		  AND migration_id IN (SELECT id FROM migrations WHERE signing = 'local')
	`, iv)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetStaleProfiles returns profiles stuck in the processing tri-state to
// unpublished.
func (s *Store) ResetStaleProfiles(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migrations SET profile_published = 0, updated_at = CURRENT_TIMESTAMP
		WHERE profile_published = -1 AND updated_at < datetime('now', ?)
	`, sqliteInterval(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupMigrations garbage-collects terminal migrations older than the
// retention window, plus externally signed ones that expired unclaimed.
// Children go with the parent via ON DELETE CASCADE.
func (s *Store) CleanupMigrations(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM migrations
		WHERE (status IN ('complete', 'error') AND updated_at < datetime('now', ?))
		   OR (signing = 'external' AND expires_at IS NOT NULL
		       AND expires_at < datetime('now') AND status != 'complete')
	`, sqliteInterval(retention))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanClaimedPost(row rowScanner) (*ClaimedPost, error) {
	var p ClaimedPost
	var items, urls, pub, sec sql.NullString
	err := row.Scan(&p.ID, &p.MigrationID, &p.PostType, &items, &p.Caption, &p.OriginalDate,
		&p.Status, &urls, &p.NostrEventID, &p.RetryCount, &p.Error,
		&p.CreatedAt, &p.UpdatedAt, &pub, &sec)
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
	p.PublicKey = pub.String
	p.SecretKey = sec.String
	return &p, nil
}

func scanClaimedArticle(row rowScanner) (*ClaimedArticle, error) {
	var a ClaimedArticle
	var inline, tags, pub, sec sql.NullString
	err := row.Scan(&a.ID, &a.MigrationID, &a.Title, &a.Summary, &a.ContentMarkdown, &a.ImageURL,
		&a.BlossomImageURL, &inline, &tags, &a.PublishedAt, &a.Link,
		&a.Status, &a.UploadAttempts, &a.NostrEventID, &a.Error, &a.CreatedAt, &a.UpdatedAt,
		&pub, &sec)
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
	a.PublicKey = pub.String
	a.SecretKey = sec.String
	return &a, nil
}
