package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ownyourposts/migrator/internal/models"
)

func TestClaimNextPost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMigration(t, s, "mig-1", models.SigningLocal, 2)

	first, err := s.ClaimNextPost(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPost: %v", err)
	}
	if first == nil {
		t.Fatalf("expected a claim")
	}
	if first.Status != models.PostUploading {
		t.Fatalf("expected uploading, got %s", first.Status)
	}
	if first.SecretKey == "" || first.PublicKey == "" {
		t.Fatalf("expected key material on claim: %+v", first)
	}

	second, err := s.ClaimNextPost(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPost: %v", err)
	}
	if second == nil || second.ID == first.ID {
		t.Fatalf("expected a different post, got %+v", second)
	}

	third, err := s.ClaimNextPost(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPost: %v", err)
	}
	if third != nil {
		t.Fatalf("expected empty queue, got %+v", third)
	}
}

func TestClaimNextPost_SkipsExternalAndScrubbed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMigration(t, s, "mig-ext", models.SigningExternal, 1)

	scrubbed := seedMigration(t, s, "mig-scrubbed", models.SigningLocal, 1)
	if _, err := s.db.Exec(`UPDATE migrations SET secret_key = ? WHERE id = ?`, models.SecretScrubbed, scrubbed.ID); err != nil {
		t.Fatalf("scrub: %v", err)
	}

	got, err := s.ClaimNextPost(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPost: %v", err)
	}
	if got != nil {
		t.Fatalf("external and scrubbed migrations must not be claimable, got %+v", got)
	}
}

func TestClaimNextPost_Concurrent(t *testing.T) {
	s := newTestStore(t)
	seedMigration(t, s, "mig-1", models.SigningLocal, 3)

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.ClaimNextPost(context.Background())
			if err != nil || p == nil {
				return
			}
			mu.Lock()
			seen[p.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 3 {
		t.Fatalf("expected all 3 posts claimed, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("post %d claimed %d times", id, n)
		}
	}
}

func TestClaimNextArticle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &models.Migration{ID: "mig-1", Handle: "u", Signing: models.SigningLocal, Status: models.MigrationPending, SecretKey: "aa", PublicKey: "bb"}
	articles := []models.Article{
		{Title: "one", ContentMarkdown: "a", Link: "https://blog.example/one"},
		{Title: "two", ContentMarkdown: "b", Link: "https://blog.example/two"},
	}
	if err := s.InsertMigration(ctx, m, nil, articles); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := s.ClaimNextArticle(ctx)
	if err != nil {
		t.Fatalf("ClaimNextArticle: %v", err)
	}
	if first == nil || first.Title != "one" {
		t.Fatalf("expected oldest article first, got %+v", first)
	}
	if first.Status != models.PostUploading {
		t.Fatalf("expected uploading, got %s", first.Status)
	}

	second, _ := s.ClaimNextArticle(ctx)
	if second == nil || second.Title != "two" {
		t.Fatalf("expected second article, got %+v", second)
	}
	if third, _ := s.ClaimNextArticle(ctx); third != nil {
		t.Fatalf("expected empty queue, got %+v", third)
	}
}

func TestClaimNextMigration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMigration(t, s, "mig-local", models.SigningLocal, 1)
	seedMigration(t, s, "mig-ext", models.SigningExternal, 1)

	got, err := s.ClaimNextMigration(ctx)
	if err != nil {
		t.Fatalf("ClaimNextMigration: %v", err)
	}
	if got == nil || got.ID != "mig-ext" {
		t.Fatalf("expected external migration, got %+v", got)
	}
	if got.Status != models.MigrationProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}

	if again, _ := s.ClaimNextMigration(ctx); again != nil {
		t.Fatalf("migration claimed twice: %+v", again)
	}
}

func TestClaimNextProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := seedMigration(t, s, "mig-1", models.SigningLocal, 1)
	if _, err := s.db.Exec(`UPDATE migrations SET profile_name = 'Some User' WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	// A migration without profile data is never claimable.
	seedMigration(t, s, "mig-noprofile", models.SigningLocal, 1)

	got, err := s.ClaimNextProfile(ctx)
	if err != nil {
		t.Fatalf("ClaimNextProfile: %v", err)
	}
	if got == nil || got.ID != m.ID {
		t.Fatalf("expected profile claim for %s, got %+v", m.ID, got)
	}
	if got.ProfilePublished != models.ProfileProcessing {
		t.Fatalf("expected processing tri-state, got %d", got.ProfilePublished)
	}

	if again, _ := s.ClaimNextProfile(ctx); again != nil {
		t.Fatalf("profile claimed twice: %+v", again)
	}
}

func TestResetStalePosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMigration(t, s, "mig-1", models.SigningLocal, 2)

	claimed, _ := s.ClaimNextPost(ctx)
	if claimed == nil {
		t.Fatalf("expected claim")
	}

	// A fresh claim is not stale.
	n, err := s.ResetStalePosts(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ResetStalePosts: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh claim reset: %d", n)
	}

	if _, err := s.db.Exec(`UPDATE posts SET updated_at = datetime('now', '-1 hour') WHERE id = ?`, claimed.ID); err != nil {
		t.Fatalf("age post: %v", err)
	}
	n, err = s.ResetStalePosts(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ResetStalePosts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	posts, _ := s.MigrationPosts(ctx, "mig-1")
	for _, p := range posts {
		if p.ID == claimed.ID && p.Status != models.PostPending {
			t.Fatalf("expected pending after reset, got %s", p.Status)
		}
	}
}

func TestResetStaleMigrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedMigration(t, s, "mig-ext", models.SigningExternal, 1)

	claimed, _ := s.ClaimNextMigration(ctx)
	if claimed == nil {
		t.Fatalf("expected claim")
	}
	posts, _ := s.MigrationPosts(ctx, "mig-ext")
	if err := s.UpdatePostStatus(ctx, posts[0].ID, models.PostUploading, PostUpdate{}); err != nil {
		t.Fatalf("seed uploading: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE migrations SET updated_at = datetime('now', '-1 hour') WHERE id = 'mig-ext'`); err != nil {
		t.Fatalf("age migration: %v", err)
	}

	n, err := s.ResetStaleMigrations(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ResetStaleMigrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	m, _ := s.GetMigration(ctx, "mig-ext")
	if m.Status != models.MigrationPending {
		t.Fatalf("expected pending migration, got %s", m.Status)
	}
	posts, _ = s.MigrationPosts(ctx, "mig-ext")
	if posts[0].Status != models.PostPending {
		t.Fatalf("expected child reset to pending, got %s", posts[0].Status)
	}
}

func TestResetStaleProfiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := seedMigration(t, s, "mig-1", models.SigningLocal, 1)
	if _, err := s.db.Exec(`UPDATE migrations SET profile_name = 'n' WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if claimed, _ := s.ClaimNextProfile(ctx); claimed == nil {
		t.Fatalf("expected claim")
	}
	if _, err := s.db.Exec(`UPDATE migrations SET updated_at = datetime('now', '-20 minutes') WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("age: %v", err)
	}

	n, err := s.ResetStaleProfiles(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ResetStaleProfiles: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}
	got, _ := s.GetMigration(ctx, m.ID)
	if got.ProfilePublished != models.ProfileUnpublished {
		t.Fatalf("expected unpublished, got %d", got.ProfilePublished)
	}
}

func TestCleanupMigrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := seedMigration(t, s, "mig-old", models.SigningLocal, 1)
	if err := s.UpdateMigrationStatus(ctx, old.ID, models.MigrationComplete); err != nil {
		t.Fatalf("seed complete: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE migrations SET updated_at = datetime('now', '-8 days') WHERE id = ?`, old.ID); err != nil {
		t.Fatalf("age: %v", err)
	}

	expired := seedMigration(t, s, "mig-expired", models.SigningExternal, 1)
	if _, err := s.db.Exec(`UPDATE migrations SET expires_at = datetime('now', '-1 day') WHERE id = ?`, expired.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	keep := seedMigration(t, s, "mig-keep", models.SigningLocal, 1)

	n, err := s.CleanupMigrations(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupMigrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}

	if _, err := s.GetMigration(ctx, keep.ID); err != nil {
		t.Fatalf("recent migration deleted: %v", err)
	}
	// Cascade removed the children of the deleted migrations.
	posts, err := s.MigrationPosts(ctx, old.ID)
	if err != nil {
		t.Fatalf("MigrationPosts: %v", err)
	}
	if len(posts) != 0 {
		t.Fatalf("expected cascade delete, got %d posts", len(posts))
	}
}
