package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
	"github.com/ownyourposts/migrator/internal/store"
)

// ProcessMigration handles an externally signed migration as a unit: every
// blob is re-hosted under an ephemeral key, children move to ready, and no
// Nostr event is published here. Content addressing makes the ephemeral key
// safe: the claimer's own key will reference the same URLs. When everything
// is re-hosted, the migration becomes ready and the owner is notified; any
// failure sends it back to pending so only the missing pieces get retried.
func (w *Worker) ProcessMigration(ctx context.Context, m *models.Migration) error {
	w.logf("[Migration] processing id=%s handle=%s", m.ID, m.Handle)

	key, err := signer.NewEphemeralKey()
	if err != nil {
		return w.requeueMigration(ctx, m, fmt.Errorf("generate ephemeral key: %w", err))
	}

	allOK := true

	if m.ProfilePicURL != nil && *m.ProfilePicURL != "" &&
		!strings.Contains(strings.ToLower(*m.ProfilePicURL), "blossom") {
		if res, err := w.Blobs.Upload(ctx, models.MediaItem{URL: *m.ProfilePicURL, MediaType: "image"}, key); err != nil {
			w.logf("[Migration] avatar upload failed id=%s err=%v", m.ID, err)
		} else if err := w.Store.UpdateProfilePicture(ctx, m.ID, res.URL); err != nil {
			w.logf("[Migration] record avatar failed id=%s err=%v", m.ID, err)
		}
	}

	posts, err := w.Store.MigrationPosts(ctx, m.ID)
	if err != nil {
		return w.requeueMigration(ctx, m, fmt.Errorf("load posts: %w", err))
	}
	for i := range posts {
		p := &posts[i]
		if p.Status != models.PostPending {
			continue
		}
		if err := w.rehostPost(ctx, p, key); err != nil {
			w.logf("[Migration] post upload failed id=%s post=%d err=%v", m.ID, p.ID, err)
			allOK = false
		}
	}

	articles, err := w.Store.MigrationArticles(ctx, m.ID)
	if err != nil {
		return w.requeueMigration(ctx, m, fmt.Errorf("load articles: %w", err))
	}
	for i := range articles {
		a := &articles[i]
		if a.Status != models.PostPending {
			continue
		}
		ok, err := w.rehostArticle(ctx, a, key)
		if err != nil {
			w.logf("[Migration] article upload failed id=%s article=%d err=%v", m.ID, a.ID, err)
			allOK = false
		} else if !ok {
			allOK = false
		}
	}

	if !allOK {
		return w.requeueMigration(ctx, m, fmt.Errorf("incomplete uploads, will retry"))
	}

	if err := w.Store.UpdateMigrationStatus(ctx, m.ID, models.MigrationReady); err != nil {
		return fmt.Errorf("mark migration ready: %w", err)
	}
	w.logf("[Migration] ready id=%s posts=%d articles=%d", m.ID, len(posts), len(articles))

	w.notifyReady(ctx, m, len(posts)+len(articles))
	return nil
}

// rehostPost uploads a post's media under the ephemeral key and marks it
// ready for the eventual claimer to sign and publish.
func (w *Worker) rehostPost(ctx context.Context, p *models.Post, key signer.KeySource) error {
	if err := w.Store.UpdatePostStatus(ctx, p.ID, models.PostUploading, store.PostUpdate{}); err != nil {
		return err
	}

	uploads, err := w.uploadAll(ctx, p.MediaItems, key)
	if err != nil {
		if uerr := w.Store.UpdatePostStatus(ctx, p.ID, models.PostPending, store.PostUpdate{
			Error: strPtr(err.Error()),
		}); uerr != nil {
			w.logf("[Migration] reset post failed post=%d err=%v", p.ID, uerr)
		}
		return err
	}

	urls := make([]string, len(uploads))
	for i, up := range uploads {
		urls[i] = up.URL
	}
	return w.Store.UpdatePostStatus(ctx, p.ID, models.PostReady, store.PostUpdate{BlossomURLs: urls})
}

// rehostArticle re-hosts an article's images without publishing. The attempt
// budget mirrors the locally signed path: the final attempt marks the article
// ready with source CDN fallbacks instead of retrying forever.
func (w *Worker) rehostArticle(ctx context.Context, a *models.Article, key signer.KeySource) (bool, error) {
	attempts, err := w.Store.IncrementArticleAttempts(ctx, a.ID)
	if err != nil {
		return false, err
	}

	imgs := w.rehostArticleImages(ctx, a, key)
	if imgs.failed && attempts < maxUploadAttempts {
		w.logf("[Migration] article uploads incomplete article=%d attempt=%d/%d", a.ID, attempts, maxUploadAttempts)
		return false, nil
	}

	if err := w.Store.UpdateArticleImages(ctx, a.ID, imgs.headerURL, imgs.content, imgs.mapping); err != nil {
		return false, err
	}
	return true, w.Store.UpdateArticleStatus(ctx, a.ID, models.PostReady, nil, nil)
}

func (w *Worker) requeueMigration(ctx context.Context, m *models.Migration, cause error) error {
	w.logf("[Migration] requeue id=%s err=%v", m.ID, cause)
	if err := w.Store.UpdateMigrationStatus(context.WithoutCancel(ctx), m.ID, models.MigrationPending); err != nil {
		return fmt.Errorf("requeue migration: %w", err)
	}
	return cause
}

func (w *Worker) notifyReady(ctx context.Context, m *models.Migration, count int) {
	if w.Emailer == nil || m.NotifyEmail == nil || *m.NotifyEmail == "" || m.ClaimToken == nil {
		return
	}
	w.Emailer.SendReady(ctx, *m.NotifyEmail, m.Handle, *m.ClaimToken, count)
}
