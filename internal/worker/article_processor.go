package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ownyourposts/migrator/internal/events"
	"github.com/ownyourposts/migrator/internal/markdown"
	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
	"github.com/ownyourposts/migrator/internal/store"
)

// articleImages is the outcome of one image re-hosting pass over an article.
type articleImages struct {
	headerURL *string
	content   string
	mapping   map[string]string
	failed    bool
}

// rehostArticleImages uploads the header image and every inline Markdown
// image, then rewrites the content to point at the new blob URLs. Individual
// upload failures do not abort the pass; they are reported via failed so the
// caller can apply its attempt budget. Already re-hosted and data: URLs are
// left alone, which makes repeat passes pick up only what previously failed.
func (w *Worker) rehostArticleImages(ctx context.Context, a *models.Article, key signer.KeySource) articleImages {
	out := articleImages{
		headerURL: a.BlossomImageURL,
		content:   a.ContentMarkdown,
		mapping:   map[string]string{},
	}

	if a.ImageURL != nil && *a.ImageURL != "" && out.headerURL == nil {
		res, err := w.Blobs.Upload(ctx, models.MediaItem{URL: *a.ImageURL, MediaType: "image"}, key)
		if err != nil {
			w.logf("[Article] header upload failed id=%d url=%s err=%v", a.ID, truncate(*a.ImageURL, 80), err)
			out.failed = true
		} else {
			out.headerURL = &res.URL
		}
	}

	for _, u := range markdown.ExtractImageURLs(a.ContentMarkdown) {
		if strings.Contains(strings.ToLower(u), "blossom") {
			continue
		}
		res, err := w.Blobs.Upload(ctx, models.MediaItem{URL: u, MediaType: "image"}, key)
		if err != nil {
			w.logf("[Article] inline upload failed id=%d url=%s err=%v", a.ID, truncate(u, 80), err)
			out.failed = true
			continue
		}
		out.mapping[u] = res.URL
	}

	if len(out.mapping) > 0 {
		out.content = markdown.RewriteImageURLs(a.ContentMarkdown, out.mapping)
	}
	return out
}

// ProcessArticle runs one claimed article end to end: re-host its images,
// persist the rewritten content, then publish the kind 30023 event. Upload
// failures send the article back to pending until the attempt budget runs
// out; the final attempt publishes anyway, keeping source CDN URLs for
// whatever could not be re-hosted. Sign and publish failures are transient
// and requeue without spending the budget.
func (w *Worker) ProcessArticle(ctx context.Context, ca *store.ClaimedArticle) error {
	defer func() {
		if _, err := w.Store.RefreshMigrationStatus(context.WithoutCancel(ctx), ca.MigrationID); err != nil {
			w.logf("[Article] refresh migration status failed migration=%s err=%v", ca.MigrationID, err)
		}
	}()

	attempts, err := w.Store.IncrementArticleAttempts(ctx, ca.ID)
	if err != nil {
		return w.failArticle(ctx, ca, maxUploadAttempts, fmt.Errorf("increment attempts: %w", err))
	}
	w.logf("[Article] processing id=%d migration=%s attempt=%d/%d", ca.ID, ca.MigrationID, attempts, maxUploadAttempts)

	key, err := signer.NewStoredKey(ca.SecretKey)
	if err != nil {
		return w.failArticle(ctx, ca, attempts, fmt.Errorf("load signing key: %w", err))
	}

	imgs := w.rehostArticleImages(ctx, &ca.Article, key)
	if imgs.failed && attempts < maxUploadAttempts {
		if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostPending, nil,
			strPtr(fmt.Sprintf("image uploads incomplete (attempt %d/%d)", attempts, maxUploadAttempts))); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}
	if imgs.failed {
		w.logf("[Article] id=%d hit attempt budget, publishing with source CDN fallbacks", ca.ID)
	}

	if err := w.Store.UpdateArticleImages(ctx, ca.ID, imgs.headerURL, imgs.content, imgs.mapping); err != nil {
		return w.failArticle(ctx, ca, attempts, fmt.Errorf("persist rewritten images: %w", err))
	}
	ca.ContentMarkdown = imgs.content
	ca.BlossomImageURL = imgs.headerURL

	if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostPublishing, nil, nil); err != nil {
		return w.failArticle(ctx, ca, attempts, fmt.Errorf("mark publishing: %w", err))
	}

	ev := events.BuildArticle(&ca.Article, imgs.headerURL)
	if err := signer.Finalize(ev, key); err != nil {
		return w.requeueArticle(ctx, ca, fmt.Errorf("sign event: %w", err))
	}

	accepted := w.Publisher.Publish(ctx, ev)
	if len(accepted) == 0 {
		return w.requeueArticle(ctx, ca, fmt.Errorf("no relay accepted event %s", ev.ID))
	}
	w.importToCache(ctx, ev)

	if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostComplete, &ev.ID, nil); err != nil {
		return fmt.Errorf("mark article complete: %w", err)
	}

	w.logf("[Article] complete id=%d event=%s relays=%d", ca.ID, ev.ID, len(accepted))
	return nil
}

// requeueArticle returns an article to pending without consuming the upload
// attempt budget. The images are already re-hosted and persisted at this
// point; a relay outage must not turn a finished upload into a permanent
// error.
func (w *Worker) requeueArticle(ctx context.Context, ca *store.ClaimedArticle, cause error) error {
	ctx = context.WithoutCancel(ctx)
	w.logf("[Article] publish failed id=%d err=%v", ca.ID, cause)
	if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostPending, nil, strPtr(cause.Error())); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return cause
}

func (w *Worker) failArticle(ctx context.Context, ca *store.ClaimedArticle, attempts int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	w.logf("[Article] failed id=%d attempt=%d err=%v", ca.ID, attempts, cause)

	if attempts < maxUploadAttempts {
		if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostPending, nil, strPtr(cause.Error())); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return cause
	}
	if err := w.Store.UpdateArticleStatus(ctx, ca.ID, models.PostError, nil,
		strPtr("Max attempts exceeded: "+cause.Error())); err != nil {
		return fmt.Errorf("mark article error: %w", err)
	}
	return cause
}
