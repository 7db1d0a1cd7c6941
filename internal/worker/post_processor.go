package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ownyourposts/migrator/internal/blossom"
	"github.com/ownyourposts/migrator/internal/events"
	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
	"github.com/ownyourposts/migrator/internal/store"
)

// ProcessPost runs one claimed post through the full pipeline: re-host every
// media item, build and sign the kind 1 event, publish, then record the
// outcome. Failures retry up to MaxRetries before the post is marked error.
// The owning migration's status is recomputed regardless of outcome.
func (w *Worker) ProcessPost(ctx context.Context, cp *store.ClaimedPost) error {
	w.logf("[Post] processing id=%d migration=%s type=%s media=%d",
		cp.ID, cp.MigrationID, cp.PostType, len(cp.MediaItems))

	defer func() {
		if _, err := w.Store.RefreshMigrationStatus(context.WithoutCancel(ctx), cp.MigrationID); err != nil {
			w.logf("[Post] refresh migration status failed migration=%s err=%v", cp.MigrationID, err)
		}
	}()

	key, err := signer.NewStoredKey(cp.SecretKey)
	if err != nil {
		return w.failPost(ctx, cp, fmt.Errorf("load signing key: %w", err))
	}

	uploads, err := w.uploadAll(ctx, cp.MediaItems, key)
	if err != nil {
		return w.failPost(ctx, cp, err)
	}

	urls := make([]string, len(uploads))
	for i, up := range uploads {
		urls[i] = up.URL
	}

	if err := w.Store.UpdatePostStatus(ctx, cp.ID, models.PostPublishing, store.PostUpdate{BlossomURLs: urls}); err != nil {
		return w.failPost(ctx, cp, fmt.Errorf("record blob urls: %w", err))
	}

	ev := events.BuildPost(uploads, cp.Caption, cp.OriginalDate)
	if err := signer.Finalize(ev, key); err != nil {
		return w.failPost(ctx, cp, fmt.Errorf("sign event: %w", err))
	}

	accepted := w.Publisher.Publish(ctx, ev)
	if len(accepted) == 0 {
		return w.failPost(ctx, cp, fmt.Errorf("no relay accepted event %s", ev.ID))
	}
	w.importToCache(ctx, ev)

	if err := w.Store.UpdatePostStatus(ctx, cp.ID, models.PostComplete, store.PostUpdate{
		BlossomURLs:  urls,
		NostrEventID: &ev.ID,
	}); err != nil {
		return fmt.Errorf("mark post complete: %w", err)
	}

	w.logf("[Post] complete id=%d event=%s relays=%d media=%d", cp.ID, ev.ID, len(accepted), len(uploads))
	return nil
}

// uploadAll re-hosts every media item concurrently. Any single failure fails
// the batch; blob uploads are idempotent so a retry re-does only the work the
// server has not seen.
func (w *Worker) uploadAll(ctx context.Context, items []models.MediaItem, key signer.KeySource) ([]blossom.UploadResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("post has no media items")
	}

	uploads := make([]blossom.UploadResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := w.Blobs.Upload(gctx, item, key)
			if err != nil {
				return fmt.Errorf("upload %s %s: %w", item.MediaType, truncate(item.URL, 80), err)
			}
			uploads[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uploads, nil
}

// failPost applies the retry policy: back to pending with an incremented
// retry count while budget remains, error once it is spent.
func (w *Worker) failPost(ctx context.Context, cp *store.ClaimedPost, cause error) error {
	ctx = context.WithoutCancel(ctx)
	w.logf("[Post] failed id=%d err=%v", cp.ID, cause)

	retries, err := w.Store.PostRetryCount(ctx, cp.ID)
	if err != nil {
		w.logf("[Post] read retry count failed id=%d err=%v", cp.ID, err)
		retries = w.MaxRetries
	}

	if retries < w.MaxRetries {
		if err := w.Store.UpdatePostStatus(ctx, cp.ID, models.PostPending, store.PostUpdate{
			Error:          strPtr(cause.Error()),
			IncrementRetry: true,
		}); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return cause
	}

	if err := w.Store.UpdatePostStatus(ctx, cp.ID, models.PostError, store.PostUpdate{
		Error: strPtr("Max retries exceeded: " + cause.Error()),
	}); err != nil {
		return fmt.Errorf("mark post error: %w", err)
	}
	return cause
}
