package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ownyourposts/migrator/internal/events"
	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
)

// ProcessProfile publishes the kind 0 metadata event for a claimed profile.
// The avatar re-host is best effort: a failed upload publishes the profile
// without a picture rather than blocking it. Failure to reach any relay
// returns the profile to unpublished so a later pass retries.
func (w *Worker) ProcessProfile(ctx context.Context, m *models.Migration) error {
	if m.ProfileName == nil || *m.ProfileName == "" {
		return w.resetProfile(ctx, m, fmt.Errorf("migration %s has no profile name", m.ID))
	}
	w.logf("[Profile] processing migration=%s handle=%s", m.ID, m.Handle)

	key, err := signer.NewStoredKey(m.SecretKey)
	if err != nil {
		return w.resetProfile(ctx, m, fmt.Errorf("load signing key: %w", err))
	}

	var blobURL *string
	if m.ProfilePicURL != nil && *m.ProfilePicURL != "" {
		if strings.Contains(strings.ToLower(*m.ProfilePicURL), "blossom") {
			blobURL = m.ProfilePicURL
		} else if res, err := w.Blobs.Upload(ctx, models.MediaItem{URL: *m.ProfilePicURL, MediaType: "image"}, key); err != nil {
			w.logf("[Profile] avatar upload failed migration=%s err=%v", m.ID, err)
		} else {
			blobURL = &res.URL
		}
	}

	ev, err := events.BuildProfile(*m.ProfileName, m.ProfileBio, blobURL)
	if err != nil {
		return w.resetProfile(ctx, m, fmt.Errorf("build profile event: %w", err))
	}
	if err := signer.Finalize(ev, key); err != nil {
		return w.resetProfile(ctx, m, fmt.Errorf("sign event: %w", err))
	}

	accepted := w.Publisher.Publish(ctx, ev)
	if len(accepted) == 0 {
		return w.resetProfile(ctx, m, fmt.Errorf("no relay accepted profile event %s", ev.ID))
	}
	w.importToCache(ctx, ev)

	if err := w.Store.MarkProfilePublished(ctx, m.ID, blobURL); err != nil {
		return fmt.Errorf("mark profile published: %w", err)
	}

	w.logf("[Profile] published migration=%s event=%s relays=%d", m.ID, ev.ID, len(accepted))
	return nil
}

func (w *Worker) resetProfile(ctx context.Context, m *models.Migration, cause error) error {
	w.logf("[Profile] failed migration=%s err=%v", m.ID, cause)
	if err := w.Store.ResetProfile(context.WithoutCancel(ctx), m.ID); err != nil {
		return fmt.Errorf("reset profile claim: %w", err)
	}
	return cause
}
