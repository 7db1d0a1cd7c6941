// Package worker drains the migration queue: it claims work units from the
// store, re-hosts their media on Blossom, publishes signed Nostr events and
// records outcomes.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ownyourposts/migrator/internal/blossom"
	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
	"github.com/ownyourposts/migrator/internal/store"
)

// Retry budgets. Posts retry whole; articles count upload attempts and fall
// back to source CDN URLs on the final one.
const (
	maxUploadAttempts = 5

	staleMigrationAge = 30 * time.Minute
	stalePostAge      = 30 * time.Minute
	staleProfileAge   = 10 * time.Minute
	retentionWindow   = 7 * 24 * time.Hour
)

// Uploader is the blob-upload capability the processors need. Satisfied by
// *blossom.Client; tests substitute fakes.
type Uploader interface {
	Upload(ctx context.Context, item models.MediaItem, key signer.KeySource) (*blossom.UploadResult, error)
}

// Publisher fans an event out to relays and reports acceptances.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) []string
}

// Importer pushes published events into a caching relay. Optional.
type Importer interface {
	Import(ctx context.Context, events []*nostr.Event) bool
}

// Emailer sends claim notifications. Optional.
type Emailer interface {
	SendReady(ctx context.Context, toEmail, handle, claimToken string, postCount int) bool
}

// Worker bundles the collaborators shared by all processors. Importer and
// Emailer may be nil; everything else is required.
type Worker struct {
	Store      *store.Store
	Blobs      Uploader
	Publisher  Publisher
	Importer   Importer
	Emailer    Emailer
	MaxRetries int
	Logger     *log.Logger
}

func New(st *store.Store, blobs Uploader, pub Publisher) *Worker {
	return &Worker{
		Store:      st,
		Blobs:      blobs,
		Publisher:  pub,
		MaxRetries: 3,
		Logger:     log.Default(),
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// importToCache is a best-effort push of freshly published events into the
// cache relay so they surface immediately despite historical timestamps.
func (w *Worker) importToCache(ctx context.Context, evs ...*nostr.Event) {
	if w.Importer == nil || len(evs) == 0 {
		return
	}
	w.Importer.Import(ctx, evs)
}

func strPtr(s string) *string { return &s }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
