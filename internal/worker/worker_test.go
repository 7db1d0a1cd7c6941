package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ownyourposts/migrator/internal/blossom"
	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
	"github.com/ownyourposts/migrator/internal/store"
)

type fakeUploader struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []string
}

func (f *fakeUploader) Upload(ctx context.Context, item models.MediaItem, key signer.KeySource) (*blossom.UploadResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.URL)
	failing := f.failing[item.URL]
	f.mu.Unlock()

	if failing {
		return nil, fmt.Errorf("upload unavailable")
	}
	sum := sha256.Sum256([]byte(item.URL))
	hash := hex.EncodeToString(sum[:])
	return &blossom.UploadResult{
		URL:      "https://cdn.example/" + hash[:16],
		Hash:     hash,
		Size:     42,
		MimeType: "image/jpeg",
		Width:    item.Width,
		Height:   item.Height,
	}, nil
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu     sync.Mutex
	reject bool
	events []*nostr.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev *nostr.Event) []string {
	f.mu.Lock()
	f.events = append(f.events, ev)
	reject := f.reject
	f.mu.Unlock()
	if reject {
		return nil
	}
	return []string{"wss://relay.example"}
}

func (f *fakePublisher) published() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.events...)
}

type fakeImporter struct {
	mu     sync.Mutex
	events int
}

func (f *fakeImporter) Import(ctx context.Context, evs []*nostr.Event) bool {
	f.mu.Lock()
	f.events += len(evs)
	f.mu.Unlock()
	return true
}

type fakeEmailer struct {
	mu    sync.Mutex
	sent  int
	to    string
	token string
	count int
}

func (f *fakeEmailer) SendReady(ctx context.Context, toEmail, handle, claimToken string, postCount int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	f.to = toEmail
	f.token = claimToken
	f.count = postCount
	return true
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "000001_init.up.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := s.DB().Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return s
}

func newTestWorker(t *testing.T, st *store.Store) (*Worker, *fakeUploader, *fakePublisher) {
	t.Helper()
	up := &fakeUploader{failing: map[string]bool{}}
	pub := &fakePublisher{}
	w := New(st, up, pub)
	w.Logger = log.New(os.Stderr, "", 0)
	return w, up, pub
}

func strptr(s string) *string { return &s }

func seedLocalMigration(t *testing.T, st *store.Store, id string, posts []models.Post, articles []models.Article) *models.Migration {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	m := &models.Migration{
		ID:        id,
		Handle:    "someuser",
		SecretKey: sk,
		PublicKey: pk,
		Signing:   models.SigningLocal,
		Status:    models.MigrationPending,
	}
	if err := st.InsertMigration(context.Background(), m, posts, articles); err != nil {
		t.Fatalf("insert migration: %v", err)
	}
	return m
}

func onePost() []models.Post {
	return []models.Post{{
		PostType: "image",
		MediaItems: []models.MediaItem{
			{URL: "https://src.example/a.jpg", MediaType: "image", Width: 640, Height: 480},
		},
		Caption:      strptr("beach day"),
		OriginalDate: strptr("2024-01-02T03:04:05+00:00"),
	}}
}

func TestProcessPost_Success(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	im := &fakeImporter{}
	w.Importer = im
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", onePost(), nil)

	cp, err := st.ClaimNextPost(ctx)
	if err != nil || cp == nil {
		t.Fatalf("claim: %v %v", cp, err)
	}
	if err := w.ProcessPost(ctx, cp); err != nil {
		t.Fatalf("ProcessPost: %v", err)
	}

	posts, _ := st.MigrationPosts(ctx, m.ID)
	p := posts[0]
	if p.Status != models.PostComplete {
		t.Fatalf("expected complete, got %s (err=%v)", p.Status, p.Error)
	}
	if len(p.BlossomURLs) != 1 {
		t.Fatalf("expected 1 blob url, got %v", p.BlossomURLs)
	}
	if p.NostrEventID == nil || *p.NostrEventID == "" {
		t.Fatalf("missing event id")
	}

	evs := pub.published()
	if len(evs) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Kind != nostr.KindTextNote {
		t.Fatalf("expected kind 1, got %d", ev.Kind)
	}
	if int64(ev.CreatedAt) != 1704164645 {
		t.Fatalf("expected original timestamp, got %d", ev.CreatedAt)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		t.Fatalf("event signature invalid: ok=%v err=%v", ok, err)
	}
	if ev.PubKey != m.PublicKey {
		t.Fatalf("event signed with wrong key")
	}
	if im.events != 1 {
		t.Fatalf("expected cache import, got %d", im.events)
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationComplete {
		t.Fatalf("expected migration complete, got %s", got.Status)
	}
	if got.SecretKey != models.SecretScrubbed {
		t.Fatalf("expected scrubbed secret")
	}
}

func TestProcessPost_RetriesThenErrors(t *testing.T) {
	st := newTestStore(t)
	w, up, _ := newTestWorker(t, st)
	up.failing["https://src.example/a.jpg"] = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", onePost(), nil)

	// MaxRetries pending requeues, then a final error.
	for i := 0; i < w.MaxRetries; i++ {
		cp, err := st.ClaimNextPost(ctx)
		if err != nil || cp == nil {
			t.Fatalf("claim %d: %v %v", i, cp, err)
		}
		if err := w.ProcessPost(ctx, cp); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
		posts, _ := st.MigrationPosts(ctx, m.ID)
		if posts[0].Status != models.PostPending {
			t.Fatalf("attempt %d: expected pending, got %s", i, posts[0].Status)
		}
		if posts[0].RetryCount != i+1 {
			t.Fatalf("attempt %d: expected retry count %d, got %d", i, i+1, posts[0].RetryCount)
		}
	}

	cp, _ := st.ClaimNextPost(ctx)
	if cp == nil {
		t.Fatalf("expected final claim")
	}
	if err := w.ProcessPost(ctx, cp); err == nil {
		t.Fatalf("expected failure")
	}

	posts, _ := st.MigrationPosts(ctx, m.ID)
	if posts[0].Status != models.PostError {
		t.Fatalf("expected error after budget, got %s", posts[0].Status)
	}
	got, _ := st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationError {
		t.Fatalf("expected migration error, got %s", got.Status)
	}
	if got.SecretKey != models.SecretScrubbed {
		t.Fatalf("expected scrubbed secret on terminal state")
	}
}

func TestProcessPost_NoRelayAccepts(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	pub.reject = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", onePost(), nil)
	cp, _ := st.ClaimNextPost(ctx)
	if err := w.ProcessPost(ctx, cp); err == nil {
		t.Fatalf("expected failure when no relay accepts")
	}

	posts, _ := st.MigrationPosts(ctx, m.ID)
	if posts[0].Status != models.PostPending {
		t.Fatalf("expected retry, got %s", posts[0].Status)
	}
	if posts[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", posts[0].RetryCount)
	}
}

func oneArticle() []models.Article {
	return []models.Article{{
		Title:           "Herons",
		Summary:         strptr("field notes"),
		ContentMarkdown: "# Herons\n\n![a](https://src.example/inline.png)",
		ImageURL:        strptr("https://src.example/header.png"),
		Link:            "https://blog.example/posts/herons",
		Hashtags:        []string{"birds"},
	}}
}

func TestProcessArticle_Success(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", nil, oneArticle())
	ca, err := st.ClaimNextArticle(ctx)
	if err != nil || ca == nil {
		t.Fatalf("claim: %v %v", ca, err)
	}
	if err := w.ProcessArticle(ctx, ca); err != nil {
		t.Fatalf("ProcessArticle: %v", err)
	}

	articles, _ := st.MigrationArticles(ctx, m.ID)
	a := articles[0]
	if a.Status != models.PostComplete {
		t.Fatalf("expected complete, got %s (err=%v)", a.Status, a.Error)
	}
	if a.BlossomImageURL == nil {
		t.Fatalf("header image not re-hosted")
	}
	if a.ContentMarkdown == oneArticle()[0].ContentMarkdown {
		t.Fatalf("inline image not rewritten: %q", a.ContentMarkdown)
	}
	if a.UploadAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", a.UploadAttempts)
	}

	evs := pub.published()
	if len(evs) != 1 || evs[0].Kind != nostr.KindArticle {
		t.Fatalf("expected one kind 30023 event, got %v", evs)
	}
	if ok, _ := evs[0].CheckSignature(); !ok {
		t.Fatalf("article event signature invalid")
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationComplete {
		t.Fatalf("expected migration complete, got %s", got.Status)
	}
}

func TestProcessArticle_UploadFailureRequeues(t *testing.T) {
	st := newTestStore(t)
	w, up, pub := newTestWorker(t, st)
	up.failing["https://src.example/inline.png"] = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", nil, oneArticle())
	ca, _ := st.ClaimNextArticle(ctx)
	if err := w.ProcessArticle(ctx, ca); err != nil {
		t.Fatalf("ProcessArticle: %v", err)
	}

	articles, _ := st.MigrationArticles(ctx, m.ID)
	a := articles[0]
	if a.Status != models.PostPending {
		t.Fatalf("expected pending for retry, got %s", a.Status)
	}
	if a.UploadAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", a.UploadAttempts)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("nothing should publish while uploads are incomplete")
	}
}

func TestProcessArticle_FinalAttemptUsesCDNFallback(t *testing.T) {
	st := newTestStore(t)
	w, up, pub := newTestWorker(t, st)
	up.failing["https://src.example/inline.png"] = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", nil, oneArticle())
	// Burn the attempt budget down to the final attempt.
	if _, err := st.DB().Exec(`UPDATE articles SET upload_attempts = ?`, maxUploadAttempts-1); err != nil {
		t.Fatalf("seed attempts: %v", err)
	}

	ca, _ := st.ClaimNextArticle(ctx)
	if err := w.ProcessArticle(ctx, ca); err != nil {
		t.Fatalf("ProcessArticle: %v", err)
	}

	articles, _ := st.MigrationArticles(ctx, m.ID)
	a := articles[0]
	if a.Status != models.PostComplete {
		t.Fatalf("expected publish with fallback, got %s (err=%v)", a.Status, a.Error)
	}

	evs := pub.published()
	if len(evs) != 1 {
		t.Fatalf("expected published event, got %d", len(evs))
	}
	// The failed inline image keeps its source CDN URL.
	if got := evs[0].Content; got != oneArticle()[0].ContentMarkdown {
		t.Fatalf("expected source url kept in content, got %q", got)
	}
}

func TestProcessArticle_PublishFailureDoesNotSpendAttempts(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	pub.reject = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", nil, oneArticle())

	// More failed publishes than the upload attempt budget allows. The
	// images are re-hosted fine, so each pass must requeue, never error.
	for i := 0; i < maxUploadAttempts+1; i++ {
		ca, err := st.ClaimNextArticle(ctx)
		if err != nil || ca == nil {
			t.Fatalf("claim %d: %v %v", i, ca, err)
		}
		if err := w.ProcessArticle(ctx, ca); err == nil {
			t.Fatalf("expected publish failure on pass %d", i)
		}
		articles, _ := st.MigrationArticles(ctx, m.ID)
		if articles[0].Status != models.PostPending {
			t.Fatalf("pass %d: expected pending, got %s (err=%v)", i, articles[0].Status, articles[0].Error)
		}
	}

	// Relays recover; the article publishes on the next pass.
	pub.reject = false
	ca, _ := st.ClaimNextArticle(ctx)
	if ca == nil {
		t.Fatalf("expected re-claim after relay recovery")
	}
	if err := w.ProcessArticle(ctx, ca); err != nil {
		t.Fatalf("ProcessArticle: %v", err)
	}
	articles, _ := st.MigrationArticles(ctx, m.ID)
	if articles[0].Status != models.PostComplete {
		t.Fatalf("expected complete, got %s (err=%v)", articles[0].Status, articles[0].Error)
	}
}

func TestProcessProfile_Success(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", onePost(), nil)
	if _, err := st.DB().Exec(
		`UPDATE migrations SET profile_name = 'Some User', profile_bio = 'gm', profile_picture_url = 'https://src.example/avatar.jpg' WHERE id = ?`,
		m.ID); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	claimed, err := st.ClaimNextProfile(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := w.ProcessProfile(ctx, claimed); err != nil {
		t.Fatalf("ProcessProfile: %v", err)
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.ProfilePublished != models.ProfilePublished {
		t.Fatalf("expected published, got %d", got.ProfilePublished)
	}
	if got.ProfileBlobURL == nil {
		t.Fatalf("avatar not re-hosted")
	}

	evs := pub.published()
	if len(evs) != 1 || evs[0].Kind != nostr.KindProfileMetadata {
		t.Fatalf("expected one kind 0 event, got %v", evs)
	}
}

func TestProcessProfile_NoRelayResetsClaim(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	pub.reject = true
	ctx := context.Background()

	m := seedLocalMigration(t, st, "mig-1", onePost(), nil)
	if _, err := st.DB().Exec(`UPDATE migrations SET profile_name = 'Some User' WHERE id = ?`, m.ID); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	claimed, _ := st.ClaimNextProfile(ctx)
	if err := w.ProcessProfile(ctx, claimed); err == nil {
		t.Fatalf("expected failure")
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.ProfilePublished != models.ProfileUnpublished {
		t.Fatalf("expected claim returned to unpublished, got %d", got.ProfilePublished)
	}
}

func seedExternalMigration(t *testing.T, st *store.Store, id string) *models.Migration {
	t.Helper()
	token := "tok123"
	email := "user@example.com"
	m := &models.Migration{
		ID:          id,
		Handle:      "someuser",
		Signing:     models.SigningExternal,
		Status:      models.MigrationPending,
		NotifyEmail: &email,
		ClaimToken:  &token,
	}
	if err := st.InsertMigration(context.Background(), m, onePost(), oneArticle()); err != nil {
		t.Fatalf("insert migration: %v", err)
	}
	return m
}

func TestProcessMigration_Success(t *testing.T) {
	st := newTestStore(t)
	w, _, pub := newTestWorker(t, st)
	em := &fakeEmailer{}
	w.Emailer = em
	ctx := context.Background()

	m := seedExternalMigration(t, st, "mig-ext")
	claimed, err := st.ClaimNextMigration(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := w.ProcessMigration(ctx, claimed); err != nil {
		t.Fatalf("ProcessMigration: %v", err)
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}

	posts, _ := st.MigrationPosts(ctx, m.ID)
	if posts[0].Status != models.PostReady {
		t.Fatalf("expected post ready, got %s", posts[0].Status)
	}
	if len(posts[0].BlossomURLs) != 1 {
		t.Fatalf("post blob urls missing: %v", posts[0].BlossomURLs)
	}
	articles, _ := st.MigrationArticles(ctx, m.ID)
	if articles[0].Status != models.PostReady {
		t.Fatalf("expected article ready, got %s", articles[0].Status)
	}

	// Upload-only migrations publish nothing.
	if len(pub.published()) != 0 {
		t.Fatalf("expected no published events, got %d", len(pub.published()))
	}

	if em.sent != 1 || em.to != "user@example.com" || em.token != "tok123" || em.count != 2 {
		t.Fatalf("unexpected notification: %+v", em)
	}
}

func TestProcessMigration_PartialFailureRequeues(t *testing.T) {
	st := newTestStore(t)
	w, up, _ := newTestWorker(t, st)
	em := &fakeEmailer{}
	w.Emailer = em
	up.failing["https://src.example/a.jpg"] = true
	ctx := context.Background()

	m := seedExternalMigration(t, st, "mig-ext")
	claimed, _ := st.ClaimNextMigration(ctx)
	if err := w.ProcessMigration(ctx, claimed); err == nil {
		t.Fatalf("expected requeue error")
	}

	got, _ := st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationPending {
		t.Fatalf("expected pending for retry, got %s", got.Status)
	}
	if em.sent != 0 {
		t.Fatalf("no notification before the migration is ready")
	}

	posts, _ := st.MigrationPosts(ctx, m.ID)
	if posts[0].Status != models.PostPending {
		t.Fatalf("failed post should return to pending, got %s", posts[0].Status)
	}
	// The article succeeded and must not be re-done on the next pass.
	articles, _ := st.MigrationArticles(ctx, m.ID)
	if articles[0].Status != models.PostReady {
		t.Fatalf("expected article ready, got %s", articles[0].Status)
	}

	// Second pass with the upload fixed completes the migration.
	up.failing["https://src.example/a.jpg"] = false
	before := up.uploadCount()
	claimed, _ = st.ClaimNextMigration(ctx)
	if claimed == nil {
		t.Fatalf("expected re-claim")
	}
	if err := w.ProcessMigration(ctx, claimed); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	got, _ = st.GetMigration(ctx, m.ID)
	if got.Status != models.MigrationReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	if up.uploadCount()-before != 1 {
		t.Fatalf("expected only the failed post re-uploaded, got %d calls", up.uploadCount()-before)
	}
	if em.sent != 1 {
		t.Fatalf("expected notification on ready")
	}
}
