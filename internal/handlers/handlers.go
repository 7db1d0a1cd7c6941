// Package handlers exposes the migration intake and status HTTP API.
package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/store"
)

// claimWindow is how long an upload-only migration stays claimable before
// garbage collection removes it.
const claimWindow = 30 * 24 * time.Hour

type Handler struct {
	store *store.Store
}

func New(st *store.Store) *Handler {
	return &Handler{store: st}
}

// Routes registers the API on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/migrations", h.CreateMigration).Methods("POST")
	r.HandleFunc("/api/migrations/{id}", h.GetMigration).Methods("GET")
	r.HandleFunc("/api/migrations/{id}/posts", h.ListPosts).Methods("GET")
	r.HandleFunc("/api/migrations/{id}/articles", h.ListArticles).Methods("GET")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createMigrationRequest struct {
	Handle      string  `json:"handle"`
	Signing     string  `json:"signing"`
	SecretKey   string  `json:"secretKey,omitempty"`
	NotifyEmail *string `json:"notifyEmail,omitempty"`
	Profile     *struct {
		Name       string  `json:"name"`
		Bio        *string `json:"bio,omitempty"`
		PictureURL *string `json:"pictureUrl,omitempty"`
	} `json:"profile,omitempty"`
	Posts    []models.Post    `json:"posts"`
	Articles []models.Article `json:"articles"`
}

// CreateMigration is the producer hand-off: the migration and all of its
// work units land in one transaction, and the correlation id comes back only
// after everything is durable.
func (h *Handler) CreateMigration(w http.ResponseWriter, r *http.Request) {
	var req createMigrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Handle = strings.TrimSpace(strings.TrimPrefix(req.Handle, "@"))
	if req.Handle == "" {
		writeError(w, http.StatusBadRequest, "handle is required")
		return
	}
	if len(req.Posts) == 0 && len(req.Articles) == 0 {
		writeError(w, http.StatusBadRequest, "at least one post or article is required")
		return
	}

	m := models.Migration{
		ID:          randHex(32),
		Handle:      req.Handle,
		Signing:     req.Signing,
		Status:      models.MigrationPending,
		NotifyEmail: req.NotifyEmail,
	}
	if req.Profile != nil && req.Profile.Name != "" {
		m.ProfileName = &req.Profile.Name
		m.ProfileBio = req.Profile.Bio
		m.ProfilePicURL = req.Profile.PictureURL
	}

	switch req.Signing {
	case models.SigningLocal:
		if req.SecretKey == "" {
			writeError(w, http.StatusBadRequest, "secretKey is required for local signing")
			return
		}
		pub, err := nostr.GetPublicKey(req.SecretKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "secretKey is not a valid key")
			return
		}
		m.SecretKey = req.SecretKey
		m.PublicKey = pub
	case models.SigningExternal:
		token := randHex(32)
		expires := time.Now().UTC().Add(claimWindow)
		m.ClaimToken = &token
		m.ExpiresAt = &expires
	default:
		writeError(w, http.StatusBadRequest, "signing must be 'local' or 'external'")
		return
	}

	if err := h.store.InsertMigration(r.Context(), &m, req.Posts, req.Articles); err != nil {
		log.Printf("[API] create migration failed handle=%s err=%v", req.Handle, err)
		writeError(w, http.StatusInternalServerError, "failed to create migration")
		return
	}

	log.Printf("[API] migration created id=%s handle=%s signing=%s posts=%d articles=%d",
		m.ID, m.Handle, m.Signing, len(req.Posts), len(req.Articles))

	resp := map[string]any{
		"id":       m.ID,
		"status":   m.Status,
		"posts":    len(req.Posts),
		"articles": len(req.Articles),
	}
	if m.ClaimToken != nil {
		resp["claimToken"] = *m.ClaimToken
	}
	writeJSON(w, http.StatusCreated, resp)
}

type migrationStatusResponse struct {
	models.Migration
	Posts    childCounts `json:"postCounts"`
	Articles childCounts `json:"articleCounts"`
}

type childCounts struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Ready    int `json:"ready"`
	Errors   int `json:"errors"`
}

func (h *Handler) GetMigration(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")

	m, err := h.store.GetMigration(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "migration not found")
		return
	}
	if err != nil {
		log.Printf("[API] get migration failed id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load migration")
		return
	}

	posts, err := h.store.MigrationPosts(r.Context(), id)
	if err != nil {
		log.Printf("[API] list posts failed id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load posts")
		return
	}
	articles, err := h.store.MigrationArticles(r.Context(), id)
	if err != nil {
		log.Printf("[API] list articles failed id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load articles")
		return
	}

	resp := migrationStatusResponse{Migration: *m}
	for _, p := range posts {
		bumpCounts(&resp.Posts, p.Status)
	}
	for _, a := range articles {
		bumpCounts(&resp.Articles, a.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func bumpCounts(c *childCounts, status string) {
	c.Total++
	switch status {
	case models.PostComplete:
		c.Complete++
	case models.PostReady:
		c.Ready++
	case models.PostError:
		c.Errors++
	}
}

func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	posts, err := h.store.MigrationPosts(r.Context(), id)
	if err != nil {
		log.Printf("[API] list posts failed id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load posts")
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) ListArticles(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	articles, err := h.store.MigrationArticles(r.Context(), id)
	if err != nil {
		log.Printf("[API] list articles failed id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load articles")
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func randHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
