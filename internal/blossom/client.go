// Package blossom uploads media blobs to a Blossom server using kind 24242
// authorization events. Blobs are content-addressed by SHA-256, so re-running
// an upload is idempotent: the same bytes land at the same URL.
package blossom

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	_ "golang.org/x/image/webp"

	"github.com/ownyourposts/migrator/internal/models"
	"github.com/ownyourposts/migrator/internal/signer"
)

const (
	// authExpiry bounds how long an upload authorization stays valid.
	authExpiry = 5 * time.Minute

	// uploadTimeout is the budget for one whole upload operation: fetch,
	// hash and PUT, or the backend pulling and forwarding a full video.
	// Large reels take minutes; a stalled server must not hold a claim
	// forever.
	uploadTimeout = 300 * time.Second

	ytdlResolveTimeout = 60 * time.Second
)

// UploadResult describes a blob after re-hosting.
type UploadResult struct {
	URL      string
	Hash     string
	Size     int64
	MimeType string
	Width    int
	Height   int
}

// UploadError carries the server's response for non-2xx uploads so callers
// can log the body.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: status %d: %s", e.Status, truncate(e.Body, 200))
}

// Resolver turns an indirect media reference into a fetchable URL.
// The default shells out to yt-dlp for "ytdl:" references.
type Resolver func(ctx context.Context, url string) (string, error)

// Client uploads media to a Blossom server. BackendURL is optional: when set,
// video uploads are delegated to the backend's streaming endpoint instead of
// buffering the whole file here.
type Client struct {
	Server     string
	BackendURL string
	HTTP       *retryablehttp.Client
	Limiter    *rate.Limiter
	Resolve    Resolver
	Timeout    time.Duration
	Logger     *log.Logger
}

// New builds a client with retrying transport and a modest upload rate cap.
func New(server, backendURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil
	return &Client{
		Server:     strings.TrimRight(server, "/"),
		BackendURL: strings.TrimRight(backendURL, "/"),
		HTTP:       rc,
		Limiter:    rate.NewLimiter(rate.Limit(2), 4),
		Resolve:    ResolveYtdl,
		Timeout:    uploadTimeout,
		Logger:     log.Default(),
	}
}

// AuthHeader builds the Blossom authorization header: a signed kind 24242
// event with upload intent, the blob hash and a short expiration, base64
// encoded behind the "Nostr " scheme.
func AuthHeader(key signer.KeySource, fileHash string) (string, error) {
	now := nostr.Now()
	ev := nostr.Event{
		Kind:      24242,
		CreatedAt: now,
		Tags: nostr.Tags{
			{"t", "upload"},
			{"x", fileHash},
			{"expiration", strconv.FormatInt(int64(now)+int64(authExpiry.Seconds()), 10)},
		},
		Content: "Upload media to Blossom",
	}
	if err := signer.Finalize(&ev, key); err != nil {
		return "", fmt.Errorf("sign auth event: %w", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw), nil
}

// Upload re-hosts a single media item, returning where the blob landed.
// Videos go through the backend streaming endpoint when one is configured;
// everything else is fetched, hashed and PUT directly.
func (c *Client) Upload(ctx context.Context, item models.MediaItem, key signer.KeySource) (*UploadResult, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	// The whole operation runs under one deadline so a stalled media or
	// blob server cannot hold the claim past the budget.
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	mediaURL := item.URL
	if strings.HasPrefix(mediaURL, "ytdl:") {
		resolve := c.Resolve
		if resolve == nil {
			resolve = ResolveYtdl
		}
		resolved, err := resolve(ctx, mediaURL)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", truncate(mediaURL, 80), err)
		}
		c.logf("[Blossom] resolved media url=%s", truncate(resolved, 80))
		mediaURL = resolved
	}

	content, contentType, err := c.fetch(ctx, mediaURL)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	fileHash := hex.EncodeToString(sum[:])
	mimeType := normalizeMime(contentType, item.MediaType)

	auth, err := AuthHeader(key, fileHash)
	if err != nil {
		return nil, err
	}

	res := &UploadResult{
		Hash:     fileHash,
		Size:     int64(len(content)),
		MimeType: mimeType,
		Width:    item.Width,
		Height:   item.Height,
	}

	if item.MediaType == "video" && c.BackendURL != "" {
		url, mime, err := c.streamUpload(ctx, mediaURL, auth)
		if err != nil {
			return nil, err
		}
		res.URL = url
		if mime != "" {
			res.MimeType = mime
		}
		return res, nil
	}

	if res.Width == 0 || res.Height == 0 {
		if w, h, ok := sniffDimensions(content); ok {
			res.Width, res.Height = w, h
		}
	}

	url, err := c.put(ctx, content, fileHash, mimeType, auth)
	if err != nil {
		return nil, err
	}
	res.URL = url
	return res, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) put(ctx context.Context, content []byte, fileHash, mimeType, auth string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.Server+"/upload", bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-SHA-256", fileHash)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &UploadError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.URL != "" {
		return parsed.URL, nil
	}
	// Content addressing makes the location predictable when the server
	// returns no descriptor.
	return c.Server + "/" + fileHash, nil
}

func (c *Client) streamUpload(ctx context.Context, videoURL, auth string) (string, string, error) {
	payload, err := json.Marshal(map[string]string{
		"video_url":   videoURL,
		"auth_header": auth,
	})
	if err != nil {
		return "", "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.BackendURL+"/stream-upload", bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("stream upload: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", "", &UploadError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		BlossomURL string `json:"blossom_url"`
		MimeType   string `json:"mime_type"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", fmt.Errorf("stream upload response: %w", err)
	}
	if parsed.BlossomURL == "" {
		return "", "", fmt.Errorf("stream upload response missing blossom_url")
	}
	return parsed.BlossomURL, parsed.MimeType, nil
}

// ResolveYtdl shells out to yt-dlp to turn a "ytdl:" reference into a direct
// media URL. When yt-dlp fails the stripped URL is returned as a best effort;
// some sources serve the page URL directly.
func ResolveYtdl(ctx context.Context, url string) (string, error) {
	stripped := strings.TrimPrefix(url, "ytdl:")

	ctx, cancel := context.WithTimeout(ctx, ytdlResolveTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "yt-dlp", "--cookies-from-browser", "chrome", "-g", stripped)
	out, err := cmd.Output()
	if err != nil {
		return stripped, nil
	}
	resolved := strings.TrimSpace(string(out))
	if resolved == "" {
		return stripped, nil
	}
	// yt-dlp may print one URL per stream; the first is the media URL.
	if i := strings.IndexByte(resolved, '\n'); i >= 0 {
		resolved = resolved[:i]
	}
	return resolved, nil
}

func normalizeMime(contentType, mediaType string) string {
	if mediaType == "video" {
		if strings.Contains(contentType, "video") {
			return contentType
		}
		return "video/mp4"
	}
	if strings.Contains(contentType, "image") {
		return contentType
	}
	return "image/jpeg"
}

// sniffDimensions decodes only the image header. Unsupported or corrupt
// formats are fine, dimensions are optional metadata.
func sniffDimensions(content []byte) (int, int, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

func (c *Client) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
