// Package events builds the unsigned Nostr events this pipeline publishes:
// kind 1 media posts, kind 0 profiles and kind 30023 long-form articles.
package events

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/ownyourposts/migrator/internal/blossom"
	"github.com/ownyourposts/migrator/internal/models"
)

// BuildPost assembles a kind 1 event carrying one imeta tag per re-hosted
// blob. Blob URLs are appended to the caption unless already present, since
// many clients render only content, not imeta. created_at preserves the
// source post's original timestamp when one is known.
func BuildPost(uploads []blossom.UploadResult, caption, originalDate *string) *nostr.Event {
	tags := nostr.Tags{}
	urls := make([]string, 0, len(uploads))

	for _, up := range uploads {
		parts := nostr.Tag{
			"imeta",
			"url " + up.URL,
			"x " + up.Hash,
			"m " + up.MimeType,
			"size " + strconv.FormatInt(up.Size, 10),
		}
		if up.Width > 0 && up.Height > 0 {
			parts = append(parts, fmt.Sprintf("dim %dx%d", up.Width, up.Height))
		}
		tags = append(tags, parts)
		urls = append(urls, up.URL)
	}

	content := ""
	if caption != nil {
		content = *caption
	}
	urlText := strings.Join(urls, "\n")
	if urlText != "" && !strings.Contains(content, urlText) {
		content = strings.TrimSpace(content + "\n\n" + urlText)
	}

	return &nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: createdAt(originalDate),
		Tags:      tags,
		Content:   content,
	}
}

// BuildProfile assembles a kind 0 metadata event. Empty optional fields are
// omitted from the JSON content entirely.
func BuildProfile(name string, about, pictureURL *string) (*nostr.Event, error) {
	meta := map[string]string{"name": name}
	if about != nil && *about != "" {
		meta["about"] = *about
	}
	if pictureURL != nil && *pictureURL != "" {
		meta["picture"] = *pictureURL
	}
	content, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		Kind:      nostr.KindProfileMetadata,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   string(content),
	}, nil
}

// BuildArticle assembles a kind 30023 long-form event. The d tag is a stable
// slug derived from the article link, so republishing the same article
// replaces the earlier version instead of duplicating it.
func BuildArticle(a *models.Article, headerImageURL *string) *nostr.Event {
	tags := nostr.Tags{
		{"d", Slug(a.Link)},
		{"title", a.Title},
	}
	if a.Summary != nil && *a.Summary != "" {
		tags = append(tags, nostr.Tag{"summary", *a.Summary})
	}
	if headerImageURL != nil && *headerImageURL != "" {
		tags = append(tags, nostr.Tag{"image", *headerImageURL})
	}
	if a.PublishedAt != nil {
		tags = append(tags, nostr.Tag{"published_at", strconv.FormatInt(*a.PublishedAt, 10)})
	}
	for _, ht := range a.Hashtags {
		if ht != "" {
			tags = append(tags, nostr.Tag{"t", ht})
		}
	}

	created := nostr.Now()
	if a.PublishedAt != nil {
		created = nostr.Timestamp(*a.PublishedAt)
	}

	return &nostr.Event{
		Kind:      nostr.KindArticle,
		CreatedAt: created,
		Tags:      tags,
		Content:   a.ContentMarkdown,
	}
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-zA-Z0-9-]`)
	slugCollapse = regexp.MustCompile(`-+`)
)

// Slug derives a d-tag identifier from an article link: the last path
// segment, cleaned to [a-z0-9-]. Links without a usable segment fall back to
// a hash of the whole link so the identifier stays stable.
func Slug(link string) string {
	var segment string
	if parsed, err := url.Parse(link); err == nil {
		path := strings.Trim(parsed.Path, "/")
		if path != "" {
			parts := strings.Split(path, "/")
			segment = parts[len(parts)-1]
		}
	}

	slug := slugInvalid.ReplaceAllString(segment, "-")
	slug = slugCollapse.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		sum := md5.Sum([]byte(link))
		slug = hex.EncodeToString(sum[:])[:12]
	}
	return strings.ToLower(slug)
}

// createdAt parses an ISO-8601 source timestamp, falling back to now when
// missing or malformed.
func createdAt(originalDate *string) nostr.Timestamp {
	if originalDate == nil || *originalDate == "" {
		return nostr.Now()
	}
	d := strings.Replace(*originalDate, "Z", "+00:00", 1)
	t, err := time.Parse("2006-01-02T15:04:05-07:00", d)
	if err != nil {
		// Some sources include fractional seconds.
		t, err = time.Parse("2006-01-02T15:04:05.999999999-07:00", d)
		if err != nil {
			return nostr.Now()
		}
	}
	return nostr.Timestamp(t.Unix())
}
