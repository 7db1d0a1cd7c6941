package models

import "time"

// Migration statuses.
const (
	MigrationPending    = "pending"
	MigrationProcessing = "processing"
	MigrationReady      = "ready"
	MigrationComplete   = "complete"
	MigrationError      = "error"
)

// Post and article statuses.
const (
	PostPending    = "pending"
	PostUploading  = "uploading"
	PostReady      = "ready"
	PostPublishing = "publishing"
	PostComplete   = "complete"
	PostError      = "error"
)

// Signing modes for a migration.
const (
	SigningLocal    = "local"    // worker holds the secret key and publishes events
	SigningExternal = "external" // worker re-hosts blobs only; the client signs later
)

// Profile publication states (tri-state so claiming stays a single conditional update).
const (
	ProfileUnpublished = 0
	ProfileProcessing  = -1
	ProfilePublished   = 1
)

// SecretScrubbed replaces a migration's secret key once it reaches a terminal state.
const SecretScrubbed = "DELETED"

type Migration struct {
	ID               string     `json:"id"`
	Handle           string     `json:"handle"`
	PublicKey        string     `json:"publicKey,omitempty"`
	SecretKey        string     `json:"-"`
	Signing          string     `json:"signing"`
	Status           string     `json:"status"`
	ProfileName      *string    `json:"profileName,omitempty"`
	ProfileBio       *string    `json:"profileBio,omitempty"`
	ProfilePicURL    *string    `json:"profilePictureUrl,omitempty"`
	ProfileBlobURL   *string    `json:"profileBlossomUrl,omitempty"`
	ProfilePublished int        `json:"profilePublished"`
	NotifyEmail      *string    `json:"notifyEmail,omitempty"`
	ClaimToken       *string    `json:"claimToken,omitempty"`
	Error            *string    `json:"error,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type MediaItem struct {
	URL          string `json:"url"`
	MediaType    string `json:"media_type"` // "image" or "video"
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

type Post struct {
	ID           int64       `json:"id"`
	MigrationID  string      `json:"migrationId"`
	PostType     string      `json:"postType"` // reel, image, carousel, text
	MediaItems   []MediaItem `json:"mediaItems"`
	Caption      *string     `json:"caption,omitempty"`
	OriginalDate *string     `json:"originalDate,omitempty"` // ISO-8601 source timestamp
	Status       string      `json:"status"`
	BlossomURLs  []string    `json:"blossomUrls,omitempty"`
	NostrEventID *string     `json:"nostrEventId,omitempty"`
	RetryCount   int         `json:"retryCount"`
	Error        *string     `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

type Article struct {
	ID              int64             `json:"id"`
	MigrationID     string            `json:"migrationId"`
	Title           string            `json:"title"`
	Summary         *string           `json:"summary,omitempty"`
	ContentMarkdown string            `json:"contentMarkdown"`
	ImageURL        *string           `json:"imageUrl,omitempty"`
	BlossomImageURL *string           `json:"blossomImageUrl,omitempty"`
	InlineImageURLs map[string]string `json:"inlineImageUrls,omitempty"`
	Hashtags        []string          `json:"hashtags,omitempty"`
	PublishedAt     *int64            `json:"publishedAt,omitempty"` // unix seconds from the source feed
	Link            string            `json:"link"`
	Status          string            `json:"status"`
	UploadAttempts  int               `json:"uploadAttempts"`
	NostrEventID    *string           `json:"nostrEventId,omitempty"`
	Error           *string           `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// QueueDepth is the pending-work snapshot logged by the scheduler.
type QueueDepth struct {
	Migrations int `json:"migrations"`
	Posts      int `json:"posts"`
	Articles   int `json:"articles"`
	Profiles   int `json:"profiles"`
}

func (q QueueDepth) Total() int {
	return q.Migrations + q.Posts + q.Articles + q.Profiles
}
