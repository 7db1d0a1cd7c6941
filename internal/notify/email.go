// Package notify sends "ready to claim" emails through the Resend HTTP API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	resendEndpoint = "https://api.resend.com/emails"
	sendTimeout    = 15 * time.Second
)

// Emailer notifies users when an upload-only migration is ready to claim.
// Sending is best effort: failures are logged, never propagated, so a broken
// email provider cannot fail a finished migration.
type Emailer struct {
	APIKey   string
	BaseURL  string
	From     string
	Endpoint string
	HTTP     *retryablehttp.Client
	Logger   *log.Logger
}

func NewEmailer(apiKey, baseURL string) *Emailer {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = sendTimeout
	return &Emailer{
		APIKey:   apiKey,
		BaseURL:  baseURL,
		From:     "Own Your Posts <notify@ownyourposts.com>",
		Endpoint: resendEndpoint,
		HTTP:     rc,
		Logger:   log.Default(),
	}
}

// SendReady emails the claim link for a finished migration. Returns whether
// the email was accepted by the provider.
func (e *Emailer) SendReady(ctx context.Context, toEmail, handle, claimToken string, postCount int) bool {
	if e == nil || e.APIKey == "" {
		if e != nil {
			e.logf("[Email] RESEND_API_KEY not set, skipping email to %s", toEmail)
		}
		return false
	}

	claimURL := fmt.Sprintf("%s/gift-claim/%s/%s", e.BaseURL, handle, claimToken)

	plural := "s are"
	if postCount == 1 {
		plural = " is"
	}
	subject := fmt.Sprintf("Your %d post%s ready to claim", postCount, plural)

	payload, err := json.Marshal(map[string]any{
		"from":    e.From,
		"to":      []string{toEmail},
		"subject": subject,
		"html":    readyBody(handle, claimURL, e.BaseURL, postCount),
	})
	if err != nil {
		e.logf("[Email] marshal failed to=%s err=%v", toEmail, err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payload))
	if err != nil {
		e.logf("[Email] request failed to=%s err=%v", toEmail, err)
		return false
	}
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		e.logf("[Email] send failed to=%s err=%v", toEmail, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e.logf("[Email] send rejected to=%s status=%d body=%s", toEmail, resp.StatusCode, body)
		return false
	}

	e.logf("[Email] sent notification to=%s handle=%s", toEmail, handle)
	return true
}

func readyBody(handle, claimURL, baseURL string, postCount int) string {
	plural := "s"
	if postCount == 1 {
		plural = ""
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 480px; margin: 0 auto; padding: 24px; color: #1a1a1a;">
  <h2 style="margin-bottom: 8px;">Your content is ready</h2>
  <p style="color: #666; font-size: 15px; line-height: 1.5;">
    We've finished uploading %d post%s from <strong>@%s</strong> to Blossom.
    Click below to generate your Nostr keys and publish.
  </p>
  <a href="%s"
     style="display: inline-block; margin: 24px 0; padding: 14px 28px; background: linear-gradient(135deg, #8B5CF6, #6D28D9); color: white; text-decoration: none; border-radius: 10px; font-weight: 600; font-size: 15px;">
    Claim My Posts
  </a>
  <p style="color: #999; font-size: 13px; line-height: 1.5;">
    Or copy this link:<br>
    <a href="%s" style="color: #8B5CF6; word-break: break-all;">%s</a>
  </p>
  <hr style="border: none; border-top: 1px solid #eee; margin: 24px 0;">
  <p style="color: #999; font-size: 12px;">
    Sent by <a href="%s" style="color: #8B5CF6;">Own Your Posts</a>. You received this because you entered your email during migration.
  </p>
</body>
</html>`, postCount, plural, handle, claimURL, claimURL, claimURL, baseURL)
}

func (e *Emailer) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
