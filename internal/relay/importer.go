package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/net/websocket"
)

const importTimeout = 15 * time.Second

// Importer pushes already-published events into a caching relay's ingest
// endpoint so they become visible immediately, even with historical
// timestamps the relay would otherwise surface slowly. The whole operation is
// best effort: a nil or unconfigured importer is a no-op.
type Importer struct {
	URL     string
	Timeout time.Duration
	Dial    Dialer
	Logger  *log.Logger
}

func NewImporter(url string) *Importer {
	return &Importer{
		URL:     url,
		Timeout: importTimeout,
		Dial:    defaultDial,
		Logger:  log.Default(),
	}
}

// Import submits events via the cache server's import_events request and
// waits for a single acknowledgement frame. Returns whether the server
// responded in time.
func (im *Importer) Import(ctx context.Context, events []*nostr.Event) bool {
	if im == nil || im.URL == "" || len(events) == 0 {
		return false
	}

	ok, err := im.send(ctx, events)
	if err != nil {
		im.logf("[CacheImport] failed url=%s events=%d err=%v", im.URL, len(events), err)
		return false
	}
	return ok
}

func (im *Importer) send(ctx context.Context, events []*nostr.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dial := im.Dial
	if dial == nil {
		dial = defaultDial
	}
	conn, err := dial(im.URL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	timeout := im.Timeout
	if timeout <= 0 {
		timeout = importTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}

	subID := randHex(12)
	frame, err := json.Marshal([]any{
		"REQ",
		subID,
		map[string]any{"cache": []any{"import_events", map[string]any{"events": events}}},
	})
	if err != nil {
		return false, err
	}
	if err := websocket.Message.Send(conn, string(frame)); err != nil {
		return false, fmt.Errorf("send: %w", err)
	}

	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		return false, fmt.Errorf("recv: %w", err)
	}
	im.logf("[CacheImport] response url=%s events=%d resp=%s", im.URL, len(events), truncate(raw, 120))

	closeFrame, _ := json.Marshal([]any{"CLOSE", subID})
	_ = websocket.Message.Send(conn, string(closeFrame))
	return true, nil
}

func (im *Importer) logf(format string, args ...any) {
	if im.Logger != nil {
		im.Logger.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
