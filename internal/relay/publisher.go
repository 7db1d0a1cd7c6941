// Package relay speaks the minimal client side of the Nostr relay protocol:
// EVENT submission with OK acknowledgement, and cache-server event imports.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/net/websocket"
)

const publishTimeout = 10 * time.Second

// Dialer opens a websocket to a relay. Overridable in tests.
type Dialer func(url string) (*websocket.Conn, error)

func defaultDial(url string) (*websocket.Conn, error) {
	// x/net/websocket requires an origin even for client connections.
	return websocket.Dial(url, "", "http://localhost/")
}

// Publisher fans an event out to every configured relay and reports which
// ones accepted it.
type Publisher struct {
	Relays  []string
	Timeout time.Duration
	Dial    Dialer
	Logger  *log.Logger
}

func NewPublisher(relays []string) *Publisher {
	return &Publisher{
		Relays:  relays,
		Timeout: publishTimeout,
		Dial:    defaultDial,
		Logger:  log.Default(),
	}
}

// Publish sends the event to all relays in parallel and returns the relays
// that acknowledged it with a positive OK. Per-relay failures are logged and
// swallowed; the caller decides whether zero acceptances is fatal.
func (p *Publisher) Publish(ctx context.Context, ev *nostr.Event) []string {
	var mu sync.Mutex
	var accepted []string

	var wg sync.WaitGroup
	for _, relayURL := range p.Relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			ok, err := p.publishOne(ctx, relayURL, ev)
			if err != nil {
				p.logf("[Relay] publish failed relay=%s event=%s err=%v", relayURL, ev.ID, err)
				return
			}
			if ok {
				mu.Lock()
				accepted = append(accepted, relayURL)
				mu.Unlock()
			}
		}(relayURL)
	}
	wg.Wait()
	return accepted
}

func (p *Publisher) publishOne(ctx context.Context, relayURL string, ev *nostr.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dial := p.Dial
	if dial == nil {
		dial = defaultDial
	}
	conn, err := dial(relayURL)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = publishTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	frame, err := json.Marshal([]any{"EVENT", ev})
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
	return parseOK(raw, ev.ID)
}

// parseOK interprets a relay response frame. Only ["OK", <our id>, true, ...]
// counts as acceptance; anything else (NOTICE, mismatched id, rejection) does
// not.
func parseOK(raw string, eventID string) (bool, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return false, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) < 3 {
		return false, nil
	}
	var label, id string
	if err := json.Unmarshal(parts[0], &label); err != nil || label != "OK" {
		return false, nil
	}
	if err := json.Unmarshal(parts[1], &id); err != nil || id != eventID {
		return false, nil
	}
	var ok bool
	if err := json.Unmarshal(parts[2], &ok); err != nil {
		return false, nil
	}
	return ok, nil
}

func (p *Publisher) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

func randHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
