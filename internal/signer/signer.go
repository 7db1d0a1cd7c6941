// Package signer wraps Nostr event finalization behind a KeySource capability,
// so processors never reach into storage columns to find key material.
package signer

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// signAttempts bounds retries on a degenerate-nonce signing failure. The
// failure is astronomically rare; the bound exists so a broken key errors
// out instead of spinning.
const signAttempts = 3

// KeySource produces the author pubkey and signs finalized events.
type KeySource interface {
	PublicKey() string
	Sign(ev *nostr.Event) error
}

// StoredKey signs with a secret key held in the work store.
type StoredKey struct {
	pub string
	sec string
}

// NewStoredKey derives the x-only public key from a 32-byte hex secret.
func NewStoredKey(secretHex string) (StoredKey, error) {
	pub, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		return StoredKey{}, fmt.Errorf("derive public key: %w", err)
	}
	return StoredKey{pub: pub, sec: secretHex}, nil
}

// NewEphemeralKey generates a throwaway keypair. Blob uploads are
// content-addressed, so the same bytes land at the same URL no matter
// which key authorized them.
func NewEphemeralKey() (StoredKey, error) {
	return NewStoredKey(nostr.GeneratePrivateKey())
}

func (k StoredKey) PublicKey() string { return k.pub }

func (k StoredKey) Sign(ev *nostr.Event) error {
	var err error
	for i := 0; i < signAttempts; i++ {
		if err = ev.Sign(k.sec); err == nil {
			return nil
		}
	}
	return fmt.Errorf("schnorr sign: %w", err)
}

// ExternalSigner delegates signing to a caller-provided function, for
// deployments where the secret never enters this process.
type ExternalSigner struct {
	Pubkey   string
	SignFunc func(ev *nostr.Event) error
}

func (e ExternalSigner) PublicKey() string { return e.Pubkey }

func (e ExternalSigner) Sign(ev *nostr.Event) error {
	if e.SignFunc == nil {
		return fmt.Errorf("external signer has no sign function")
	}
	return e.SignFunc(ev)
}

// Finalize stamps the author, computes the canonical id and signs the event
// in place. The id is SHA256 of the JSON array
// [0, pubkey, created_at, kind, tags, content] with minimal separators and
// Unicode preserved; any deviation produces an unverifiable event.
func Finalize(ev *nostr.Event, key KeySource) error {
	ev.PubKey = key.PublicKey()
	if err := key.Sign(ev); err != nil {
		return err
	}
	return nil
}
