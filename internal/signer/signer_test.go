package signer

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestNewStoredKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	want, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}

	key, err := NewStoredKey(sk)
	if err != nil {
		t.Fatalf("NewStoredKey: %v", err)
	}
	if key.PublicKey() != want {
		t.Fatalf("pubkey mismatch: got %s want %s", key.PublicKey(), want)
	}
}

func TestNewStoredKey_InvalidSecret(t *testing.T) {
	if _, err := NewStoredKey("not-hex"); err == nil {
		t.Fatalf("expected error for invalid secret")
	}
}

func TestFinalize(t *testing.T) {
	key, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}

	ev := &nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   "hello",
		Tags:      nostr.Tags{},
	}
	if err := Finalize(ev, key); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if ev.PubKey != key.PublicKey() {
		t.Fatalf("author not stamped")
	}
	if len(ev.ID) != 64 {
		t.Fatalf("expected 64-char hex id, got %q", ev.ID)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		t.Fatalf("signature invalid: ok=%v err=%v", ok, err)
	}
}

func TestNewEphemeralKey_Distinct(t *testing.T) {
	a, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	b, err := NewEphemeralKey()
	if err != nil {
		t.Fatalf("NewEphemeralKey: %v", err)
	}
	if a.PublicKey() == b.PublicKey() {
		t.Fatalf("ephemeral keys must differ")
	}
}

func TestExternalSigner(t *testing.T) {
	key, _ := NewEphemeralKey()

	delegated := ExternalSigner{
		Pubkey: key.PublicKey(),
		SignFunc: func(ev *nostr.Event) error {
			return key.Sign(ev)
		},
	}
	ev := &nostr.Event{Kind: nostr.KindTextNote, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	if err := Finalize(ev, delegated); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if ok, _ := ev.CheckSignature(); !ok {
		t.Fatalf("delegated signature invalid")
	}

	broken := ExternalSigner{Pubkey: key.PublicKey()}
	if err := Finalize(&nostr.Event{Tags: nostr.Tags{}}, broken); err == nil {
		t.Fatalf("expected error without a sign function")
	}
}
