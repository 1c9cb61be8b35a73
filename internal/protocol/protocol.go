// Package protocol decodes and validates the inbound JSON events a client
// may send over its socket. Each event kind maps to one concrete variant;
// malformed or unknown frames decode to an error and are dropped by the
// caller, never fatal to the connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lanchat/internal/identity"
	"lanchat/internal/models"
)

var (
	ErrUnknownEvent     = errors.New("unknown event type")
	ErrEmptyText        = errors.New("empty message text")
	ErrBadRecipient     = errors.New("malformed recipient id")
	ErrMissingRecipient = errors.New("encrypted message requires a recipient")
	ErrBadEnvelope      = errors.New("malformed encrypted envelope")
	ErrBadAnnounce      = errors.New("malformed key announcement")
)

// Event is one decoded inbound frame.
type Event interface {
	eventType() string
}

// SendMessage is a plaintext chat message. RecipientID is "" for the public
// channel.
type SendMessage struct {
	Text        string
	RecipientID string
}

// SendEncrypted is an end-to-end encrypted chat message. The envelope has
// been shape-checked but its contents remain opaque.
type SendEncrypted struct {
	RecipientID string
	Encrypted   *models.Envelope
}

// AnnounceKey publishes the sender's public key and fingerprint.
type AnnounceKey struct {
	PublicKey      *models.PublicKeyJWK
	KeyFingerprint string
}

// Typing is a transient typing indicator. Never persisted.
type Typing struct {
	RecipientID string
	IsTyping    bool
}

// Ping is a client keepalive.
type Ping struct{}

func (SendMessage) eventType() string   { return "send_message" }
func (SendEncrypted) eventType() string { return "send_encrypted_message" }
func (AnnounceKey) eventType() string   { return "announce_key" }
func (Typing) eventType() string        { return "typing" }
func (Ping) eventType() string          { return "ping" }

type frame struct {
	Type           string          `json:"type"`
	Text           string          `json:"text"`
	RecipientID    string          `json:"recipient_id"`
	RecipientIP    string          `json:"recipient_ip"` // legacy alias
	Encrypted      json.RawMessage `json:"encrypted"`
	PublicKey      json.RawMessage `json:"public_key"`
	KeyFingerprint string          `json:"key_fingerprint"`
	IsTyping       bool            `json:"is_typing"`
}

func (f frame) recipientRaw() string {
	if strings.TrimSpace(f.RecipientID) != "" {
		return f.RecipientID
	}
	return f.RecipientIP
}

// Decode parses one inbound frame into its event variant, validating the
// per-variant fields.
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch strings.TrimSpace(f.Type) {
	case "send_message":
		text := strings.TrimSpace(f.Text)
		if text == "" {
			return nil, ErrEmptyText
		}
		recipient, err := resolveRecipient(f.recipientRaw())
		if err != nil {
			return nil, err
		}
		return SendMessage{Text: text, RecipientID: recipient}, nil

	case "send_encrypted_message":
		recipient, err := resolveRecipient(f.recipientRaw())
		if err != nil {
			return nil, err
		}
		if recipient == "" {
			return nil, ErrMissingRecipient
		}
		env, err := ParseEnvelope(f.Encrypted)
		if err != nil {
			return nil, err
		}
		if err := RequireTextFields(env); err != nil {
			return nil, err
		}
		return SendEncrypted{RecipientID: recipient, Encrypted: env}, nil

	case "announce_key":
		key, err := ParsePublicKey(f.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadAnnounce, err)
		}
		fp := identity.CleanKeyFingerprint(f.KeyFingerprint)
		if fp == "" {
			return nil, fmt.Errorf("%w: bad fingerprint", ErrBadAnnounce)
		}
		return AnnounceKey{PublicKey: key, KeyFingerprint: fp}, nil

	case "typing":
		recipient, err := resolveRecipient(f.recipientRaw())
		if err != nil {
			return nil, err
		}
		return Typing{RecipientID: recipient, IsTyping: f.IsTyping}, nil

	case "ping":
		return Ping{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
}

// resolveRecipient maps an optional recipient reference to a client id.
// Absent means public (""); present-but-malformed is an error, so a private
// send can never silently fall back to broadcast.
func resolveRecipient(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	id := identity.NormalizeRecipientID(raw)
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrBadRecipient, raw)
	}
	return id, nil
}

// ParsePublicKey strictly decodes a JWK: unknown fields are rejected, and
// only EC P-256 keys with string coordinates are accepted.
func ParsePublicKey(raw json.RawMessage) (*models.PublicKeyJWK, error) {
	if len(raw) == 0 {
		return nil, errors.New("missing public key")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var key models.PublicKeyJWK
	if err := dec.Decode(&key); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	if key.Kty != "EC" || key.Crv != "P-256" {
		return nil, errors.New("unsupported key type")
	}
	if key.X == "" || key.Y == "" {
		return nil, errors.New("missing jwk coordinates")
	}
	return &key, nil
}

// ParseEnvelope strictly decodes an encrypted envelope and validates its
// declared shape: the version/algorithm/curve tags and both endpoint keys.
// Field contents stay opaque.
func ParseEnvelope(raw json.RawMessage) (*models.Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing envelope", ErrBadEnvelope)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env models.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	if env.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadEnvelope, env.Version)
	}
	if env.Alg != "AES-GCM" || env.Curve != "P-256" {
		return nil, fmt.Errorf("%w: unsupported algorithm tags", ErrBadEnvelope)
	}

	senderFP := identity.CleanKeyFingerprint(env.SenderFingerprint)
	recipientFP := identity.CleanKeyFingerprint(env.RecipientFingerprint)
	if senderFP == "" || recipientFP == "" {
		return nil, fmt.Errorf("%w: bad fingerprints", ErrBadEnvelope)
	}
	env.SenderFingerprint = senderFP
	env.RecipientFingerprint = recipientFP

	for _, key := range []*models.PublicKeyJWK{env.SenderPublicJWK, env.RecipientPublicJWK} {
		if key == nil || key.Kty != "EC" || key.Crv != "P-256" || key.X == "" || key.Y == "" {
			return nil, fmt.Errorf("%w: bad endpoint keys", ErrBadEnvelope)
		}
	}

	return &env, nil
}

// RequireTextFields checks the envelope carries an inline ciphertext.
func RequireTextFields(env *models.Envelope) error {
	if hasBlank(env.IV, env.AAD, env.Ciphertext) {
		return fmt.Errorf("%w: missing text ciphertext fields", ErrBadEnvelope)
	}
	return nil
}

// RequireFileFields checks the envelope references encrypted file bytes and
// carries the encrypted metadata blob.
func RequireFileFields(env *models.Envelope) error {
	if hasBlank(env.FileIV, env.FileAAD, env.MetadataIV, env.MetadataAAD, env.MetadataCiphertext) {
		return fmt.Errorf("%w: missing file ciphertext fields", ErrBadEnvelope)
	}
	return nil
}

func hasBlank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}
