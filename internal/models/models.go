package models

import "time"

// MessageType discriminates the payload shape carried by a Message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeFile     MessageType = "file"
	TypeE2EEText MessageType = "e2ee_text"
	TypeE2EEFile MessageType = "e2ee_file"
)

// PublicKeyJWK is a client-declared EC public key in JWK form. The relay
// only checks its shape; it never uses the key material.
type PublicKeyJWK struct {
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv"`
	X      string   `json:"x"`
	Y      string   `json:"y"`
	Ext    *bool    `json:"ext,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
}

// Envelope is an opaque end-to-end encrypted payload. Every field is stored
// and forwarded unchanged; the relay validates shape only and never decrypts.
// Text envelopes populate IV/AAD/Ciphertext; file envelopes populate the
// File*/Metadata* fields while the ciphertext bytes live on disk.
type Envelope struct {
	Version              int           `json:"version"`
	Alg                  string        `json:"alg"`
	Curve                string        `json:"curve"`
	SenderFingerprint    string        `json:"sender_fingerprint"`
	RecipientFingerprint string        `json:"recipient_fingerprint"`
	SenderPublicJWK      *PublicKeyJWK `json:"sender_public_jwk"`
	RecipientPublicJWK   *PublicKeyJWK `json:"recipient_public_jwk"`
	IV                   string        `json:"iv,omitempty"`
	AAD                  string        `json:"aad,omitempty"`
	Ciphertext           string        `json:"ciphertext,omitempty"`
	FileIV               string        `json:"file_iv,omitempty"`
	FileAAD              string        `json:"file_aad,omitempty"`
	MetadataIV           string        `json:"metadata_iv,omitempty"`
	MetadataAAD          string        `json:"metadata_aad,omitempty"`
	MetadataCiphertext   string        `json:"metadata_ciphertext,omitempty"`
}

// Attachment describes stored upload bytes referenced by a file message.
type Attachment struct {
	OriginalName string `json:"original_name"`
	StoredName   string `json:"stored_name"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type"`
	Kind         string `json:"kind"`
}

// Message is a routed chat record. SenderID/RecipientID carry device ids;
// the wire field names keep the legacy *_ip spelling for client
// compatibility. RecipientID is nil for public messages.
type Message struct {
	MessageID   string      `json:"message_id"`
	Timestamp   time.Time   `json:"timestamp"`
	SenderID    string      `json:"sender_ip"`
	RecipientID *string     `json:"recipient_ip"`
	MessageType MessageType `json:"message_type"`
	Text        *string     `json:"text"`
	Attachment  *Attachment `json:"attachment"`
	Encrypted   *Envelope   `json:"encrypted"`
}

// PresenceEntry is the online-status record for one device. It exists only
// while the device holds at least one open connection.
type PresenceEntry struct {
	ID              string        `json:"id"`
	IP              string        `json:"ip"`
	DeviceName      string        `json:"device_name"`
	ConnectionCount int           `json:"connection_count"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	UserAgent       string        `json:"user_agent,omitempty"`
	PublicKey       *PublicKeyJWK `json:"public_key,omitempty"`
	KeyFingerprint  string        `json:"key_fingerprint,omitempty"`
}
