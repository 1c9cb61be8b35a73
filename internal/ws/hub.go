// Package ws implements the presence-and-message-relay core: the connection
// registry, presence broadcasting, message routing with bounded per-channel
// history, and the typing relay. All registry and history mutations happen
// under one hub lock; transport writes never do. Each connection drains its
// own bounded queue, so a slow consumer only ever hurts itself.
package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanchat/internal/history"
	"lanchat/internal/models"
)

type device struct {
	clients  map[*Client]struct{}
	presence models.PresenceEntry
}

// Hub is the single owner of the live connection set and the history store.
type Hub struct {
	log     zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	devices map[string]*device
	history *history.Store
}

// NewHub creates a hub whose channel logs each hold at most maxHistory
// messages. metrics may be nil.
func NewHub(maxHistory int, logger zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:     logger,
		metrics: metrics,
		devices: make(map[string]*device),
		history: history.New(maxHistory),
	}
}

type meInfo struct {
	ID         string `json:"id"`
	IP         string `json:"ip"`
	DeviceName string `json:"device_name"`
}

type helloEvent struct {
	Type     string                 `json:"type"`
	Me       meInfo                 `json:"me"`
	Users    []models.PresenceEntry `json:"users"`
	Messages []models.Message       `json:"messages"`
}

type presenceEvent struct {
	Type  string                 `json:"type"`
	Users []models.PresenceEntry `json:"users"`
}

type messageEvent struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

type typingEvent struct {
	Type        string  `json:"type"`
	SenderIP    string  `json:"sender_ip"`
	RecipientIP *string `json:"recipient_ip"`
	IsTyping    bool    `json:"is_typing"`
}

type pongEvent struct {
	Type string `json:"type"`
}

// Register adds a connection to its device's entry (creating the entry for a
// first connection), queues the hello snapshot as the connection's first
// frame, and announces the membership change to everyone.
func (h *Hub) Register(c *Client) {
	now := time.Now().UTC()

	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[c.ID]
	if !ok {
		dev = &device{
			clients: make(map[*Client]struct{}),
			presence: models.PresenceEntry{
				ID:        c.ID,
				FirstSeen: now,
			},
		}
		h.devices[c.ID] = dev
	}
	dev.clients[c] = struct{}{}
	dev.presence.IP = c.IP
	dev.presence.DeviceName = c.DeviceName
	dev.presence.LastSeen = now
	dev.presence.ConnectionCount = len(dev.clients)
	if c.UserAgent != "" {
		dev.presence.UserAgent = c.UserAgent
	}

	// The hello lists the peers already online; the connecting device knows
	// itself from "me" and sees its own entry in the presence broadcast that
	// follows.
	hello, _ := json.Marshal(helloEvent{
		Type:     "hello",
		Me:       meInfo{ID: c.ID, IP: c.IP, DeviceName: c.DeviceName},
		Users:    h.snapshotExcludingLocked(c.ID),
		Messages: h.history.HelloReplay(c.ID),
	})
	h.enqueueLocked(c, hello)

	h.broadcastPresenceLocked()
	h.updateGaugesLocked()

	h.log.Info().Str("device", c.ID).Str("ip", c.IP).
		Int("connections", dev.presence.ConnectionCount).Msg("connection registered")
}

// Unregister removes a connection. The device's presence entry goes away
// with its last connection, and everyone is told either way. Safe to call
// more than once for the same connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.removeClientLocked(c) {
		return
	}
	h.broadcastPresenceLocked()
	h.updateGaugesLocked()

	h.log.Info().Str("device", c.ID).Msg("connection deregistered")
}

// AnnounceKey overwrites the device's declared key material, last write
// wins. A device with no presence entry is a no-op.
func (h *Hub) AnnounceKey(clientID string, key *models.PublicKeyJWK, fingerprint string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[clientID]
	if !ok {
		return
	}
	dev.presence.PublicKey = key
	dev.presence.KeyFingerprint = fingerprint
	h.broadcastPresenceLocked()
}

// SendText routes a plaintext message. recipientID is "" for the public
// channel.
func (h *Hub) SendText(senderID, text, recipientID string) models.Message {
	msg := models.Message{
		SenderID:    senderID,
		MessageType: models.TypeText,
		Text:        &text,
	}
	setRecipient(&msg, recipientID)
	return h.dispatch(msg)
}

// SendEncryptedText routes an opaque encrypted message to one recipient.
func (h *Hub) SendEncryptedText(senderID, recipientID string, env *models.Envelope) models.Message {
	msg := models.Message{
		SenderID:    senderID,
		MessageType: models.TypeE2EEText,
		Encrypted:   env,
	}
	setRecipient(&msg, recipientID)
	return h.dispatch(msg)
}

// SendFile routes a plain attachment message. caption is optional.
func (h *Hub) SendFile(senderID string, att models.Attachment, recipientID, caption string) models.Message {
	msg := models.Message{
		SenderID:    senderID,
		MessageType: models.TypeFile,
		Attachment:  &att,
	}
	if caption != "" {
		msg.Text = &caption
	}
	setRecipient(&msg, recipientID)
	return h.dispatch(msg)
}

// SendEncryptedFile routes an encrypted attachment message. The stored bytes
// are ciphertext; the envelope carries the encrypted file metadata.
func (h *Hub) SendEncryptedFile(senderID, recipientID string, att models.Attachment, env *models.Envelope) models.Message {
	msg := models.Message{
		SenderID:    senderID,
		MessageType: models.TypeE2EEFile,
		Attachment:  &att,
		Encrypted:   env,
	}
	setRecipient(&msg, recipientID)
	return h.dispatch(msg)
}

// RelayTyping forwards a transient typing signal to the same delivery set a
// message would reach. No history, no message id, last state wins.
func (h *Hub) RelayTyping(senderID, recipientID string, isTyping bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := typingEvent{Type: "typing", SenderIP: senderID, IsTyping: isTyping}
	if recipientID != "" {
		ev.RecipientIP = &recipientID
	}
	frame, _ := json.Marshal(ev)

	failed := h.deliverLocked(h.targetsLocked(senderID, recipientID), frame)
	h.dropFailedLocked(failed)
	h.metrics.recordTyping()
}

// Pong answers a client keepalive on its own connection. A connection that
// has already been dropped is ignored: its queue is closed, and the reader
// may still hand the hub frames until the transport close lands.
func (h *Hub) Pong(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[c.ID]
	if !ok {
		return
	}
	if _, ok := dev.clients[c]; !ok {
		return
	}

	frame, _ := json.Marshal(pongEvent{Type: "pong"})
	if !h.enqueueLocked(c, frame) {
		h.dropFailedLocked([]*Client{c})
	}
}

// Snapshot returns the current presence entries, ordered by device id.
func (h *Hub) Snapshot() []models.PresenceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// OnlineCount reports the number of devices currently online.
func (h *Hub) OnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices)
}

// dispatch assigns identity and ordering metadata, appends the message to
// its channel log, and queues it to every connection in the delivery set.
// All of that happens atomically relative to register/deregister, so a
// connection closing mid-route is never double-counted or written to after
// close. Delivery is fire-and-forget: there is no store-and-forward for
// connections that open later; they catch up via history replay.
func (h *Hub) dispatch(msg models.Message) models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg.MessageID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()

	recipientID := ""
	if msg.RecipientID != nil {
		recipientID = *msg.RecipientID
	}

	if h.history.Append(history.ChannelFor(msg.SenderID, recipientID), msg) {
		h.metrics.recordEviction()
	}
	h.metrics.recordMessage(string(msg.MessageType))

	frame, _ := json.Marshal(messageEvent{Type: "message", Message: msg})
	failed := h.deliverLocked(h.targetsLocked(msg.SenderID, recipientID), frame)
	h.dropFailedLocked(failed)

	return msg
}

// targetsLocked computes the delivery set: every connection for a public
// message, or the union of the sender's and the recipient's connections for
// a private one (the sender's other tabs see their own message too).
func (h *Hub) targetsLocked(senderID, recipientID string) []*Client {
	var out []*Client
	if recipientID == "" {
		for _, dev := range h.devices {
			for c := range dev.clients {
				out = append(out, c)
			}
		}
		return out
	}

	if dev, ok := h.devices[senderID]; ok {
		for c := range dev.clients {
			out = append(out, c)
		}
	}
	if recipientID != senderID {
		if dev, ok := h.devices[recipientID]; ok {
			for c := range dev.clients {
				out = append(out, c)
			}
		}
	}
	return out
}

// deliverLocked queues one frame to each target and returns the connections
// whose queues were full.
func (h *Hub) deliverLocked(targets []*Client, frame []byte) []*Client {
	var failed []*Client
	for _, c := range targets {
		if !h.enqueueLocked(c, frame) {
			failed = append(failed, c)
		}
	}
	return failed
}

// enqueueLocked performs a non-blocking queue write. The hub never writes
// the transport directly.
func (h *Hub) enqueueLocked(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// dropFailedLocked treats a queue overflow as that connection's failure: the
// connection is closed and deregistered, and presence is re-announced.
func (h *Hub) dropFailedLocked(failed []*Client) {
	if len(failed) == 0 {
		return
	}
	for _, c := range failed {
		if h.removeClientLocked(c) {
			h.metrics.recordOverflow()
			h.log.Warn().Str("device", c.ID).Msg("outbound queue overflow, dropping connection")
		}
	}
	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
}

// removeClientLocked detaches a connection from the registry and closes its
// queue, which in turn stops its writer. Reports false when the connection
// was already removed.
func (h *Hub) removeClientLocked(c *Client) bool {
	dev, ok := h.devices[c.ID]
	if !ok {
		return false
	}
	if _, ok := dev.clients[c]; !ok {
		return false
	}

	delete(dev.clients, c)
	close(c.send)

	if len(dev.clients) == 0 {
		delete(h.devices, c.ID)
	} else {
		dev.presence.ConnectionCount = len(dev.clients)
		dev.presence.LastSeen = time.Now().UTC()
	}
	return true
}

// broadcastPresenceLocked pushes the current snapshot to every connection.
// Connections that overflow during the push are dropped and the snapshot is
// recomputed, so the broadcast always reflects what was actually delivered.
func (h *Hub) broadcastPresenceLocked() {
	for {
		frame, _ := json.Marshal(presenceEvent{Type: "presence", Users: h.snapshotLocked()})

		var all []*Client
		for _, dev := range h.devices {
			for c := range dev.clients {
				all = append(all, c)
			}
		}

		failed := h.deliverLocked(all, frame)
		if len(failed) == 0 {
			return
		}
		for _, c := range failed {
			if h.removeClientLocked(c) {
				h.metrics.recordOverflow()
			}
		}
	}
}

func (h *Hub) snapshotLocked() []models.PresenceEntry {
	return h.snapshotExcludingLocked("")
}

func (h *Hub) snapshotExcludingLocked(skipID string) []models.PresenceEntry {
	users := make([]models.PresenceEntry, 0, len(h.devices))
	for id, dev := range h.devices {
		if id == skipID {
			continue
		}
		users = append(users, dev.presence)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (h *Hub) updateGaugesLocked() {
	total := 0
	for _, dev := range h.devices {
		total += len(dev.clients)
	}
	h.metrics.setConnections(total)
	h.metrics.setDevices(len(h.devices))
}

func setRecipient(msg *models.Message, recipientID string) {
	if recipientID != "" {
		id := recipientID
		msg.RecipientID = &id
	}
}
