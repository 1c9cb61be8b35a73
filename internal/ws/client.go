package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lanchat/internal/identity"
	"lanchat/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Encrypted payloads carry base64 blobs, so
	// this is well above plain chat message sizes.
	maxMessageSize = 1 << 20

	// Outbound queue depth per connection. Overflow closes the connection.
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay is LAN-local and account-less; any origin on the network
	// may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one live websocket connection bound to a single device identity.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames, serviced by writePump.
	send chan []byte

	// Immutable for the connection's lifetime.
	ID         string
	IP         string
	DeviceName string
	UserAgent  string
}

// ServeWs upgrades an HTTP request to a websocket connection, resolves the
// device identity from the transport and query parameters, and registers the
// connection with the hub. The hub's hello event is queued before the pumps
// start, so it is always the first frame the client receives.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ip := identity.ClientIPFromRequest(r)
	id := identity.ClientID(ip, r.URL.Query().Get("device_id"))
	name := identity.NormalizeDeviceName(r.URL.Query().Get("device_name"))
	if name == "" {
		name = id
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		ID:         id,
		IP:         ip,
		DeviceName: name,
		UserAgent:  r.Header.Get("User-Agent"),
	}

	hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump reads inbound frames, decodes them, and hands valid events to the
// hub. Malformed frames are dropped without closing the connection; a
// transport error or close unwinds to deregistration.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Str("device", c.ID).Err(err).Msg("websocket read error")
			}
			return
		}

		event, err := protocol.Decode(raw)
		if err != nil {
			c.hub.log.Debug().Str("device", c.ID).Err(err).Msg("dropping invalid event")
			continue
		}

		switch ev := event.(type) {
		case protocol.SendMessage:
			c.hub.SendText(c.ID, ev.Text, ev.RecipientID)
		case protocol.SendEncrypted:
			c.hub.SendEncryptedText(c.ID, ev.RecipientID, ev.Encrypted)
		case protocol.AnnounceKey:
			c.hub.AnnounceKey(c.ID, ev.PublicKey, ev.KeyFingerprint)
		case protocol.Typing:
			c.hub.RelayTyping(c.ID, ev.RecipientID, ev.IsTyping)
		case protocol.Ping:
			c.hub.Pong(c)
		}
	}
}

// writePump services the outbound queue. One writer per connection keeps
// transport writes out of the hub's critical section.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the queue.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
