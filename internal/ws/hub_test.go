package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lanchat/internal/models"
)

func newTestHub(maxHistory int) *Hub {
	return NewHub(maxHistory, zerolog.Nop(), nil)
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// wireEvent is a loose decoding of any outbound frame.
type wireEvent struct {
	Type     string                 `json:"type"`
	Me       *meInfo                `json:"me"`
	Users    []models.PresenceEntry `json:"users"`
	Messages []models.Message       `json:"messages"`
	Message  *models.Message        `json:"message"`
	SenderIP string                 `json:"sender_ip"`
	IsTyping bool                   `json:"is_typing"`
}

func dial(t *testing.T, srv *httptest.Server, deviceID, deviceName string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + url.Values{
		"device_id":   {deviceID},
		"device_name": {deviceName},
	}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return ev
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	for i := 0; i < 20; i++ {
		if ev := readEvent(t, conn); ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event received", eventType)
	return wireEvent{}
}

// waitPresence reads events until a presence snapshot satisfies ok.
func waitPresence(t *testing.T, conn *websocket.Conn, ok func([]models.PresenceEntry) bool) []models.PresenceEntry {
	t.Helper()
	for i := 0; i < 20; i++ {
		if ev := readEvent(t, conn); ev.Type == "presence" && ok(ev.Users) {
			return ev.Users
		}
	}
	t.Fatal("expected presence state never arrived")
	return nil
}

func findUser(users []models.PresenceEntry, id string) *models.PresenceEntry {
	for i := range users {
		if users[i].ID == id {
			return &users[i]
		}
	}
	return nil
}

func TestHelloOnConnect(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "dev:alice-aaaa", "Alice Laptop")
	hello := readEvent(t, conn)

	if hello.Type != "hello" {
		t.Fatalf("first event must be hello, got %s", hello.Type)
	}
	if hello.Me == nil || hello.Me.ID != "dev:alice-aaaa" {
		t.Errorf("unexpected me payload: %+v", hello.Me)
	}
	if hello.Me.DeviceName != "Alice Laptop" {
		t.Errorf("expected device name, got %q", hello.Me.DeviceName)
	}
	if len(hello.Users) != 0 {
		t.Errorf("expected no peers for first device, got %d", len(hello.Users))
	}
	if len(hello.Messages) != 0 {
		t.Errorf("expected empty history, got %d messages", len(hello.Messages))
	}
}

func TestPresenceOnPeerConnect(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice) // hello

	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	bobHello := readEvent(t, bob)
	if got := findUser(bobHello.Users, "dev:alice-aaaa"); got == nil {
		t.Error("expected bob's hello to list alice")
	}

	users := waitPresence(t, alice, func(users []models.PresenceEntry) bool {
		return findUser(users, "dev:bob-bbbb") != nil
	})
	entry := findUser(users, "dev:bob-bbbb")
	if entry.ConnectionCount != 1 {
		t.Errorf("expected connection_count 1 for bob, got %d", entry.ConnectionCount)
	}
}

func TestPublicMessageFanout(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)
	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	readEvent(t, bob)

	if err := bob.WriteJSON(map[string]any{"type": "send_message", "text": "hi"}); err != nil {
		t.Fatal(err)
	}

	got := readUntil(t, alice, "message").Message
	echo := readUntil(t, bob, "message").Message

	if got.MessageID == "" || got.MessageID != echo.MessageID {
		t.Errorf("expected identical message ids, got %q and %q", got.MessageID, echo.MessageID)
	}
	if got.MessageType != models.TypeText {
		t.Errorf("expected text message, got %s", got.MessageType)
	}
	if got.RecipientID != nil {
		t.Errorf("expected null recipient, got %v", *got.RecipientID)
	}
	if got.Text == nil || *got.Text != "hi" {
		t.Errorf("unexpected text payload: %v", got.Text)
	}
	if got.SenderID != "dev:bob-bbbb" {
		t.Errorf("unexpected sender: %s", got.SenderID)
	}
}

func TestPrivateMessageDeliverySet(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)
	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	readEvent(t, bob)
	carol := dial(t, srv, "dev:carol-cccc", "Carol")
	readEvent(t, carol)

	err := alice.WriteJSON(map[string]any{
		"type": "send_message", "text": "secret", "recipient_id": "dev:bob-bbbb",
	})
	if err != nil {
		t.Fatal(err)
	}

	private := readUntil(t, bob, "message").Message
	if private.RecipientID == nil || *private.RecipientID != "dev:bob-bbbb" {
		t.Errorf("unexpected recipient: %v", private.RecipientID)
	}
	if echo := readUntil(t, alice, "message").Message; echo.MessageID != private.MessageID {
		t.Error("expected the sender's own connection to see the private message")
	}

	// Carol must never see the private message: the next message event on
	// her connection is the public sentinel sent afterwards.
	if err := alice.WriteJSON(map[string]any{"type": "send_message", "text": "sentinel"}); err != nil {
		t.Fatal(err)
	}
	got := readUntil(t, carol, "message").Message
	if got.Text == nil || *got.Text != "sentinel" {
		t.Errorf("carol received an unexpected message: %+v", got)
	}
}

func TestSelfChatReachesOtherTabs(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	tab1 := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, tab1)
	tab2 := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, tab2)

	err := tab1.WriteJSON(map[string]any{
		"type": "send_message", "text": "note to self", "recipient_id": "dev:alice-aaaa",
	})
	if err != nil {
		t.Fatal(err)
	}

	m1 := readUntil(t, tab1, "message").Message
	m2 := readUntil(t, tab2, "message").Message
	if m1.MessageID != m2.MessageID {
		t.Error("expected both tabs to receive the self-chat message")
	}
}

func TestHistoryReplayOnConnect(t *testing.T) {
	hub := newTestHub(2)
	srv := newTestServer(t, hub)

	// Route while nobody is connected: delivery is best-effort, history is
	// the mailbox.
	hub.SendText("dev:sender-1111", "m1", "")
	hub.SendText("dev:sender-1111", "m2", "")
	hub.SendText("dev:sender-1111", "m3", "")
	hub.SendText("dev:sender-1111", "for bob", "dev:bob-bbbb")

	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	hello := readEvent(t, bob)

	var texts []string
	for _, m := range hello.Messages {
		texts = append(texts, *m.Text)
	}
	want := []string{"m2", "m3", "for bob"}
	if len(texts) != len(want) {
		t.Fatalf("expected replay %v, got %v", want, texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("expected replay %v, got %v", want, texts)
		}
	}

	// A third party only sees the public channel.
	carol := dial(t, srv, "dev:carol-cccc", "Carol")
	carolHello := readEvent(t, carol)
	if len(carolHello.Messages) != 2 {
		t.Errorf("expected carol to replay 2 public messages, got %d", len(carolHello.Messages))
	}
}

func TestMessageIDsUniqueUnderConcurrency(t *testing.T) {
	hub := newTestHub(1000)

	const workers, perWorker = 10, 50
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				msg := hub.SendText("dev:sender-1111", fmt.Sprintf("w%d-%d", w, i), "")
				mu.Lock()
				ids[msg.MessageID] = struct{}{}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Errorf("expected %d distinct message ids, got %d", workers*perWorker, len(ids))
	}
}

func TestAnnounceKeyLastWriteWins(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)
	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	readEvent(t, bob)

	announce := func(fp string) {
		err := alice.WriteJSON(map[string]any{
			"type":            "announce_key",
			"public_key":      map[string]any{"kty": "EC", "crv": "P-256", "x": "xx", "y": "yy"},
			"key_fingerprint": fp,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	announce("aa:bb")
	waitPresence(t, bob, func(users []models.PresenceEntry) bool {
		u := findUser(users, "dev:alice-aaaa")
		return u != nil && u.KeyFingerprint == "aa:bb"
	})

	announce("cc:dd")
	users := waitPresence(t, bob, func(users []models.PresenceEntry) bool {
		u := findUser(users, "dev:alice-aaaa")
		return u != nil && u.KeyFingerprint == "cc:dd"
	})
	if u := findUser(users, "dev:alice-aaaa"); u.PublicKey == nil {
		t.Error("expected announced public key to be retained")
	}
}

func TestTypingRelay(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)
	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	readEvent(t, bob)

	err := alice.WriteJSON(map[string]any{
		"type": "typing", "recipient_id": "dev:bob-bbbb", "is_typing": true,
	})
	if err != nil {
		t.Fatal(err)
	}

	typing := readUntil(t, bob, "typing")
	if typing.SenderIP != "dev:alice-aaaa" || !typing.IsTyping {
		t.Errorf("unexpected typing event: %+v", typing)
	}

	// Typing signals are never persisted.
	carol := dial(t, srv, "dev:carol-cccc", "Carol")
	if hello := readEvent(t, carol); len(hello.Messages) != 0 {
		t.Errorf("typing must not enter history, got %d messages", len(hello.Messages))
	}
}

func TestPingPong(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)

	if err := alice.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, alice, "pong")
}

func TestInvalidEventsKeepConnectionOpen(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	alice := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, alice)

	frames := []string{
		`not json at all`,
		`{"type":"make_coffee"}`,
		`{"type":"send_message","text":"   "}`,
		`{"type":"send_encrypted_message","encrypted":{"version":99}}`,
	}
	for _, frame := range frames {
		if err := alice.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	// The connection survives and still routes valid events.
	if err := alice.WriteJSON(map[string]any{"type": "send_message", "text": "still here"}); err != nil {
		t.Fatal(err)
	}
	got := readUntil(t, alice, "message").Message
	if got.Text == nil || *got.Text != "still here" {
		t.Errorf("unexpected message after invalid frames: %+v", got)
	}
}

func TestMultiConnectionPresenceCounts(t *testing.T) {
	hub := newTestHub(10)
	srv := newTestServer(t, hub)

	tab1 := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, tab1)
	tab2 := dial(t, srv, "dev:alice-aaaa", "Alice")
	readEvent(t, tab2)

	bob := dial(t, srv, "dev:bob-bbbb", "Bob")
	bobHello := readEvent(t, bob)
	if u := findUser(bobHello.Users, "dev:alice-aaaa"); u == nil || u.ConnectionCount != 2 {
		t.Fatalf("expected alice with 2 connections, got %+v", u)
	}

	tab2.Close()
	waitPresence(t, bob, func(users []models.PresenceEntry) bool {
		u := findUser(users, "dev:alice-aaaa")
		return u != nil && u.ConnectionCount == 1
	})

	tab1.Close()
	waitPresence(t, bob, func(users []models.PresenceEntry) bool {
		return findUser(users, "dev:alice-aaaa") == nil
	})

	if hub.OnlineCount() != 1 {
		t.Errorf("expected only bob online, got %d devices", hub.OnlineCount())
	}
}

func TestQueueOverflowDropsConnection(t *testing.T) {
	hub := newTestHub(10)

	// A queue this small cannot hold both the hello and the presence
	// broadcast, so registration itself overflows it.
	slow := &Client{
		hub:        hub,
		send:       make(chan []byte, 1),
		ID:         "dev:slow-ffff",
		IP:         "192.168.1.99",
		DeviceName: "slow",
	}
	hub.Register(slow)

	if hub.OnlineCount() != 0 {
		t.Fatalf("expected overflowing connection to be dropped, %d devices online", hub.OnlineCount())
	}

	// Deregistration after the drop is a no-op, not a panic.
	hub.Unregister(slow)
}

func TestPongIgnoresDroppedConnection(t *testing.T) {
	hub := newTestHub(10)

	slow := &Client{
		hub:        hub,
		send:       make(chan []byte, 1),
		ID:         "dev:slow-ffff",
		IP:         "192.168.1.99",
		DeviceName: "slow",
	}
	hub.Register(slow)
	if hub.OnlineCount() != 0 {
		t.Fatalf("expected overflowing connection to be dropped, %d devices online", hub.OnlineCount())
	}

	// The reader can still hand the hub a keepalive between the drop and the
	// transport close; the closed queue must not be written.
	hub.Pong(slow)

	// Same window for a device that stays online on another connection.
	hub2 := newTestHub(10)
	srv := newTestServer(t, hub2)
	conn := dial(t, srv, "dev:slow-ffff", "slow")
	readEvent(t, conn)

	dropped := &Client{
		hub:  hub2,
		send: make(chan []byte, 1),
		ID:   "dev:slow-ffff",
		IP:   "192.168.1.99",
	}
	hub2.Register(dropped)
	hub2.Pong(dropped)
	if hub2.OnlineCount() != 1 {
		t.Errorf("expected the healthy connection to stay online, got %d devices", hub2.OnlineCount())
	}
}
