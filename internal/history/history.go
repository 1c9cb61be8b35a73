// Package history keeps the bounded, in-memory message logs. There is one
// log for the public channel and one per unordered device pair; each log
// evicts its single oldest entry once it exceeds capacity. Nothing survives a
// restart.
package history

import (
	"sort"
	"strings"

	"lanchat/internal/models"
)

// ChannelKey identifies one log.
type ChannelKey string

// Public is the shared broadcast channel.
const Public ChannelKey = "public"

const pairPrefix = "pair|"

// PairKey builds the channel key for an unordered device pair. Self-chat
// collapses both sides onto the same key. Device ids never contain '|'.
func PairKey(a, b string) ChannelKey {
	if b < a {
		a, b = b, a
	}
	return ChannelKey(pairPrefix + a + "|" + b)
}

// ChannelFor selects the channel a message belongs to.
func ChannelFor(senderID, recipientID string) ChannelKey {
	if recipientID == "" {
		return Public
	}
	return PairKey(senderID, recipientID)
}

// peerOf returns the other member of a pair channel, or "" when clientID is
// not a member.
func (k ChannelKey) peerOf(clientID string) string {
	rest, ok := strings.CutPrefix(string(k), pairPrefix)
	if !ok {
		return ""
	}
	a, b, ok := strings.Cut(rest, "|")
	if !ok {
		return ""
	}
	switch clientID {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

type entry struct {
	seq int64
	msg models.Message
}

// Store holds every channel log. It is not safe for concurrent use: the hub
// serializes all access under its own lock, as it must for message ordering.
type Store struct {
	max  int
	seq  int64
	logs map[ChannelKey][]entry
}

// New creates a store whose channels each hold at most max messages.
func New(max int) *Store {
	if max <= 0 {
		max = 1
	}
	return &Store{
		max:  max,
		logs: make(map[ChannelKey][]entry),
	}
}

// Append adds a message to its channel log, dropping the oldest entry when
// the log would exceed capacity. Reports whether an eviction happened.
func (s *Store) Append(ch ChannelKey, msg models.Message) bool {
	s.seq++
	log := append(s.logs[ch], entry{seq: s.seq, msg: msg})

	evicted := false
	if len(log) > s.max {
		copy(log, log[1:])
		log = log[:s.max]
		evicted = true
	}
	s.logs[ch] = log
	return evicted
}

// Replay returns one channel's messages in chronological order.
func (s *Store) Replay(ch ChannelKey) []models.Message {
	log := s.logs[ch]
	out := make([]models.Message, len(log))
	for i, e := range log {
		out[i] = e.msg
	}
	return out
}

// Snapshot is the replay state for one connecting device: the public channel
// plus one log per peer it has exchanged private messages with.
type Snapshot struct {
	Public  []models.Message
	PerPeer map[string][]models.Message
}

// ReplayFor collects every channel a device participates in.
func (s *Store) ReplayFor(clientID string) Snapshot {
	snap := Snapshot{
		Public:  s.Replay(Public),
		PerPeer: make(map[string][]models.Message),
	}
	for ch := range s.logs {
		if peer := ch.peerOf(clientID); peer != "" {
			snap.PerPeer[peer] = s.Replay(ch)
		}
	}
	return snap
}

// HelloReplay merges every channel a device participates in into one
// chronological list, ordered by append sequence, for the connect snapshot.
func (s *Store) HelloReplay(clientID string) []models.Message {
	var merged []entry
	merged = append(merged, s.logs[Public]...)
	for ch, log := range s.logs {
		if ch == Public {
			continue
		}
		if ch.peerOf(clientID) != "" {
			merged = append(merged, log...)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	out := make([]models.Message, len(merged))
	for i, e := range merged {
		out[i] = e.msg
	}
	return out
}

// Channels reports how many logs currently exist.
func (s *Store) Channels() int {
	return len(s.logs)
}
