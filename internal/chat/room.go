package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/history"
	"github.com/omochice/peerlink/internal/link"
	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/pkg/protocol"
)

// DuplicateWindow is how close in time two identical messages from the same
// sender must be for the second to be dropped.
const DuplicateWindow = 2 * time.Second

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("message is empty")

// Identity is how this node presents itself to peers.
type Identity struct {
	Name   string
	UserID string
	Avatar int
}

// Message is one chat line.
type Message struct {
	ID         uuid.UUID
	Peer       transport.PeerAddress
	SenderName string
	SenderID   string
	Content    string
	At         time.Time
	Outgoing   bool
}

// Status is a human readable connection update.
type Status struct {
	Peer transport.PeerAddress
	Kind link.EventKind
	Text string
	At   time.Time
}

// Config configures a Room.
type Config struct {
	Link    Link
	Self    Identity
	Roster  *Roster
	Journal Journal
	Logger  *zap.Logger
	// Buffer is the capacity of the Messages and Statuses channels.
	Buffer int
}

// Room implements link.Handler for a two-party chat.
type Room struct {
	link    Link
	self    Identity
	roster  *Roster
	journal Journal
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	current transport.PeerAddress
	focus   transport.PeerAddress
	unread  map[transport.PeerAddress]int
	recent  []Message

	messages chan Message
	statuses chan Status
}

var (
	_ link.Handler           = (*Room)(nil)
	_ link.ReconnectHandler  = (*Room)(nil)
	_ link.DisconnectHandler = (*Room)(nil)
)

// NewRoom creates a Room.
func NewRoom(cfg Config) *Room {
	if cfg.Roster == nil {
		cfg.Roster = NewRoster()
	}
	if cfg.Journal == nil {
		cfg.Journal = nopJournal{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	return &Room{
		link:     cfg.Link,
		self:     cfg.Self,
		roster:   cfg.Roster,
		journal:  cfg.Journal,
		logger:   cfg.Logger.With(zap.String("component", "chat")),
		now:      time.Now,
		unread:   make(map[transport.PeerAddress]int),
		messages: make(chan Message, cfg.Buffer),
		statuses: make(chan Status, cfg.Buffer),
	}
}

// Roster returns the devices this room has seen.
func (r *Room) Roster() *Roster {
	return r.roster
}

// Messages returns the channel for received messages. Send returns outgoing
// ones directly.
func (r *Room) Messages() <-chan Message {
	return r.messages
}

// Statuses returns the channel for connection updates.
func (r *Room) Statuses() <-chan Status {
	return r.statuses
}

// Peer returns the connected peer, or "".
func (r *Room) Peer() transport.PeerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Focus selects the peer whose messages are being read and clears its unread count.
func (r *Room) Focus(peer transport.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus = peer
	delete(r.unread, peer)
}

// Unread returns how many messages from peer arrived while it was not focused.
func (r *Room) Unread(peer transport.PeerAddress) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[peer]
}

// Send writes a text frame to the connected peer.
func (r *Room) Send(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	f := protocol.NewText(r.self.Name, r.self.UserID, text)
	data, err := f.Encode()
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode message: %w", err)
	}
	if !r.link.Write(data) {
		return Message{}, link.ErrNotConnected
	}

	r.mu.Lock()
	msg := Message{
		ID:         uuid.New(),
		Peer:       r.current,
		SenderName: r.self.Name,
		SenderID:   r.self.UserID,
		Content:    text,
		At:         r.now(),
		Outgoing:   true,
	}
	r.mu.Unlock()

	r.record(history.Outbound, msg, f.Type)
	return msg, nil
}

// OnConnectionEstablished implements link.Handler.
func (r *Room) OnConnectionEstablished(peer transport.PeerAddress) {
	now := r.now()
	r.mu.Lock()
	r.current = peer
	if r.focus == "" {
		r.focus = peer
	}
	r.mu.Unlock()

	r.roster.MarkOnline(peer, now)
	r.publishStatus(peer, link.EventEstablished, fmt.Sprintf("connected to %s", r.displayName(peer)))

	data, err := protocol.NewUserInfo(r.self.Name, r.self.UserID, r.self.Avatar).Encode()
	if err != nil {
		r.logger.Error("failed to encode user info", zap.Error(err))
		return
	}
	if !r.link.Write(data) {
		r.logger.Warn("failed to send user info", zap.String("peer", peer.String()))
	}
}

// OnConnectionFailed implements link.Handler.
func (r *Room) OnConnectionFailed(reason string) {
	r.publishStatus("", link.EventFailed, "connection failed: "+reason)
}

// OnConnectionLost implements link.Handler.
func (r *Room) OnConnectionLost(reason string) {
	peer := r.clearCurrent()
	if peer != "" {
		r.roster.MarkOffline(peer)
	}
	r.publishStatus(peer, link.EventLost, "connection lost: "+reason)
}

// OnDisconnected implements link.DisconnectHandler.
func (r *Room) OnDisconnected(peer transport.PeerAddress) {
	r.clearCurrent()
	r.roster.MarkOffline(peer)
	r.publishStatus(peer, link.EventDisconnected, fmt.Sprintf("disconnected from %s", r.displayName(peer)))
}

// OnReconnecting implements link.ReconnectHandler.
func (r *Room) OnReconnecting(peer transport.PeerAddress, attempt, maxAttempts int) {
	r.publishStatus(peer, link.EventReconnecting,
		fmt.Sprintf("reconnecting to %s (attempt %d/%d)", r.displayName(peer), attempt, maxAttempts))
}

// OnReconnectFailed implements link.ReconnectHandler.
func (r *Room) OnReconnectFailed(reason string) {
	r.publishStatus("", link.EventReconnectFailed, reason)
}

// OnDataReceived implements link.Handler. Malformed frames are logged and dropped.
func (r *Room) OnDataReceived(data []byte, length int) {
	f, err := protocol.Decode(data[:length])
	if err != nil {
		r.logger.Warn("dropping frame", zap.Error(err), zap.Int("length", length))
		return
	}

	now := r.now()
	r.mu.Lock()
	peer := r.current
	r.mu.Unlock()

	switch f.Type {
	case protocol.FrameTypeUserInfo:
		avatar, err := f.Avatar()
		if err != nil {
			r.logger.Warn("invalid avatar in user info", zap.Error(err))
		}
		r.roster.Update(peer, f.SenderName, f.SenderID, avatar, now)
		r.roster.MarkOnline(peer, now)
		r.logger.Info("peer identified", zap.String("peer", peer.String()), zap.String("name", f.SenderName))
	case protocol.FrameTypeText:
		msg := Message{
			ID:         uuid.New(),
			Peer:       peer,
			SenderName: f.SenderName,
			SenderID:   f.SenderID,
			Content:    f.Payload,
			At:         now,
		}
		if !r.accept(msg) {
			r.logger.Debug("dropping duplicate message", zap.String("sender", f.SenderID))
			return
		}
		r.roster.MarkOnline(peer, now)
		r.record(history.Inbound, msg, f.Type)
		r.publishMessage(msg)
	}
}

// accept remembers msg unless an identical one from the same sender arrived
// within DuplicateWindow. It also counts unread messages.
func (r *Room) accept(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.recent[:0]
	for _, m := range r.recent {
		if msg.At.Sub(m.At) < DuplicateWindow {
			kept = append(kept, m)
		}
	}
	r.recent = kept

	for _, m := range r.recent {
		if m.SenderID == msg.SenderID && m.Content == msg.Content {
			return false
		}
	}
	r.recent = append(r.recent, msg)

	if msg.Peer != r.focus {
		r.unread[msg.Peer]++
	}
	return true
}

func (r *Room) clearCurrent() transport.PeerAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.current
	r.current = ""
	return peer
}

func (r *Room) displayName(peer transport.PeerAddress) string {
	if d, ok := r.roster.Get(peer); ok && d.Name != "" {
		return fmt.Sprintf("%s (%s)", d.Name, peer)
	}
	return peer.String()
}

func (r *Room) record(dir history.Direction, msg Message, ft protocol.FrameType) {
	r.journal.Record(history.Entry{
		ID:         msg.ID.String(),
		Direction:  dir,
		Peer:       msg.Peer.String(),
		Type:       ft.String(),
		SenderName: msg.SenderName,
		SenderID:   msg.SenderID,
		Payload:    msg.Content,
		At:         msg.At,
	})
}

func (r *Room) publishMessage(msg Message) {
	select {
	case r.messages <- msg:
	default:
		r.logger.Warn("message channel full, dropping message", zap.String("id", msg.ID.String()))
	}
}

func (r *Room) publishStatus(peer transport.PeerAddress, kind link.EventKind, text string) {
	st := Status{Peer: peer, Kind: kind, Text: text, At: r.now()}
	r.logger.Info(text)
	select {
	case r.statuses <- st:
	default:
		r.logger.Warn("status channel full, dropping status")
	}
}
