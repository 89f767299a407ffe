package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peerlink/internal/chat"
	"github.com/omochice/peerlink/internal/history"
	"github.com/omochice/peerlink/internal/link"
	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/pkg/protocol"
)

const peer = transport.PeerAddress("AA:BB:CC:DD:EE:FF")

// mockLink records writes instead of sending them.
type mockLink struct {
	mu        sync.Mutex
	written   [][]byte
	connected bool
}

func (m *mockLink) Write(p []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false
	}
	m.written = append(m.written, append([]byte(nil), p...))
	return true
}

func (m *mockLink) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var frames []protocol.Frame
	for _, w := range m.written {
		f, err := protocol.Decode(w)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

type mockJournal struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (j *mockJournal) Record(e history.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func newTestRoom(t *testing.T) (*chat.Room, *mockLink, *mockJournal) {
	t.Helper()
	ml := &mockLink{connected: true}
	mj := &mockJournal{}
	r := chat.NewRoom(chat.Config{
		Link:    ml,
		Self:    chat.Identity{Name: "Bob", UserID: "u2", Avatar: 4},
		Journal: mj,
		Logger:  zaptest.NewLogger(t),
	})
	return r, ml, mj
}

func encode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	return data
}

func nextMessage(t *testing.T, r *chat.Room) chat.Message {
	t.Helper()
	select {
	case msg := <-r.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return chat.Message{}
	}
}

func TestRoom_EstablishedSendsUserInfo(t *testing.T) {
	r, ml, _ := newTestRoom(t)

	r.OnConnectionEstablished(peer)

	frames := ml.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.NewUserInfo("Bob", "u2", 4), frames[0])

	d, ok := r.Roster().Get(peer)
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Equal(t, peer, r.Peer())

	st := <-r.Statuses()
	assert.Equal(t, link.EventEstablished, st.Kind)
}

func TestRoom_UserInfoUpdatesRoster(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.OnConnectionEstablished(peer)

	data := encode(t, protocol.NewUserInfo("Alice", "u1", 7))
	r.OnDataReceived(data, len(data))

	d, _ := r.Roster().Get(peer)
	assert.Equal(t, "Alice", d.Name)
	assert.Equal(t, "u1", d.UserID)
	assert.Equal(t, 7, d.Avatar)
}

func TestRoom_TextBecomesMessage(t *testing.T) {
	r, _, mj := newTestRoom(t)
	r.OnConnectionEstablished(peer)

	data := []byte("text|Alice|u1|hello")
	r.OnDataReceived(data, len(data))

	msg := nextMessage(t, r)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, peer, msg.Peer)
	assert.False(t, msg.Outgoing)

	require.Len(t, mj.entries, 1)
	assert.Equal(t, history.Inbound, mj.entries[0].Direction)
	assert.Equal(t, "text", mj.entries[0].Type)
	assert.Equal(t, "hello", mj.entries[0].Payload)
}

func TestRoom_MalformedFrameDropped(t *testing.T) {
	r, _, mj := newTestRoom(t)
	r.OnConnectionEstablished(peer)

	for _, s := range []string{"garbage", "text|||only", "video|||A|||u1|||x"} {
		r.OnDataReceived([]byte(s), len(s))
	}

	select {
	case msg := <-r.Messages():
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
	assert.Empty(t, mj.entries)
}

func TestRoom_DuplicateWithinWindowDropped(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.OnConnectionEstablished(peer)

	data := encode(t, protocol.NewText("Alice", "u1", "hello"))
	r.OnDataReceived(data, len(data))
	r.OnDataReceived(data, len(data))
	nextMessage(t, r)

	select {
	case msg := <-r.Messages():
		t.Fatalf("duplicate delivered: %+v", msg)
	default:
	}

	other := encode(t, protocol.NewText("Alice", "u1", "again"))
	r.OnDataReceived(other, len(other))
	assert.Equal(t, "again", nextMessage(t, r).Content)
}

func TestRoom_Unread(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.OnConnectionEstablished(peer)
	r.Focus("11:22:33:44:55:66")

	for _, s := range []string{"one", "two"} {
		data := encode(t, protocol.NewText("Alice", "u1", s))
		r.OnDataReceived(data, len(data))
	}
	assert.Equal(t, 2, r.Unread(peer))

	r.Focus(peer)
	assert.Equal(t, 0, r.Unread(peer))
}

func TestRoom_Send(t *testing.T) {
	r, ml, mj := newTestRoom(t)
	r.OnConnectionEstablished(peer)

	msg, err := r.Send("  hi there ")
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Content)
	assert.True(t, msg.Outgoing)
	assert.Equal(t, peer, msg.Peer)

	frames := ml.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.NewText("Bob", "u2", "hi there"), frames[1])

	require.Len(t, mj.entries, 1)
	assert.Equal(t, history.Outbound, mj.entries[0].Direction)

	// Outgoing messages are returned, not published.
	select {
	case got := <-r.Messages():
		t.Fatalf("unexpected message on channel: %+v", got)
	default:
	}
}

func TestRoom_SendErrors(t *testing.T) {
	r, ml, _ := newTestRoom(t)

	_, err := r.Send("   ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	_, err = r.Send("a|||b")
	assert.ErrorIs(t, err, protocol.ErrDelimiterInField)

	ml.connected = false
	_, err = r.Send("hello")
	assert.ErrorIs(t, err, link.ErrNotConnected)
}

func TestRoom_LostMarksOffline(t *testing.T) {
	r, _, _ := newTestRoom(t)
	r.OnConnectionEstablished(peer)
	<-r.Statuses()

	r.OnConnectionLost("timeout")

	d, _ := r.Roster().Get(peer)
	assert.False(t, d.Online)
	assert.Equal(t, transport.PeerAddress(""), r.Peer())

	st := <-r.Statuses()
	assert.Equal(t, link.EventLost, st.Kind)
	assert.Equal(t, "connection lost: timeout", st.Text)
}

func TestRoom_ReconnectStatus(t *testing.T) {
	r, _, _ := newTestRoom(t)

	r.OnReconnecting(peer, 2, 5)
	st := <-r.Statuses()
	assert.Equal(t, link.EventReconnecting, st.Kind)
	assert.Contains(t, st.Text, "attempt 2/5")
}

// A room driven by link.Dispatch sees the same sequence a manager would emit.
func TestRoom_Dispatch(t *testing.T) {
	r, _, _ := newTestRoom(t)

	events := make(chan link.Event, 4)
	events <- link.Event{Kind: link.EventEstablished, Peer: peer}
	events <- link.Event{Kind: link.EventDataReceived, Peer: peer, Data: []byte("text|||Alice|||u1|||yo")}
	events <- link.Event{Kind: link.EventDisconnected, Peer: peer}
	close(events)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, link.Dispatch(ctx, events, r))
	assert.Equal(t, "yo", nextMessage(t, r).Content)

	d, _ := r.Roster().Get(peer)
	assert.False(t, d.Online)
}
