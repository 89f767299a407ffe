package ws_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/peerlink/internal/transport"
	"github.com/omochice/peerlink/internal/transport/ws"
)

type acceptResult struct {
	conn transport.Conn
	err  error
}

func startAcceptor(t *testing.T) (*ws.Acceptor, <-chan acceptResult) {
	t.Helper()
	tr := ws.New(ws.Config{ListenAddress: "127.0.0.1:0"}, zaptest.NewLogger(t))
	acc, err := tr.Listen(transport.ServiceID)
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })

	results := make(chan acceptResult, 1)
	go func() {
		conn, err := acc.Accept()
		results <- acceptResult{conn: conn, err: err}
	}()
	return acc.(*ws.Acceptor), results
}

func waitAccept(t *testing.T, results <-chan acceptResult) transport.Conn {
	t.Helper()
	select {
	case res := <-results:
		require.NoError(t, res.err)
		t.Cleanup(func() { res.conn.Close() })
		return res.conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for accept")
		return nil
	}
}

func TestTransport_RoundTrip(t *testing.T) {
	acc, results := startAcceptor(t)

	client := ws.New(ws.Config{Advertise: "10.0.0.9:7080"}, zaptest.NewLogger(t))
	conn, err := client.DialService(context.Background(), transport.PeerAddress(acc.Addr()), transport.ServiceID)
	require.NoError(t, err)
	defer conn.Close()

	server := waitAccept(t, results)
	assert.Equal(t, transport.PeerAddress("10.0.0.9:7080"), server.RemoteAddr())

	_, err = conn.Write([]byte("text|||Alice|||u1|||hello"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "text|||Alice|||u1|||hello", string(buf[:n]))

	_, err = server.Write([]byte("PING"))
	require.NoError(t, err)

	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf[:n]))
}

func TestConn_ReadSplitsLargeMessages(t *testing.T) {
	acc, results := startAcceptor(t)

	client := ws.New(ws.Config{}, nil)
	conn, err := client.DialService(context.Background(), transport.PeerAddress(acc.Addr()), transport.ServiceID)
	require.NoError(t, err)
	defer conn.Close()

	server := waitAccept(t, results)

	_, err = conn.Write([]byte("0123456789"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	var got []byte
	for len(got) < 10 {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "0123456789", string(got))
}

func TestAcceptor_RejectsOtherService(t *testing.T) {
	acc, results := startAcceptor(t)

	client := ws.New(ws.Config{}, nil)
	_, err := client.DialService(context.Background(), transport.PeerAddress(acc.Addr()), uuid.New())
	assert.Error(t, err)

	select {
	case res := <-results:
		t.Fatalf("unexpected accept result: %v", res.err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcceptor_CloseUnblocksAccept(t *testing.T) {
	acc, results := startAcceptor(t)
	require.NoError(t, acc.Close())

	select {
	case res := <-results:
		assert.ErrorIs(t, res.err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestTransport_NoChannelDial(t *testing.T) {
	tr := ws.New(ws.Config{}, nil)
	assert.False(t, tr.Capabilities().ChannelDial)

	_, err := tr.DialChannel(context.Background(), "127.0.0.1:1", 1)
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}
