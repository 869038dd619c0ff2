package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSocketServer struct {
	t        *testing.T
	token    string
	reject   bool
	conns    chan *websocket.Conn
	received chan string
}

func newFakeSocketServer(t *testing.T, token string) (*fakeSocketServer, *httptest.Server) {
	t.Helper()
	fs := &fakeSocketServer{
		t:        t,
		token:    token,
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan string, 16),
	}
	server := httptest.NewServer(http.HandlerFunc(fs.serve))
	return fs, server
}

func (fs *fakeSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`0{"sid":"eio_1","pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)); err != nil {
		return
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	if fs.reject || string(data) != `40{"token":"`+fs.token+`"}` {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`44{"message":"unauthorized"}`))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`40{"sid":"sio_1"}`)); err != nil {
		return
	}
	fs.conns <- conn
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		fs.received <- string(data)
	}
}

func (fs *fakeSocketServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted a connection")
		return nil
	}
}

func (fs *fakeSocketServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case frame := <-fs.received:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received a frame")
		return ""
	}
}

func TestChannelConnectEmitAndReceive(t *testing.T) {
	fs, server := newFakeSocketServer(t, "tok_1")
	defer server.Close()

	ch, err := New(Options{URL: server.URL, Token: "tok_1"})
	require.NoError(t, err)
	defer ch.Close()
	require.Equal(t, Disconnected, ch.State())

	events, release := ch.Subscribe(4)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	require.Equal(t, Connected, ch.State())
	conn := fs.nextConn(t)

	require.NoError(t, ch.Emit(ctx, "send_message", map[string]string{"recipient": "bob", "content": "hi"}))
	require.JSONEq(t, `["send_message",{"recipient":"bob","content":"hi"}]`, strings.TrimPrefix(fs.nextFrame(t), "42"))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`42["status",{"message_id":1,"status":"Delivered"}]`)))
	select {
	case ev := <-events:
		require.Equal(t, "status", ev.Name)
		require.JSONEq(t, `{"message_id":1,"status":"Delivered"}`, string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the status event")
	}
}

func TestChannelAnswersPing(t *testing.T) {
	fs, server := newFakeSocketServer(t, "tok_ping")
	defer server.Close()

	ch, err := New(Options{URL: server.URL, Token: "tok_ping"})
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	conn := fs.nextConn(t)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("2")))
	require.Equal(t, "3", fs.nextFrame(t))
}

func TestChannelRejectedCredential(t *testing.T) {
	_, server := newFakeSocketServer(t, "tok_good")
	defer server.Close()

	ch, err := New(Options{URL: server.URL, Token: "tok_bad"})
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = ch.Connect(ctx)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "unauthorized", rejected.Reason)
	require.Equal(t, Errored, ch.State())
}

func TestEmitWhileDisconnected(t *testing.T) {
	ch, err := New(Options{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	defer ch.Close()
	require.ErrorIs(t, ch.Emit(context.Background(), "mark_read", map[string]string{"message_id": "1"}), ErrNotConnected)
}

func TestConnectAfterCloseFails(t *testing.T) {
	ch, err := New(Options{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Connect(context.Background()), ErrClosed)
	require.Equal(t, Disconnected, ch.State())
}

func TestSubscribeReleaseIsIdempotent(t *testing.T) {
	ch, err := New(Options{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	defer ch.Close()
	_, release := ch.Subscribe(1)
	release()
	release()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Empty(t, ch.subs)
}

func TestAcquireSharesOneChannel(t *testing.T) {
	opts := Options{URL: "http://127.0.0.1:1", Token: "shared"}
	first, releaseFirst, err := Acquire(opts)
	require.NoError(t, err)
	second, releaseSecond, err := Acquire(opts)
	require.NoError(t, err)
	require.Same(t, first, second)

	releaseFirst()
	releaseFirst()
	require.ErrorIs(t, first.Emit(context.Background(), "noop", nil), ErrNotConnected)
	releaseSecond()
	require.ErrorIs(t, first.Connect(context.Background()), ErrClosed)

	third, releaseThird, err := Acquire(opts)
	require.NoError(t, err)
	defer releaseThird()
	require.NotSame(t, first, third)
}
