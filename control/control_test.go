package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// dialPair spins up a test websocket server and returns connected
// server-side and client-side *websocket.Conn, mirroring the
// upgrade-then-dial pattern used for in-process control channel tests.
func dialPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	serverConn := <-serverConnCh
	return serverConn, clientConn
}

func TestHostChannelDispatchesKeyframeRequest(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	var mu sync.Mutex
	var gotReason, gotKind string
	observer := KeyframeRequestObserverFunc(func(reason, kind string) {
		mu.Lock()
		defer mu.Unlock()
		gotReason, gotKind = reason, kind
	})

	host := NewHostChannel(NewChannel(serverConn, zerolog.Nop()), observer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.ReadLoop(ctx)
	defer host.Close()

	clientCh := NewChannel(clientConn, zerolog.Nop())
	clientSide := NewClientChannel(clientCh, nil, zerolog.Nop())
	clientSide.RequestHardRecovery("decode-error-escalation")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReason == "decode-error-escalation" && gotKind == "hard"
	}, time.Second, 5*time.Millisecond)
}

func TestClientChannelDispatchesStreamMetrics(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	defer serverConn.Close()

	var mu sync.Mutex
	var got StreamMetricsPayload
	observer := StreamMetricsObserverFunc(func(payload StreamMetricsPayload) {
		mu.Lock()
		defer mu.Unlock()
		got = payload
	})

	clientSide := NewClientChannel(NewChannel(clientConn, zerolog.Nop()), observer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go clientSide.ReadLoop(ctx)
	defer clientSide.Close()

	hostSide := NewHostChannel(NewChannel(serverConn, zerolog.Nop()), nil, zerolog.Nop())
	hostSide.EmitStreamMetrics(StreamMetricsPayload{StreamID: "s1", FramesDelivered: 42})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.StreamID == "s1" && got.FramesDelivered == 42
	}, time.Second, 5*time.Millisecond)
}

func TestHostChannelIgnoresOutOfScopeMessageTypes(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	called := false
	observer := KeyframeRequestObserverFunc(func(reason, kind string) { called = true })
	host := NewHostChannel(NewChannel(serverConn, zerolog.Nop()), observer, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.ReadLoop(ctx)
	defer host.Close()

	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"inputEvent","payload":{}}`)))

	time.Sleep(50 * time.Millisecond)
	require.False(t, called, "out-of-scope message types must be ignored")
}

func TestRunMetricsLoopEmitsPeriodically(t *testing.T) {
	serverConn, clientConn := dialPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	var count int32
	var mu sync.Mutex
	observer := StreamMetricsObserverFunc(func(payload StreamMetricsPayload) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	clientSide := NewClientChannel(NewChannel(clientConn, zerolog.Nop()), observer, zerolog.Nop())
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	go clientSide.ReadLoop(readCtx)

	hostSide := NewHostChannel(NewChannel(serverConn, zerolog.Nop()), nil, zerolog.Nop())
	source := MetricsSourceFunc(func() StreamMetricsPayload { return StreamMetricsPayload{StreamID: "s1"} })

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	hostSide.RunMetricsLoop(ctx, source, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, count, int32(2))
}

func TestChannelCloseStopsWritePumpGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	serverConn, clientConn := dialPair(t)
	defer clientConn.Close()

	ch := NewChannel(serverConn, zerolog.Nop())
	ch.Close()
}
