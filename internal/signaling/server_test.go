package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gorgiachat/signal-relay/internal/config"
	"github.com/gorgiachat/signal-relay/internal/httpserver"
	"github.com/gorgiachat/signal-relay/internal/hub"
	"github.com/gorgiachat/signal-relay/internal/metrics"
	"github.com/gorgiachat/signal-relay/internal/wire"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeNone,
		WSIdleTimeout:      5 * time.Second,
		WSPingInterval:     time.Second,
		MaxEventBytes:      64 * 1024,
		MaxEventsPerSecond: 50,
		SendQueueBytes:     64 * 1024,
	}
}

func startTestServer(t *testing.T, cfg config.Config) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	h := hub.New(hub.Options{Logger: logger, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	srv, err := NewServer(cfg, logger, m, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %s: %v", data, err)
	}
	return env
}

func register(t *testing.T, conn *websocket.Conn, user int) {
	t.Helper()
	sendEvent(t, conn, `{"event":"register-identity","data":{"userId":`+jsonInt(user)+`}}`)
	if env := readEvent(t, conn); env.Event != wire.EventOnlineUsers {
		t.Fatalf("register ack=%s, want online-users", env.Event)
	}
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, code) {
				t.Fatalf("close err=%v, want code %d", err, code)
			}
			return
		}
	}
}

func TestWebSocketCallFlow(t *testing.T) {
	wsURL := startTestServer(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	register(t, alice, 1)
	register(t, bob, 2)

	if env := readEvent(t, alice); env.Event != wire.EventUserStatusChange {
		t.Fatalf("alice got %s, want user-status-change", env.Event)
	}

	sendEvent(t, alice, `{"event":"call-user","data":{"to":2,"from":{"id":1,"username":"alice"},"offer":{"type":"offer","sdp":"v=0"},"isVideo":true}}`)
	env := readEvent(t, bob)
	if env.Event != wire.EventIncomingCall {
		t.Fatalf("bob got %s, want incoming-call", env.Event)
	}
	var inc wire.IncomingCall
	if err := json.Unmarshal(env.Data, &inc); err != nil {
		t.Fatalf("decode incoming-call: %v", err)
	}
	if inc.From.Username != "alice" || !inc.IsVideo {
		t.Fatalf("incoming-call=%+v", inc)
	}

	sendEvent(t, bob, `{"event":"call-answer","data":{"to":1,"answer":{"type":"answer","sdp":"v=0"},"accepted":true}}`)
	if env := readEvent(t, alice); env.Event != wire.EventCallAccepted {
		t.Fatalf("alice got %s, want call-accepted", env.Event)
	}

	sendEvent(t, alice, `{"event":"ice-candidate","data":{"to":2,"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}}`)
	if env := readEvent(t, bob); env.Event != wire.EventICECandidate {
		t.Fatalf("bob got %s, want ice-candidate", env.Event)
	}

	sendEvent(t, bob, `{"event":"end-call","data":{"to":1}}`)
	if env := readEvent(t, alice); env.Event != wire.EventCallEnded {
		t.Fatalf("alice got %s, want call-ended", env.Event)
	}
}

// Dials the endpoint exactly as production wires it: mounted on the shared
// HTTP server, behind its middleware chain. The upgrade hijacks the
// connection, so the middleware must not hide http.Hijacker from gorilla.
func TestCallFlowThroughSharedHTTPServer(t *testing.T) {
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	h := hub.New(hub.Options{Logger: logger, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{})
	sig, err := NewServer(cfg, logger, m, h)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		cancel()
		<-done
	})

	wsURL := "ws://" + ln.Addr().String() + "/ws"
	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	register(t, alice, 1)
	register(t, bob, 2)
	readEvent(t, alice) // bob online

	sendEvent(t, alice, `{"event":"call-user","data":{"to":2,"from":{"id":1},"offer":{"type":"offer","sdp":"v=0"}}}`)
	if env := readEvent(t, bob); env.Event != wire.EventIncomingCall {
		t.Fatalf("bob got %s, want incoming-call", env.Event)
	}
}

func TestDisconnectEndsCallAndPresence(t *testing.T) {
	wsURL := startTestServer(t, testConfig())

	alice := dial(t, wsURL)
	bob := dial(t, wsURL)
	register(t, alice, 1)
	register(t, bob, 2)
	readEvent(t, alice) // bob online

	sendEvent(t, alice, `{"event":"call-user","data":{"to":2,"from":{"id":1},"offer":{"type":"offer","sdp":"v=0"}}}`)
	if env := readEvent(t, bob); env.Event != wire.EventIncomingCall {
		t.Fatalf("bob got %s", env.Event)
	}

	bob.Close()

	if env := readEvent(t, alice); env.Event != wire.EventCallEnded {
		t.Fatalf("alice got %s, want call-ended", env.Event)
	}
	env := readEvent(t, alice)
	var status wire.UserStatusChange
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if env.Event != wire.EventUserStatusChange || status.UserID != 2 || status.IsOnline {
		t.Fatalf("alice got %s %+v, want user 2 offline", env.Event, status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sekrit"
	wsURL := startTestServer(t, cfg)

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("dial without key succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without key: resp=%+v", resp)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey=wrong", nil); err == nil {
		t.Fatalf("dial with wrong key succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with wrong key: resp=%+v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?apiKey=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	defer conn.Close()
	register(t, conn, 1)
}

func TestOriginRejected(t *testing.T) {
	wsURL := startTestServer(t, testConfig())

	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("cross-origin dial succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin dial: resp=%+v", resp)
	}
}

func TestOriginAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://app.example"}
	wsURL := startTestServer(t, cfg)

	header := http.Header{"Origin": []string{"http://app.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("allowlisted dial: %v", err)
	}
	conn.Close()
}

func TestMalformedEventIsDropped(t *testing.T) {
	wsURL := startTestServer(t, testConfig())
	conn := dial(t, wsURL)

	sendEvent(t, conn, `{"event":"make-coffee","data":{}}`)
	sendEvent(t, conn, `not even json`)

	// The connection survives bad frames and still serves well-formed events.
	register(t, conn, 1)
}

func TestBinaryMessageRejected(t *testing.T) {
	wsURL := startTestServer(t, testConfig())
	conn := dial(t, wsURL)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectCloseCode(t, conn, websocket.CloseUnsupportedData)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsPerSecond = 2
	wsURL := startTestServer(t, cfg)
	conn := dial(t, wsURL)

	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"end-call","data":{"to":1}}`)); err != nil {
			break
		}
	}
	expectCloseCode(t, conn, websocket.ClosePolicyViolation)
}

func TestKeepaliveOutlivesIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.WSIdleTimeout = 500 * time.Millisecond
	cfg.WSPingInterval = 100 * time.Millisecond
	wsURL := startTestServer(t, cfg)
	conn := dial(t, wsURL)

	// The client never sends an event; the default pong handler answers the
	// server's pings, which must keep pushing the idle deadline out. The
	// pong handler only runs while the client is reading.
	frames := make(chan []byte, 8)
	go func() {
		defer close(frames)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	time.Sleep(1500 * time.Millisecond)

	// Still connected: a register round-trips.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"register-identity","data":{"userId":1}}`)); err != nil {
		t.Fatalf("connection died before idle timeout was refreshed: %v", err)
	}
	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatalf("connection closed instead of acking register")
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != wire.EventOnlineUsers {
			t.Fatalf("register ack=%s (err=%v)", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no register ack received")
	}
}
