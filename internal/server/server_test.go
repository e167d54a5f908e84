// internal/server/server_test.go
package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/api/schemas"
	"github.com/xkilldash9x/authbridge/internal/browser"
	"github.com/xkilldash9x/authbridge/internal/config"
	"github.com/xkilldash9x/authbridge/internal/session"
)

// -- Stub Automator --

// stubAutomator answers every operation successfully without a browser.
type stubAutomator struct {
	mu     sync.Mutex
	phones []string
}

func (s *stubAutomator) Initialize(ctx context.Context) error { return nil }

func (s *stubAutomator) SubmitPhone(ctx context.Context, phone string) browser.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones = append(s.phones, phone)
	return browser.Success()
}

func (s *stubAutomator) SubmitCode(ctx context.Context, code string) browser.Outcome {
	return browser.Success()
}

func (s *stubAutomator) SubmitPassword(ctx context.Context, password string) browser.Outcome {
	return browser.Success()
}

func (s *stubAutomator) Cleanup(ctx context.Context) error { return nil }

// -- Test Fixture Setup --

type serverTestFixture struct {
	Server   *Server
	Registry *session.Registry
	HTTP     *httptest.Server
}

func setupServer(t *testing.T, cfg config.ServerConfig) *serverTestFixture {
	t.Helper()

	factory := session.ControllerFactory(func() session.Automator {
		return &stubAutomator{}
	})
	registry, err := session.NewRegistry(factory, config.SessionConfig{
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)

	srv, err := New(registry, nil, cfg, zap.NewNop())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", srv.handleHealth)
	httpSrv := httptest.NewServer(mux)

	t.Cleanup(func() {
		httpSrv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	return &serverTestFixture{Server: srv, Registry: registry, HTTP: httpSrv}
}

func testServerCfg() config.ServerConfig {
	return config.ServerConfig{
		ListenAddr:  ":0",
		AcceptRate:  100,
		AcceptBurst: 100,
	}
}

func (f *serverTestFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.HTTP.URL, "http") + "/ws"
}

func (f *serverTestFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) schemas.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := schemas.DecodeServerMessage(payload)
	require.NoError(t, err)
	return msg
}

func writeClientMessage(t *testing.T, conn *websocket.Conn, msg schemas.ClientMessage) {
	t.Helper()
	payload, err := schemas.EncodeClientMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func expectType(t *testing.T, conn *websocket.Conn, msgType string) schemas.ServerMessage {
	t.Helper()
	msg := readServerMessage(t, conn)
	require.Equal(t, msgType, msg.Type, "unexpected message %q: %s", msg.Type, msg.Message)
	return msg
}

// -- Connection Tests --

func TestConnectAckCarriesSessionID(t *testing.T) {
	f := setupServer(t, testServerCfg())
	conn := f.dial(t)

	ack := expectType(t, conn, schemas.MsgConnected)
	assert.NotEmpty(t, ack.SessionID)
	assert.Empty(t, ack.DetectedCountry)
	assert.Equal(t, 1, f.Registry.Len())

	expectType(t, conn, schemas.MsgBrowserReady)
}

func TestFullLoginFlowOverWebsocket(t *testing.T) {
	f := setupServer(t, testServerCfg())
	conn := f.dial(t)

	expectType(t, conn, schemas.MsgConnected)
	expectType(t, conn, schemas.MsgBrowserReady)

	writeClientMessage(t, conn, schemas.ClientMessage{Type: schemas.MsgSubmitPhone, Phone: "+15551234567"})
	expectType(t, conn, schemas.MsgPhoneProcessing)
	expectType(t, conn, schemas.MsgCodeRequested)

	writeClientMessage(t, conn, schemas.ClientMessage{Type: schemas.MsgSubmitCode, Code: "12345"})
	expectType(t, conn, schemas.MsgCodeProcessing)
	expectType(t, conn, schemas.MsgVerificationOK)
}

func TestMalformedFrameGetsErrorReplyAndKeepsConnection(t *testing.T) {
	f := setupServer(t, testServerCfg())
	conn := f.dial(t)

	expectType(t, conn, schemas.MsgConnected)
	expectType(t, conn, schemas.MsgBrowserReady)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := expectType(t, conn, schemas.MsgError)
	assert.Contains(t, msg.Message, "malformed")

	// The connection survives and keeps working.
	writeClientMessage(t, conn, schemas.ClientMessage{Type: schemas.MsgPing})
	expectType(t, conn, schemas.MsgPong)
}

func TestUnknownMessageTypeIsRejected(t *testing.T) {
	f := setupServer(t, testServerCfg())
	conn := f.dial(t)

	expectType(t, conn, schemas.MsgConnected)
	expectType(t, conn, schemas.MsgBrowserReady)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reboot_server"}`)))
	msg := expectType(t, conn, schemas.MsgError)
	assert.Contains(t, msg.Message, "reboot_server")
}

func TestDisconnectRemovesSession(t *testing.T) {
	f := setupServer(t, testServerCfg())
	conn := f.dial(t)

	expectType(t, conn, schemas.MsgConnected)
	expectType(t, conn, schemas.MsgBrowserReady)
	require.Equal(t, 1, f.Registry.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.Registry.Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAcceptRateLimiting(t *testing.T) {
	cfg := testServerCfg()
	cfg.AcceptRate = 0.001
	cfg.AcceptBurst = 1
	f := setupServer(t, cfg)

	// First upgrade consumes the whole burst.
	conn := f.dial(t)
	expectType(t, conn, schemas.MsgConnected)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestOriginAllowlist(t *testing.T) {
	cfg := testServerCfg()
	cfg.AllowedOrigins = []string{"https://app.example.test"}
	f := setupServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://app.example.test"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	defer conn.Close()
	expectType(t, conn, schemas.MsgConnected)
}

func TestHealthEndpointReportsSessionCount(t *testing.T) {
	f := setupServer(t, testServerCfg())

	resp, err := http.Get(f.HTTP.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

// -- Region Detection Tests --

func TestNoopRegionDetector(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Empty(t, NoopRegionDetector{}.Detect(req))
}

func TestHeaderRegionDetector(t *testing.T) {
	detector := HeaderRegionDetector{Header: "CF-IPCountry"}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("CF-IPCountry", "de")
	assert.Equal(t, "DE", detector.Detect(req))

	t.Run("unknown marker is dropped", func(t *testing.T) {
		req.Header.Set("CF-IPCountry", "XX")
		assert.Empty(t, detector.Detect(req))
	})

	t.Run("private peers carry no signal", func(t *testing.T) {
		req.Header.Set("CF-IPCountry", "DE")
		req.RemoteAddr = "192.168.1.10:51234"
		assert.Empty(t, detector.Detect(req))
	})

	t.Run("loopback peers carry no signal", func(t *testing.T) {
		req.RemoteAddr = "127.0.0.1:51234"
		assert.Empty(t, detector.Detect(req))
	})

	t.Run("missing header", func(t *testing.T) {
		req.Header.Del("CF-IPCountry")
		req.RemoteAddr = "203.0.113.9:51234"
		assert.Empty(t, detector.Detect(req))
	})
}

func TestPublicPeer(t *testing.T) {
	assert.True(t, publicPeer("203.0.113.9:443"))
	assert.False(t, publicPeer("127.0.0.1:443"))
	assert.False(t, publicPeer("10.0.0.5:443"))
	assert.False(t, publicPeer("0.0.0.0:443"))
	assert.False(t, publicPeer("not-an-address"))
}
