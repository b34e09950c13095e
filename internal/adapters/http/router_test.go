package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/wigma-ws/internal/adapters/signal"
	"github.com/dkeye/wigma-ws/internal/app"
	"github.com/dkeye/wigma-ws/internal/app/orch"
	"github.com/dkeye/wigma-ws/internal/auth"
	"github.com/dkeye/wigma-ws/internal/config"
	"github.com/dkeye/wigma-ws/internal/persistence"
	"github.com/dkeye/wigma-ws/internal/protocol"
	"github.com/dkeye/wigma-ws/internal/store/memory"
	"github.com/dkeye/wigma-ws/internal/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testSecret = "test-secret"
	adminToken = "admin"
)

type stack struct {
	srv   *httptest.Server
	mem   *memory.Store
	store *persistence.Controller
	orch  *orch.Orchestrator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	mem := memory.New(false)
	ctrl := persistence.New(persistence.Options{
		Backend:    mem,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	verifier := auth.NewVerifier(context.Background(), auth.Options{Secret: testSecret})
	pool := worker.New(2)
	o := orch.New(orch.Options{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(16),
		Policy:   app.SimplePolicy{},
		Verifier: verifier,
		Store:    ctrl,
		Workers:  pool,
		MaxPeers: 8,
	})
	cfg := &config.Config{Mode: "test", AdminToken: adminToken}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = pool.Run(ctx) }()
	go func() { defer wg.Done(); _ = o.Run(ctx) }()

	ws := signal.NewSignalWSController(o, signal.Options{})
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, ws, nil))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		srv.Close()
	})
	return &stack{srv: srv, mem: mem, store: ctrl, orch: o}
}

func (s *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func readControl(t *testing.T, c *websocket.Conn) protocol.Control {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ, "got binary %x", data)
	return protocol.DecodeControl(data)
}

func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ, "got text %s", data)
	return data
}

// expectSilence asserts nothing arrives within d. The connection is not
// usable for reads afterwards.
func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.ReadMessage()
	require.Error(t, err, "unexpected message %q", data)
}

func join(t *testing.T, c *websocket.Conn, project, user string) protocol.Control {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, protocol.EncodeJoin(project, token(t, user))))
	return readControl(t, c)
}

func ping(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, protocol.EncodePing()))
	assert.Equal(t, protocol.KindPong, readControl(t, c).Type)
}

func TestUpdateRelayedAndPersisted(t *testing.T) {
	s := newStack(t)
	s.mem.Grant("P1", "u1")
	s.mem.Grant("P1", "u2")
	a, b := s.dial(t), s.dial(t)

	assert.Equal(t, protocol.KindJoined, join(t, a, "P1", "u1").Type)
	assert.Equal(t, protocol.KindJoined, join(t, b, "P1", "u2").Type)
	assert.Equal(t, protocol.KindPeerJoined, readControl(t, a).Type)

	before := s.store.UpdateCount("P1")
	frame := protocol.EncodeFrame(protocol.Update, []byte{0xAA, 0xBB})
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))

	assert.Equal(t, frame, readBinary(t, b))
	require.Eventually(t, func() bool { return s.store.UpdateCount("P1") == before+1 }, 2*time.Second, 5*time.Millisecond)

	// the sender does not get its own frame back
	ping(t, a)
}

func TestUnauthenticatedBinaryIgnored(t *testing.T) {
	s := newStack(t)
	s.mem.Grant("P1", "u1")
	a, intruder := s.dial(t), s.dial(t)
	require.Equal(t, protocol.KindJoined, join(t, a, "P1", "u1").Type)

	require.NoError(t, intruder.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(protocol.Update, []byte{1})))
	// the pong proves the frame before it was handled
	ping(t, intruder)

	assert.Zero(t, s.store.UpdateCount("P1"))
	assert.Zero(t, s.mem.UpdateCount("P1"))
	expectSilence(t, a, 200*time.Millisecond)
}

func TestPingBeforeJoin(t *testing.T) {
	s := newStack(t)
	c := s.dial(t)
	ping(t, c)
	expectSilence(t, c, 200*time.Millisecond)
}

func TestAuthFailedThenClosed(t *testing.T) {
	s := newStack(t)
	c := s.dial(t)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, protocol.EncodeJoin("P1", "not.a.token")))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"AUTH_FAILED","message":"Invalid or expired token"}`, string(data))

	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestInitialStateOnJoin(t *testing.T) {
	s := newStack(t)
	s.mem.Grant("P1", "u1")
	require.NoError(t, s.mem.UpsertSnapshot(context.Background(), "P1", []byte("S")))
	require.NoError(t, s.mem.AppendUpdate(context.Background(), "P1", []byte("U")))

	c := s.dial(t)
	require.Equal(t, protocol.KindJoined, join(t, c, "P1", "u1").Type)
	assert.Equal(t, protocol.EncodeFrame(protocol.Sync, []byte("S")), readBinary(t, c))
	assert.Equal(t, protocol.EncodeFrame(protocol.Update, []byte("U")), readBinary(t, c))
}

func TestPeerLeftOnDisconnect(t *testing.T) {
	s := newStack(t)
	s.mem.Grant("P1", "u1")
	s.mem.Grant("P1", "u2")
	a, b := s.dial(t), s.dial(t)
	join(t, a, "P1", "u1")
	join(t, b, "P1", "u2")
	require.Equal(t, protocol.KindPeerJoined, readControl(t, a).Type)

	require.NoError(t, b.Close())
	msg := readControl(t, a)
	assert.Equal(t, protocol.KindPeerLeft, msg.Type)
}

func adminRequest(t *testing.T, s *stack, method, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminAPI(t *testing.T) {
	s := newStack(t)
	s.mem.Grant("P1", "u1")
	c := s.dial(t)
	join(t, c, "P1", "u1")

	assert.Equal(t, http.StatusUnauthorized, adminRequest(t, s, http.MethodGet, "/api/rooms", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, adminRequest(t, s, http.MethodGet, "/api/rooms", "wrong").StatusCode)
	assert.Equal(t, http.StatusOK, adminRequest(t, s, http.MethodGet, "/api/rooms", adminToken).StatusCode)
	assert.Equal(t, http.StatusOK, adminRequest(t, s, http.MethodGet, "/api/rooms/P1", adminToken).StatusCode)
	assert.Equal(t, http.StatusNotFound, adminRequest(t, s, http.MethodGet, "/api/rooms/P9", adminToken).StatusCode)
	stats := adminRequest(t, s, http.MethodGet, "/api/stats", adminToken)
	require.Equal(t, http.StatusOK, stats.StatusCode)
	body, err := io.ReadAll(stats.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(body, "workers.size").Int())
	assert.True(t, gjson.GetBytes(body, "workers.queued").Exists())

	assert.Equal(t, http.StatusOK, adminRequest(t, s, http.MethodDelete, "/api/rooms/P1", adminToken).StatusCode)
	assert.Equal(t, http.StatusNotFound, adminRequest(t, s, http.MethodDelete, "/api/rooms/P1", adminToken).StatusCode)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	s := newStack(t)
	resp := adminRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJoinRateLimit(t *testing.T) {
	rl := signal.NewRateLimiter(1, time.Minute)
	r := httptest.NewRecorder()
	engine := SetupRouter(context.Background(), &config.Config{Mode: "test"}, orch.New(orch.Options{Rooms: app.NewRoomManager(1)}), signal.NewSignalWSController(nil, signal.Options{}), rl)

	// first attempt passes the limiter and fails the upgrade handshake
	engine.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = httptest.NewRecorder()
	engine.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusTooManyRequests, r.Code)
}
