package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sitepulse/internal/app"
	"github.com/pscheid92/sitepulse/internal/hub"
	"github.com/pscheid92/sitepulse/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func TestWebSocket_PlainHTTPRequiresUpgrade(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	// The upgrade check runs before the domain check.
	rec := doRequest(t, srv, http.MethodGet, "/ws", "", nil)

	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestWebSocket_MissingDomain(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_NormalizesDomain(t *testing.T) {
	sessions := &mockSessionServer{served: make(chan string, 1)}
	srv := newTestServerWith(t, testConfig(), &mockAppService{}, sessions)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?domain=%20A.Example"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case got := <-sessions.served:
		assert.Equal(t, "a.example", got)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not served")
	}
}

func TestWebSocket_OriginAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = "https://a.example"
	cfg.AppEnv = "production"
	srv := newTestServerWith(t, cfg, &mockAppService{}, &mockSessionServer{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "?domain=a.example"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://a.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?domain=a.example"), header)
	require.NoError(t, err)
	conn.Close()
}

// TestBroadcastReachesSocket drives the whole stack: a browser session on /ws receives a
// broadcast posted to /api/broadcast by a collaborator.
func TestBroadcastReachesSocket(t *testing.T) {
	h := hub.New(clockwork.NewRealClock(), nil, 0)
	t.Cleanup(h.Stop)
	svc := app.NewService(h, nil, nil, clockwork.NewRealClock())

	srv := newTestServerWith(t, testConfig(), svc, h)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?domain=a.example"), nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readWS(t, conn)
	assert.Equal(t, protocol.TypeConnected, welcome.Type)
	require.NotNil(t, welcome.SessionCount)
	assert.Equal(t, 1, *welcome.SessionCount)

	body := `{"type":"PICS_UPDATE","data":{"pics":[{"id":1}]}}`
	rec := doRequest(t, srv, http.MethodPost, "/api/broadcast", body, map[string]string{DomainHeader: "a.example"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"domain":"a.example","stats":{"total":1,"success":1,"failure":0}}`, rec.Body.String())

	update := readWS(t, conn)
	assert.Equal(t, protocol.TypePicsUpdate, update.Type)
	assert.Equal(t, "a.example", update.Domain)
	assert.JSONEq(t, `{"pics":[{"id":1}]}`, string(update.Data))

	rec = doRequest(t, srv, http.MethodPost, "/api/broadcast", body, map[string]string{DomainHeader: "a.example"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"domain":"a.example","skipped":true,"reason":"duplicate"}`, rec.Body.String())
}

func readWS(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}
