package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apparatuslink/internal/apparatus"
)

func newTestServer(t *testing.T) (*Server, *apparatus.Apparatus) {
	t.Helper()
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	app := apparatus.New(apparatus.Config{Type: "demo", RateLimitMs: -1})
	require.NoError(t, app.Connect())
	t.Cleanup(func() { app.Close() })
	return New(cfg, app, fstest.MapFS{}), app
}

func TestStatusHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, 200, rec.Code)

	var frame Frame
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frame))
	require.NotNil(t, frame.Link)
	assert.True(t, frame.Link.Connected)
	assert.Equal(t, "demo", frame.Link.Type)
	require.NotNil(t, frame.Force)
	assert.False(t, frame.Force.Measuring)
	require.NotNil(t, frame.Reed)
	assert.Len(t, frame.Reed.States, apparatus.NumHoles)
	assert.NotZero(t, frame.Stamp)
}

func TestLEDHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"shared color", `{"holes":"inner","color":[255,0,0]}`},
		{"explicit list", `{"holes":"0,5,10","color":[0,255,0]}`},
		{"per-hole map", `{"colors":{"3":[1,2,3],"7":[4,5,6]}}`},
		{"off subset", `{"holes":"outer","off":true}`},
		{"off all", `{"off":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/led", strings.NewReader(tc.body))
			srv.handleLED(rec, req)
			assert.Equal(t, 200, rec.Code, rec.Body.String())
		})
	}
}

func TestLEDHandlerRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"unknown spec", `{"holes":"diagonal","color":[1,1,1]}`, 400},
		{"hole out of range", `{"holes":"25","color":[1,1,1]}`, 400},
		{"bad map key", `{"colors":{"x":[1,2,3]}}`, 400},
		{"garbage json", `{nope`, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/led", strings.NewReader(tc.body))
			srv.handleLED(rec, req)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestLEDHandlerNotConnected(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	app := apparatus.New(apparatus.Config{Type: "demo"})
	srv := New(cfg, app, fstest.MapFS{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/led", strings.NewReader(`{"holes":"all","color":[9,9,9]}`))
	srv.handleLED(rec, req)
	assert.Equal(t, 503, rec.Code)
}

func TestLEDHandlerRateLimited(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	app := apparatus.New(apparatus.Config{Type: "demo", RateLimitMs: 3600000})
	require.NoError(t, app.Connect())
	t.Cleanup(func() { app.Close() })
	srv := New(cfg, app, fstest.MapFS{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/led", strings.NewReader(`{"holes":"0","color":[1,1,1],"rateLimited":true}`))
	srv.handleLED(rec, req)
	require.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/led", strings.NewReader(`{"holes":"1","color":[1,1,1],"rateLimited":true}`))
	srv.handleLED(rec, req)
	assert.Equal(t, 429, rec.Code)
}

func TestForceHandlers(t *testing.T) {
	srv, app := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/force/start", strings.NewReader(`{"rate":200,"device":"white"}`))
	srv.handleForceStart(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.True(t, app.Force().Measuring())

	// empty body restarts with defaults
	rec = httptest.NewRecorder()
	srv.handleForceStart(rec, httptest.NewRequest(http.MethodPost, "/api/force/start", nil))
	require.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	srv.handleForceStop(rec, httptest.NewRequest(http.MethodPost, "/api/force/stop", nil))
	require.Equal(t, 200, rec.Code)
	assert.False(t, app.Force().Measuring())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "white")
	assert.Contains(t, resp, "blue")
}

func TestForceStartRejectsBadDevice(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/force/start", strings.NewReader(`{"device":"green"}`))
	srv.handleForceStart(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestReedHandlers(t *testing.T) {
	srv, app := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/reed/start", strings.NewReader(`{"rate":100,"holes":"0,1,2"}`))
	srv.handleReedStart(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.True(t, app.Reed().Measuring())

	rec = httptest.NewRecorder()
	srv.handleReedStop(rec, httptest.NewRequest(http.MethodPost, "/api/reed/stop", nil))
	require.Equal(t, 200, rec.Code)
	assert.False(t, app.Reed().Measuring())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestReedStartRejectsBadSpec(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/reed/start", strings.NewReader(`{"holes":"bogus"}`))
	srv.handleReedStart(rec, req)
	assert.Equal(t, 400, rec.Code)
}

func TestConfigHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, 200, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got, "apparatus")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"server":{"pollHz":25}}`))
	srv.handleConfig(rec, req)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 25, srv.cfg.Server.PollHz)
}

func TestMethodGuards(t *testing.T) {
	srv, _ := newTestServer(t)
	handlers := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"led", srv.handleLED},
		{"force start", srv.handleForceStart},
		{"force stop", srv.handleForceStop},
		{"reed start", srv.handleReedStart},
		{"reed stop", srv.handleReedStop},
	}
	for _, tc := range handlers {
		rec := httptest.NewRecorder()
		tc.h(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, 405, rec.Code, tc.name)
	}
}

func TestWebSocketStream(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// initial snapshot arrives without any broadcast
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.NotNil(t, frame.Link)
	assert.True(t, frame.Link.Connected)

	// a broadcast reaches the client
	srv.broadcast(srv.snapshot())
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.NotZero(t, frame.Stamp)
}
