package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otcsnap/internal/camera"
	"otcsnap/internal/config"
	"otcsnap/internal/metrics"
)

type fakeStatus struct {
	sessions []camera.SessionInfo
}

func (f *fakeStatus) Sessions() []camera.SessionInfo { return f.sessions }
func (f *fakeStatus) Connected() int                 { return 1 }
func (f *fakeStatus) Streaming() int {
	n := 0
	for _, s := range f.sessions {
		if s.State == camera.StateStreaming.String() {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Enabled: true, Host: "127.0.0.1", Port: 8080, ReadTimeout: 5 * time.Second},
		Driver: config.DriverConfig{Kind: config.DriverSim},
		Sink:   config.SinkConfig{OutputDir: "images"},
	}
}

func newTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	status := &fakeStatus{sessions: []camera.SessionInfo{
		{Slot: 0, State: camera.StateStreaming.String(), HardwareID: "sim0", RunID: "r1"},
		{Slot: 1, State: camera.StateIdle.String()},
	}}
	return New(testConfig(), status, reg, metrics.New(reg), zerolog.Nop()), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// TestServerEndpoints は各エンドポイントの応答をテストする
func TestServerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, 2, st.Slots)
	assert.Equal(t, 1, st.Streaming)
	assert.Equal(t, config.DriverSim, st.Driver)

	rec = get(t, h, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []camera.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "sim0", list.Sessions[0].HardwareID)
}

func TestServerSessionBySlot(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		path string
		code int
	}{
		{path: "/api/sessions/0", code: http.StatusOK},
		{path: "/api/sessions/1", code: http.StatusOK},
		{path: "/api/sessions/2", code: http.StatusNotFound},
		{path: "/api/sessions/-1", code: http.StatusNotFound},
		{path: "/api/sessions/x", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, h, tt.path).Code)
		})
	}

	var info camera.SessionInfo
	require.NoError(t, json.Unmarshal(get(t, h, "/api/sessions/0").Body.Bytes(), &info))
	assert.Equal(t, "r1", info.RunID)
}

func TestServerMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	get(t, h, "/health")
	get(t, h, "/nope")

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `otcsnap_http_requests_total{endpoint="/health",method="GET",status="200"} 1`)
	assert.Contains(t, body, `endpoint="unmatched"`)
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "healthy"))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("サーバーが停止しません")
	}
}

func TestServerStart_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	srv := New(cfg, &fakeStatus{}, nil, nil, zerolog.Nop())

	assert.Error(t, srv.Start(context.Background()))
}
