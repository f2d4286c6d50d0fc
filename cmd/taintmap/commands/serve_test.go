package commands

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/iast"
	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

const testShutdownWait = 5 * time.Second

func newTestServer(t *testing.T, provider iast.Provider) *server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	providers, err := observability.Init(observability.DefaultConfig(), observability.WithPrometheus())
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	red, err := observability.NewREDMetrics(providers.Meter)
	require.NoError(t, err)

	tm, err := observability.NewTaintMetrics(providers.Meter)
	require.NoError(t, err)

	return newServer(serverDeps{cfg: cfg, providers: providers, red: red, taint: tm, iast: provider})
}

func get(t *testing.T, rawURL string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, http.NoBody)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func echoURL(base, q string) string {
	return base + "/echo?" + url.Values{"q": {q}}.Encode()
}

func TestServer_EchoReportsTaint(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, iast.Enabled()).handler())
	defer ts.Close()

	status, body := get(t, echoURL(ts.URL, "' OR 1=1 --"))
	require.Equal(t, http.StatusOK, status)

	var resp echoResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	assert.Equal(t, "' OR 1=1 --", resp.Value)
	assert.True(t, resp.Tainted)
	require.NotNil(t, resp.Source)
	assert.Equal(t, taint.OriginParameter, resp.Source.Origin)
	assert.Equal(t, "q", resp.Source.Name)
	assert.Equal(t, "echo: ' OR 1=1 --", resp.Message)
	assert.True(t, resp.MessageTainted)
}

func TestServer_EchoDisabled(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, iast.Disabled()).handler())
	defer ts.Close()

	status, body := get(t, echoURL(ts.URL, "plain value"))
	require.Equal(t, http.StatusOK, status)

	var resp echoResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))

	assert.False(t, resp.Tainted)
	assert.Nil(t, resp.Source)
	assert.False(t, resp.MessageTainted)
}

func TestServer_Probes(t *testing.T) {
	srv := newTestServer(t, iast.Enabled())

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	status, _ := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, status)

	status, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, status)

	srv.shuttingDown.Store(true)

	status, body := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, "shutdown")
}

func TestServer_Metrics(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, iast.Enabled()).handler())
	defer ts.Close()

	status, _ := get(t, echoURL(ts.URL, "value"))
	require.Equal(t, http.StatusOK, status)

	status, body := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)

	assert.Contains(t, body, "taintmap_iast_contexts")
	assert.Contains(t, body, "taintmap_http_requests")
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := newTestServer(t, iast.Enabled())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.serve(ctx, listener) }()

	status, _ := get(t, "http://"+listener.Addr().String()+"/healthz")
	assert.Equal(t, http.StatusOK, status)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testShutdownWait):
		t.Fatal("server did not shut down")
	}

	assert.True(t, srv.shuttingDown.Load())
}
