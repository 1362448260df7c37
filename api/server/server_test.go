package server

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/confidential-executor/api"
	"github.com/ruteri/confidential-executor/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
}

func testConfig() *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             5 * time.Second,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestLifecycleRoutes(t *testing.T) {
	srv, err := New(testConfig(), pingRoutes{})
	require.NoError(t, err)
	h := srv.Handler()

	rr := get(t, h, "/ping")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pong", rr.Body.String())

	assert.JSONEq(t, `{"status":"alive"}`, get(t, h, "/livez").Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	assert.JSONEq(t, `{"status":"draining"}`, get(t, h, "/drain").Body.String())
	assert.False(t, srv.IsReady())
	assert.JSONEq(t, `{"status":"already draining"}`, get(t, h, "/drain").Body.String())

	rr = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	assert.JSONEq(t, `{"status":"ready"}`, get(t, h, "/undrain").Body.String())
	assert.JSONEq(t, `{"status":"already ready"}`, get(t, h, "/undrain").Body.String())
	assert.True(t, srv.IsReady())

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)
}

func TestPprof(t *testing.T) {
	cfg := testConfig()
	cfg.EnablePprof = true
	srv, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, srv.Handler(), "/debug/pprof/").Code)
}

func TestNewRequiresLogger(t *testing.T) {
	cfg := testConfig()
	cfg.Log = nil
	_, err := New(cfg)
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunInBackgroundTLS(t *testing.T) {
	cert, err := cryptoutils.RandomCert("localhost")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ListenAddr = freeAddr(t)
	cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	srv, err := New(cfg, pingRoutes{})
	require.NoError(t, err)
	srv.RunInBackground()
	defer srv.Shutdown()

	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots, ServerName: "localhost"}},
	}

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("https://" + cfg.ListenAddr + "/ping")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))
}
