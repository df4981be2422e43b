package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingMiddlewareTagsRequest(t *testing.T) {
	var seen string
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, seen, 27)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "unknown", GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestTracingMiddlewareForwardsHijack(t *testing.T) {
	hijacked := make(chan struct{})
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !assert.True(t, ok) {
			return
		}
		conn, _, err := hj.Hijack()
		if !assert.NoError(t, err) {
			return
		}
		close(hijacked)
		conn.Close()
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/room", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")

	// the handler drops the connection without answering
	_, err = http.DefaultClient.Do(req)
	assert.Error(t, err)
	select {
	case <-hijacked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler could not hijack through the middleware")
	}
	assert.True(t, isUpgrade(req))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := ErrorRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
