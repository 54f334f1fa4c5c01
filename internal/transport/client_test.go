package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return New(Options{
		APIURL:          url,
		APIToken:        "tok-123",
		ContentEncoding: "gzip",
		Timeout:         5 * time.Second,
		MaxRetries429:   2,
		BaseBackoff:     10 * time.Millisecond,
	})
}

func TestShipOk(t *testing.T) {
	var gotPath, gotEncoding, gotToken, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEncoding = r.Header.Get("Content-Encoding")
		gotToken = r.Header.Get("X-Agents-Token")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"accepted":2}`))
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).Ship(context.Background(), []byte("compressed-bytes"))

	assert.Equal(t, ShipOk, res.Kind)
	assert.Equal(t, `{"accepted":2}`, res.Body)
	assert.Equal(t, "/api/agents/ingest", gotPath)
	assert.Equal(t, "gzip", gotEncoding)
	assert.Equal(t, "tok-123", gotToken)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "compressed-bytes", string(gotBody))
}

func TestShipStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   ResultKind
	}{
		{http.StatusNoContent, ShipOk},
		{http.StatusBadRequest, ShipClientError},
		{http.StatusUnauthorized, ShipClientError},
		{http.StatusForbidden, ShipClientError},
		{http.StatusNotFound, ShipClientError},
		{http.StatusInternalServerError, ShipServerError},
		{http.StatusServiceUnavailable, ShipServerError},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte("body text"))
		}))
		res := newTestClient(srv.URL).Ship(context.Background(), []byte("x"))
		srv.Close()

		assert.Equal(t, tc.want, res.Kind, "status %d", tc.status)
		if tc.want == ShipServerError || tc.want == ShipClientError {
			assert.Equal(t, tc.status, res.Code)
			assert.Equal(t, "body text", res.Body)
		}
	}
}

func TestShipRetriesThenGivesUpOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0.01")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).Ship(context.Background(), []byte("x"))

	assert.Equal(t, ShipRateLimited, res.Kind)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestShipRecoversAfter429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).Ship(context.Background(), []byte("x"))

	assert.Equal(t, ShipOk, res.Kind)
	assert.Equal(t, int32(2), calls.Load())
}

func TestShipBacksOffWithoutRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	start := time.Now()
	res := newTestClient(srv.URL).Ship(context.Background(), []byte("x"))

	assert.Equal(t, ShipOk, res.Kind)
	assert.Equal(t, int32(3), calls.Load())
	// Two waits drawn from [5ms,10ms] and [10ms,20ms].
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestShipConnectError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	res := newTestClient(srv.URL).Ship(context.Background(), []byte("x"))

	assert.Equal(t, ShipConnectError, res.Kind)
	assert.Error(t, res.Err)
}

func TestShipContextCancelDuring429Wait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := newTestClient(srv.URL).Ship(ctx, []byte("x"))

	assert.Equal(t, ShipConnectError, res.Kind)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestPostJSON(t *testing.T) {
	var gotPath, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	require.NoError(t, c.PostJSON(context.Background(), "/api/agents/heartbeat", []byte(`{"version":"1.0"}`)))
	assert.Equal(t, "/api/agents/heartbeat", gotPath)
	assert.Equal(t, "identity", gotEncoding)
}

func TestPostJSONNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).PostJSON(context.Background(), "/api/agents/presence", []byte(`{}`))
	assert.ErrorContains(t, err, "status 500")
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	assert.True(t, newTestClient(healthy.URL).HealthCheck(context.Background()))

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sick.Close()
	assert.False(t, newTestClient(sick.URL).HealthCheck(context.Background()))

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	gone.Close()
	assert.False(t, newTestClient(gone.URL).HealthCheck(context.Background()))
}

func TestIngestURLNormalization(t *testing.T) {
	c := New(Options{APIURL: "http://localhost:47300/"})
	assert.Equal(t, "http://localhost:47300/api/agents/ingest", c.IngestURL())
}

func TestShipWithoutToken(t *testing.T) {
	var sawToken bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawToken = r.Header["X-Agents-Token"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{APIURL: srv.URL, ContentEncoding: "zstd"})
	res := c.Ship(context.Background(), []byte("x"))

	assert.Equal(t, ShipOk, res.Kind)
	assert.False(t, sawToken, "no token header when unconfigured")
}
