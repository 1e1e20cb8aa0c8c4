package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond, 1)
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "one probe while half-open")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestTransport_OpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(Config{CircuitThreshold: 2, CircuitTimeout: time.Minute})
	client := &http.Client{Transport: tr}
	host := srv.Listener.Addr().String()

	for range 2 {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
	assert.Equal(t, CircuitOpen, tr.State(host))

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, CircuitClosed, tr.State("other.example.com"))
}

func TestTransport_SetsUserAgent(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	client := NewClient(Config{UserAgent: "abrplay/test"}, time.Second)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abrplay/test", ua.Load())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "custom", ua.Load())
}

func TestObfuscateURL(t *testing.T) {
	u, _ := url.Parse("https://user:pw@cdn.example.com/a.m3u8?token=abc&x=1")
	out := ObfuscateURL(u)
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "pw")
	assert.Contains(t, out, "x=1")
	assert.Empty(t, ObfuscateURL(nil))
}
