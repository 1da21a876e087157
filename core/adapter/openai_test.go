package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestFetchOpenAICompatibleModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-111", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":""},{"id":"gpt-4o-mini"}]}`))
	}))
	defer ts.Close()

	f := NewFetcher(ts.Client(), nil, quietLogger())
	ids, err := f.FetchOpenAICompatibleModels(context.Background(), ts.URL+"/v1", "sk-111")

	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, ids)
}

func TestFetchOpenAICompatibleModels_NoSecretNoAuthHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer ts.Close()

	f := NewFetcher(ts.Client(), nil, quietLogger())
	ids, err := f.FetchOpenAICompatibleModels(context.Background(), ts.URL, "")

	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFetchOpenAICompatibleModels_InvalidEndpoint(t *testing.T) {
	f := NewFetcher(nil, nil, quietLogger())
	_, err := f.FetchOpenAICompatibleModels(context.Background(), "not a url", "k")
	assert.Error(t, err)
}

func TestFetchOpenAICompatibleModels_BadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer ts.Close()

	f := NewFetcher(ts.Client(), nil, quietLogger())
	_, err := f.FetchOpenAICompatibleModels(context.Background(), ts.URL, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestFetcher_LimiterHonoursContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer ts.Close()

	// 令牌桶为空且补充极慢，Wait 会因 context 超时而失败
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	f := NewFetcher(ts.Client(), limiter, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.FetchOpenAICompatibleModels(ctx, ts.URL, "k")
	assert.Error(t, err)
}

func TestBuildURL(t *testing.T) {
	u, err := buildURL("https://example.com/v1/", "/models", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/v1/models", u)

	_, err = buildURL("example.com", "/models", nil)
	assert.Error(t, err)
}
