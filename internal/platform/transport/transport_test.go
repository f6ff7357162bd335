package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

func TestDoJSONSendsHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/markets", r.URL.Path)
		assert.Equal(t, "EURUSD", r.URL.Query().Get("searchTerm"))
		assert.Equal(t, "tok", r.Header.Get("X-SECURITY-TOKEN"))
		w.Header().Set("CST", "cst-value")
		w.Write([]byte(`{"markets":[{"epic":"EURUSD"}]}`))
	}))
	defer srv.Close()

	c := New("capital", srv.URL+"/")
	var out struct {
		Markets []struct {
			Epic string `json:"epic"`
		} `json:"markets"`
	}
	resp, err := c.DoJSON(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/api/v1/markets",
		Query:  url.Values{"searchTerm": {"EURUSD"}},
		Header: http.Header{"X-SECURITY-TOKEN": {"tok"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "cst-value", resp.Header.Get("CST"))
	require.Len(t, out.Markets, 1)
	assert.Equal(t, "EURUSD", out.Markets[0].Epic)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errorCode":"error.not-found.dealId"}`))
	}))
	defer srv.Close()

	_, err := New("capital", srv.URL).Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/v1/positions/x"})
	require.Error(t, err)

	var apiErr *domain.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "error.not-found.dealId", apiErr.Code)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.False(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestUnauthorizedStatusMapsToErrUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorCode":"error.security.client-token-invalid"}`))
	}))
	defer srv.Close()

	_, err := New("ig", srv.URL).Do(context.Background(), Request{Method: http.MethodGet, Path: "/positions"})
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestDecodeFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := New("ig", srv.URL).DoJSON(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, &out)
	assert.True(t, errors.Is(err, domain.ErrTransport))
}

func TestTimeoutIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New("ig", srv.URL, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransport))
	assert.True(t, IsTimeout(err))
}
