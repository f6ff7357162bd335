package ig

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketapi/internal/confirm"
	"github.com/alanyoungcy/marketapi/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeIG is an in-memory stand-in for the IG REST API.
type fakeIG struct {
	t *testing.T

	logins    atomic.Int32
	refreshes atomic.Int32
	lastToken atomic.Value // string
	closeBody atomic.Value // closePositionRequest
}

func newFakeIG(t *testing.T) (*fakeIG, *httptest.Server) {
	t.Helper()
	f := &fakeIG{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", f.login)
	mux.HandleFunc("POST /session/refresh-token", f.refresh)
	mux.HandleFunc("GET /session", f.authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("fetchSessionTokens"))
		w.Header().Set("CST", "cst1")
		w.Header().Set("X-SECURITY-TOKEN", "xst1")
		writeJSON(w, http.StatusOK, map[string]string{"accountId": "ACC1", "clientId": "C1"})
	}))
	mux.HandleFunc("DELETE /session", f.authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /positions/otc", f.authed(f.otc))
	mux.HandleFunc("GET /positions", f.authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.Header.Get("Version"))
		writeJSON(w, http.StatusOK, map[string]any{"positions": []any{positionJSON("D1")}})
	}))
	mux.HandleFunc("GET /positions/{dealId}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("dealId") != "D1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"errorCode": "error.position.notfound"})
			return
		}
		writeJSON(w, http.StatusOK, positionJSON("D1"))
	}))
	mux.HandleFunc("GET /confirms/{ref}", f.authed(f.confirms))
	mux.HandleFunc("GET /markets", f.authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gold", r.URL.Query().Get("searchTerm"))
		writeJSON(w, http.StatusOK, map[string]any{"markets": []map[string]any{{
			"epic": "CS.D.CFDGOLD.CFDGC.IP", "instrumentName": "Spot Gold", "instrumentType": "COMMODITIES",
			"expiry": "-", "bid": 2030.1, "offer": 2030.4, "marketStatus": "TRADEABLE",
		}}})
	}))
	mux.HandleFunc("GET /prices/{epic}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.Header.Get("Version"))
		assert.Equal(t, "DAY", r.URL.Query().Get("resolution"))
		assert.Equal(t, "10", r.URL.Query().Get("max"))
		writeJSON(w, http.StatusOK, map[string]any{"prices": []map[string]any{
			{
				"snapshotTimeUTC": "2024-03-01T00:00:00",
				"openPrice":       map[string]any{"bid": 1.1, "ask": 1.2},
				"closePrice":      map[string]any{"bid": 1.3, "ask": 1.4},
				"highPrice":       map[string]any{"bid": 1.5, "ask": 1.6},
				"lowPrice":        map[string]any{"bid": 1.0, "ask": 1.05},
			},
			{
				"snapshotTimeUTC": "2024-03-02T00:00:00",
				"openPrice":       map[string]any{"bid": nil, "ask": 1.2},
			},
		}})
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeIG) login(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "3", r.Header.Get("Version"))
	assert.Equal(f.t, "key", r.Header.Get("X-IG-API-KEY"))
	var body loginRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	if body.Identifier != "user" || body.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errorCode": "error.security.invalid-details"})
		return
	}
	n := f.logins.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":             "ACC1",
		"clientId":              "C1",
		"lightstreamerEndpoint": "https://ls.example.invalid",
		"oauthToken": map[string]string{
			"access_token":  "at-login-" + string(rune('0'+n)),
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    "60",
		},
	})
}

func (f *fakeIG) refresh(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "1", r.Header.Get("Version"))
	var body refreshRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	assert.Equal(f.t, "rt-1", body.RefreshToken)
	f.refreshes.Add(1)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  "at-refreshed",
		"refresh_token": "rt-2",
		"expires_in":    "60",
	})
}

func (f *fakeIG) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer at-") || r.Header.Get("IG-ACCOUNT-ID") != "ACC1" || r.Header.Get("X-IG-API-KEY") != "key" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errorCode": "error.security.client-token-invalid"})
			return
		}
		f.lastToken.Store(strings.TrimPrefix(auth, "Bearer "))
		next(w, r)
	}
}

func (f *fakeIG) otc(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("_method") == http.MethodDelete {
		assert.Equal(f.t, "1", r.Header.Get("Version"))
		var body closePositionRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.closeBody.Store(body)
		writeJSON(w, http.StatusOK, map[string]string{"dealReference": "c_" + body.DealID})
		return
	}

	assert.Equal(f.t, "2", r.Header.Get("Version"))
	var body openPositionRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	assert.True(f.t, body.ForceOpen)
	assert.Equal(f.t, "MARKET", body.OrderType)
	assert.Equal(f.t, "GBP", body.CurrencyCode)
	assert.Equal(f.t, "-", body.Expiry)
	ref := "o_1"
	if body.Size > 100 {
		ref = "o_rejected"
	}
	writeJSON(w, http.StatusOK, map[string]string{"dealReference": ref})
}

func (f *fakeIG) confirms(w http.ResponseWriter, r *http.Request) {
	switch ref := r.PathValue("ref"); ref {
	case "o_1":
		writeJSON(w, http.StatusOK, map[string]any{
			"dealReference": ref, "dealId": "D1", "epic": "CS.D.EURUSD.CFD.IP",
			"status": "OPEN", "dealStatus": "ACCEPTED", "reason": "SUCCESS",
			"direction": "BUY", "size": 1, "level": 1.1, "date": "2024-03-01T12:00:00.123",
		})
	case "c_D1":
		writeJSON(w, http.StatusOK, map[string]any{
			"dealReference": ref, "dealId": "D1", "epic": "CS.D.EURUSD.CFD.IP",
			"status": "CLOSED", "dealStatus": "ACCEPTED", "reason": "SUCCESS",
			"direction": "SELL", "size": 1, "level": 1.2, "profit": 5.0,
		})
	case "o_rejected":
		writeJSON(w, http.StatusOK, map[string]any{
			"dealReference": ref, "status": nil, "dealStatus": "REJECTED", "reason": "INSUFFICIENT_FUNDS",
		})
	default:
		if strings.HasPrefix(ref, "c_") {
			// IG accepts a close for any deal id and reports unknown deals
			// through the confirmation.
			writeJSON(w, http.StatusOK, map[string]any{
				"dealReference": ref, "status": nil, "dealStatus": "REJECTED", "reason": "POSITION_NOT_AVAILABLE",
			})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"errorCode": "error.confirms.deal-not-found"})
	}
}

func positionJSON(dealID string) map[string]any {
	return map[string]any{
		"position": map[string]any{
			"dealId": dealID, "size": 1, "direction": "BUY", "level": 1.1,
			"currency": "GBP", "createdDateUTC": "2024-03-01T12:00:00", "limitLevel": 1.3,
		},
		"market": map[string]any{
			"epic": "CS.D.EURUSD.CFD.IP", "instrumentName": "EUR/USD", "bid": 1.15, "offer": 1.16,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testCredentials() domain.Credentials {
	return domain.Credentials{Username: "user", APIKey: "key", Password: "secret", Environment: domain.EnvDemo}
}

func newTestClient(t *testing.T, baseURL string, clock *testClock) *Client {
	t.Helper()
	cfg := Config{
		Credentials: testCredentials(),
		BaseURL:     baseURL,
		Confirm: confirm.Policy{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return New(cfg, nil)
}

func TestOpenAndClosePosition(t *testing.T) {
	f, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	conf, err := c.OpenPosition(ctx, "CS.D.EURUSD.CFD.IP", domain.NewPosition(domain.DirectionLong, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.DealOpen, conf.Status)
	assert.Equal(t, "D1", conf.DealID)
	assert.Empty(t, conf.Reason)
	assert.Equal(t, domain.DirectionLong, conf.Direction)

	conf, err = c.ClosePosition(ctx, "D1", 1, domain.DirectionShort)
	require.NoError(t, err)
	assert.Equal(t, domain.DealClosed, conf.Status)
	require.NotNil(t, conf.Profit)
	assert.Equal(t, 5.0, *conf.Profit)

	body := f.closeBody.Load().(closePositionRequest)
	assert.Equal(t, "SELL", body.Direction)
	assert.Equal(t, "MARKET", body.OrderType)
	assert.Equal(t, 1.0, body.Size)
	assert.EqualValues(t, 1, f.logins.Load())
}

func TestOpenPositionRejected(t *testing.T) {
	_, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)

	conf, err := c.OpenPosition(context.Background(), "CS.D.EURUSD.CFD.IP", domain.NewPosition(domain.DirectionShort, 500))
	require.ErrorIs(t, err, domain.ErrDealRejected)
	assert.Equal(t, domain.DealRejected, conf.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", conf.Reason)
}

func TestClosePositionUnknownDealIsNotFound(t *testing.T) {
	_, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)

	conf, err := c.ClosePosition(context.Background(), "UNKNOWN", 1, domain.DirectionShort)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, err, domain.ErrDealRejected)
	assert.Equal(t, domain.DealRejected, conf.Status)
	assert.Equal(t, "POSITION_NOT_AVAILABLE", conf.Reason)
}

func TestClosePositionValidation(t *testing.T) {
	f, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)

	_, err := c.ClosePosition(context.Background(), "D1", 0, domain.DirectionShort)
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = c.ClosePosition(context.Background(), "", 1, domain.DirectionShort)
	require.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Zero(t, f.logins.Load())
}

func TestReadEndpoints(t *testing.T) {
	_, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	positions, err := c.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "ig", positions[0].Broker)
	assert.Equal(t, "CS.D.EURUSD.CFD.IP", positions[0].Epic)
	require.NotNil(t, positions[0].Limit)
	assert.Equal(t, 1.3, *positions[0].Limit)

	pos, err := c.GetPosition(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionLong, pos.Direction)

	_, err = c.GetPosition(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	markets, err := c.SearchInstruments(ctx, "gold")
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "Spot Gold", markets[0].Name)

	candles, err := c.Prices(ctx, "CS.D.EURUSD.CFD.IP", "", 0)
	require.NoError(t, err)
	require.Len(t, candles, 1, "points without a bid are dropped")
	assert.Equal(t, 1.3, candles[0].CloseBid)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), candles[0].Time)
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	f, srv := newFakeIG(t)
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestClient(t, srv.URL, clock)
	ctx := context.Background()

	_, err := c.GetPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-login-1", f.lastToken.Load())

	clock.Advance(61 * time.Second)
	_, err = c.GetPositions(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.logins.Load())
	assert.EqualValues(t, 1, f.refreshes.Load())
	assert.Equal(t, "at-refreshed", f.lastToken.Load())
}

func TestLoginRejected(t *testing.T) {
	_, srv := newFakeIG(t)
	creds := testCredentials()
	creds.Password = "wrong"
	c := New(Config{Credentials: creds, BaseURL: srv.URL}, nil)

	_, err := c.GetPositions(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Equal(t, "error.security.invalid-details", authErr.Message)
}

func TestLogout(t *testing.T) {
	f, srv := newFakeIG(t)
	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, c.Logout(ctx), "logout without a session is a no-op")
	assert.Zero(t, f.logins.Load())

	_, err := c.GetPositions(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))

	_, err = c.GetPositions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.logins.Load())
}
