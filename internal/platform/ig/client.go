// Package ig implements domain.Broker for the IG REST trading API and streams
// prices from IG's Lightstreamer server.
package ig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketapi/internal/confirm"
	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/platform/transport"
	"github.com/alanyoungcy/marketapi/internal/session"
)

const (
	brokerName = "ig"

	LiveBaseURL = "https://api.ig.com/gateway/deal"
	DemoBaseURL = "https://demo-api.ig.com/gateway/deal"

	// defaultTokenTTL applies when the login reply carries no expires_in.
	defaultTokenTTL = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	Credentials  domain.Credentials
	BaseURL      string // overrides the environment default
	HTTPClient   *http.Client
	Confirm      confirm.Policy
	TokenCache   domain.TokenCache
	Clock        func() time.Time
	LoginTimeout time.Duration

	// StreamEndpoint overrides the Lightstreamer endpoint the session
	// advertises.
	StreamEndpoint string
	// StreamQueueSize bounds the tick buffer of each price stream.
	StreamQueueSize int
}

// Client is the IG broker integration.
type Client struct {
	creds    domain.Credentials
	http     *transport.Client
	sessions *session.Manager
	tracker  *confirm.Tracker
	logger   *slog.Logger
	now      func() time.Time

	streamEndpoint  string
	streamQueueSize int

	mu        sync.Mutex
	accountID string // learned from the last login
}

// New creates an IG Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("broker", brokerName))

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DemoBaseURL
		if cfg.Credentials.Environment == domain.EnvLive {
			baseURL = LiveBaseURL
		}
	}

	topts := []transport.Option{transport.WithLogger(logger)}
	if cfg.HTTPClient != nil {
		topts = append(topts, transport.WithHTTPClient(cfg.HTTPClient))
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	c := &Client{
		creds:           cfg.Credentials,
		http:            transport.New(brokerName, baseURL, topts...),
		logger:          logger,
		now:             now,
		streamEndpoint:  cfg.StreamEndpoint,
		streamQueueSize: cfg.StreamQueueSize,
		accountID:       cfg.Credentials.AccountID,
	}

	sopts := []session.Option{
		session.WithLogger(logger),
		session.WithLoginTimeout(cfg.LoginTimeout),
		session.WithClock(now),
	}
	if cfg.TokenCache != nil {
		sopts = append(sopts, session.WithCache(cfg.TokenCache))
	}
	c.sessions = session.NewManager(brokerName, authenticator{c}, sopts...)
	c.tracker = confirm.NewTracker(c.fetchConfirmation, cfg.Confirm, logger)
	return c
}

// Name returns "ig".
func (c *Client) Name() string { return brokerName }

// OpenPosition places a market order and waits for the deal to be confirmed.
func (c *Client) OpenPosition(ctx context.Context, epic string, details domain.NewPositionDetails) (domain.DealConfirmation, error) {
	details = details.WithDefaults()
	if err := details.Validate(); err != nil {
		return domain.DealConfirmation{}, err
	}
	if strings.TrimSpace(epic) == "" {
		return domain.DealConfirmation{}, &domain.ValidationError{Field: "epic", Reason: "must not be empty"}
	}

	body := openPositionRequest{
		Epic:          epic,
		Expiry:        details.Expiry,
		Direction:     details.Direction.BrokerSide(),
		Size:          details.Size,
		OrderType:     "MARKET",
		CurrencyCode:  details.Currency,
		ForceOpen:     true,
		LimitDistance: details.Limit,
		StopDistance:  details.Stop,
	}

	var ref dealReferenceResponse
	req := transport.Request{Method: http.MethodPost, Path: "/positions/otc", Header: version(2), Body: body}
	if _, err := c.call(ctx, req, &ref); err != nil {
		return domain.DealConfirmation{}, fmt.Errorf("ig: open position %s: %w", epic, err)
	}

	conf, err := c.tracker.Await(ctx, domain.DealReference(ref.DealReference), domain.DealOpen)
	if conf.Epic == "" {
		conf.Epic = epic
	}
	if err != nil {
		return conf, fmt.Errorf("ig: confirm open %s: %w", ref.DealReference, err)
	}
	return conf, nil
}

// ClosePosition closes size of the position dealID. direction is the side of
// the closing deal, i.e. the opposite of the position's direction.
func (c *Client) ClosePosition(ctx context.Context, dealID string, size float64, direction domain.Direction) (domain.DealConfirmation, error) {
	if err := validateClose(dealID, size, direction); err != nil {
		return domain.DealConfirmation{}, err
	}

	// IG closes through POST with a method override because DELETE
	// requests may not carry a body.
	h := version(1)
	h.Set("_method", http.MethodDelete)
	body := closePositionRequest{
		DealID:    dealID,
		Direction: direction.BrokerSide(),
		Size:      size,
		OrderType: "MARKET",
	}

	var ref dealReferenceResponse
	if _, err := c.call(ctx, transport.Request{Method: http.MethodPost, Path: "/positions/otc", Header: h, Body: body}, &ref); err != nil {
		return domain.DealConfirmation{}, fmt.Errorf("ig: close position %s: %w", dealID, err)
	}

	conf, err := c.tracker.Await(ctx, domain.DealReference(ref.DealReference), domain.DealClosed)
	if err != nil {
		return conf, fmt.Errorf("ig: confirm close %s: %w", ref.DealReference, err)
	}
	return conf, nil
}

// GetPosition returns one open position.
func (c *Client) GetPosition(ctx context.Context, dealID string) (domain.Position, error) {
	if dealID == "" {
		return domain.Position{}, &domain.ValidationError{Field: "deal_id", Reason: "must not be empty"}
	}
	var env positionEnvelope
	req := transport.Request{Method: http.MethodGet, Path: "/positions/" + url.PathEscape(dealID), Header: version(2)}
	if _, err := c.call(ctx, req, &env); err != nil {
		return domain.Position{}, fmt.Errorf("ig: get position %s: %w", dealID, err)
	}
	if env.Position.DealID == "" {
		return domain.Position{}, fmt.Errorf("ig: get position %s: %w", dealID, domain.ErrNotFound)
	}
	return env.toDomain(), nil
}

// GetPositions returns all open positions on the account.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp positionsResponse
	if _, err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/positions", Header: version(2)}, &resp); err != nil {
		return nil, fmt.Errorf("ig: get positions: %w", err)
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// SearchInstruments finds markets matching term.
func (c *Client) SearchInstruments(ctx context.Context, term string) ([]domain.InstrumentSummary, error) {
	var resp marketsResponse
	req := transport.Request{
		Method: http.MethodGet,
		Path:   "/markets",
		Query:  url.Values{"searchTerm": {term}},
		Header: version(1),
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("ig: search markets %q: %w", term, err)
	}
	out := make([]domain.InstrumentSummary, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// Prices returns up to limit candles for epic at resolution (MINUTE, HOUR,
// DAY...). Points the broker reports without a bid or ask are dropped.
func (c *Client) Prices(ctx context.Context, epic, resolution string, limit int) ([]domain.Candle, error) {
	if resolution == "" {
		resolution = "DAY"
	}
	if limit <= 0 {
		limit = 10
	}
	var resp pricesResponse
	req := transport.Request{
		Method: http.MethodGet,
		Path:   "/prices/" + url.PathEscape(epic),
		Query: url.Values{
			"resolution": {resolution},
			"max":        {strconv.Itoa(limit)},
			"pageSize":   {"0"},
		},
		Header: version(3),
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("ig: get prices %s: %w", epic, err)
	}
	out := make([]domain.Candle, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		if candle, ok := p.toDomain(); ok {
			out = append(out, candle)
		}
	}
	return out, nil
}

// Logout ends the broker session and drops the cached tokens.
func (c *Client) Logout(ctx context.Context) error {
	defer c.sessions.Invalidate(ctx, c.creds)
	if _, ok := c.sessions.Peek(ctx, c.creds); !ok {
		return nil
	}
	if _, err := c.call(ctx, transport.Request{Method: http.MethodDelete, Path: "/session", Header: version(1)}, nil); err != nil {
		return fmt.Errorf("ig: logout: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// call sends an authenticated request. A 401/403 drops the cached session so
// the next call logs in again.
func (c *Client) call(ctx context.Context, req transport.Request, out any) (transport.Response, error) {
	tok, err := c.sessions.Token(ctx, c.creds)
	if err != nil {
		return transport.Response{}, err
	}
	if req.Header == nil {
		req.Header = version(1)
	}
	req.Header.Set("X-IG-API-KEY", c.creds.APIKey)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if acct := c.account(tok); acct != "" {
		req.Header.Set("IG-ACCOUNT-ID", acct)
	}

	resp, err := c.http.DoJSON(ctx, req, out)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		c.logger.WarnContext(ctx, "session rejected by broker, invalidating")
		c.sessions.Invalidate(ctx, c.creds)
	}
	return resp, err
}

func (c *Client) account(tok domain.Token) string {
	if tok.AccountID != "" {
		return tok.AccountID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

func (c *Client) setAccount(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
}

func (c *Client) fetchConfirmation(ctx context.Context, ref domain.DealReference) (domain.DealConfirmation, error) {
	var resp confirmResponse
	req := transport.Request{Method: http.MethodGet, Path: "/confirms/" + url.PathEscape(string(ref)), Header: version(1)}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return domain.DealConfirmation{}, err
	}
	conf := resp.toDomain()
	if conf.DealReference == "" {
		conf.DealReference = ref
	}
	return conf, nil
}

func version(v int) http.Header {
	return http.Header{"Version": {strconv.Itoa(v)}}
}

func validateClose(dealID string, size float64, direction domain.Direction) error {
	if strings.TrimSpace(dealID) == "" {
		return &domain.ValidationError{Field: "deal_id", Reason: "must not be empty"}
	}
	if size <= 0 {
		return &domain.ValidationError{Field: "size", Reason: "must be greater than zero"}
	}
	if direction != domain.DirectionLong && direction != domain.DirectionShort {
		return &domain.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", direction)}
	}
	return nil
}

// authenticator performs the OAuth login and refresh flows.
type authenticator struct{ c *Client }

func (a authenticator) Login(ctx context.Context, creds domain.Credentials) (domain.Token, error) {
	h := version(3)
	h.Set("X-IG-API-KEY", creds.APIKey)

	var resp loginResponse
	if _, err := a.c.http.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/session",
		Header: h,
		Body:   loginRequest{Identifier: creds.Username, Password: creds.Password},
	}, &resp); err != nil {
		return domain.Token{}, authError(err)
	}
	if resp.OAuthToken.AccessToken == "" {
		return domain.Token{}, &domain.AuthError{Broker: brokerName, Status: http.StatusOK, Message: "oauth token missing from response"}
	}

	acct := creds.AccountID
	if acct == "" {
		acct = resp.AccountID
	}
	a.c.setAccount(acct)
	return domain.Token{
		AccessToken:  resp.OAuthToken.AccessToken,
		RefreshToken: resp.OAuthToken.RefreshToken,
		AccountID:    acct,
		TTL:          tokenTTL(resp.OAuthToken.ExpiresIn),
	}, nil
}

func (a authenticator) Refresh(ctx context.Context, creds domain.Credentials, refreshToken string) (domain.Token, error) {
	h := version(1)
	h.Set("X-IG-API-KEY", creds.APIKey)

	var tok oauthToken
	if _, err := a.c.http.DoJSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/session/refresh-token",
		Header: h,
		Body:   refreshRequest{RefreshToken: refreshToken},
	}, &tok); err != nil {
		return domain.Token{}, authError(err)
	}
	if tok.AccessToken == "" {
		return domain.Token{}, &domain.AuthError{Broker: brokerName, Status: http.StatusOK, Message: "refresh returned no access token"}
	}
	return domain.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AccountID:    a.c.account(domain.Token{}),
		TTL:          tokenTTL(tok.ExpiresIn),
	}, nil
}

func tokenTTL(s seconds) time.Duration {
	if s <= 0 {
		return defaultTokenTTL
	}
	return time.Duration(s) * time.Second
}

// authError turns a broker rejection of the login into *domain.AuthError.
// Transport failures pass through unchanged.
func authError(err error) error {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return &domain.AuthError{Broker: brokerName, Status: apiErr.Status, Message: apiErr.Code, Err: err}
	}
	return err
}

// Compile-time interface checks.
var (
	_ domain.Broker           = (*Client)(nil)
	_ domain.PriceSnapshotter = (*Client)(nil)
	_ domain.PriceStreamer    = (*Client)(nil)
	_ domain.SessionCloser    = (*Client)(nil)
	_ session.Authenticator   = authenticator{}
)
