// Package capital implements domain.Broker for the Capital.com REST API.
package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/confirm"
	"github.com/alanyoungcy/marketapi/internal/crypto"
	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/platform/transport"
	"github.com/alanyoungcy/marketapi/internal/session"
)

const (
	brokerName = "capital"

	LiveBaseURL = "https://api-capital.backend-capital.com"
	DemoBaseURL = "https://demo-api-capital.backend-capital.com"

	// sessionTTL is how long a CST/X-SECURITY-TOKEN pair is reused. The
	// broker expires idle sessions after ten minutes.
	sessionTTL = 10 * time.Minute
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
}

// Client is the Capital.com broker integration.
type Client struct {
	creds    domain.Credentials
	http     *transport.Client
	sessions *session.Manager
	tracker  *confirm.Tracker
	logger   *slog.Logger
}

// New creates a Capital.com Client.
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

	c := &Client{
		creds:  cfg.Credentials,
		http:   transport.New(brokerName, baseURL, topts...),
		logger: logger,
	}

	sopts := []session.Option{session.WithLogger(logger), session.WithLoginTimeout(cfg.LoginTimeout)}
	if cfg.TokenCache != nil {
		sopts = append(sopts, session.WithCache(cfg.TokenCache))
	}
	if cfg.Clock != nil {
		sopts = append(sopts, session.WithClock(cfg.Clock))
	}
	c.sessions = session.NewManager(brokerName, authenticator{c}, sopts...)
	c.tracker = confirm.NewTracker(c.fetchConfirmation, cfg.Confirm, logger)
	return c
}

// Name returns "capital".
func (c *Client) Name() string { return brokerName }

// OpenPosition submits a market order and waits for the deal to be confirmed.
func (c *Client) OpenPosition(ctx context.Context, epic string, details domain.NewPositionDetails) (domain.DealConfirmation, error) {
	details = details.WithDefaults()
	if err := details.Validate(); err != nil {
		return domain.DealConfirmation{}, err
	}
	if strings.TrimSpace(epic) == "" {
		return domain.DealConfirmation{}, &domain.ValidationError{Field: "epic", Reason: "must not be empty"}
	}

	body := openPositionRequest{
		Epic:           epic,
		Direction:      details.Direction.BrokerSide(),
		Size:           details.Size,
		StopDistance:   details.Stop,
		ProfitDistance: details.Limit,
	}

	var ref dealReferenceResponse
	if _, err := c.call(ctx, transport.Request{Method: http.MethodPost, Path: "/api/v1/positions", Body: body}, &ref); err != nil {
		return domain.DealConfirmation{}, fmt.Errorf("capital: open position %s: %w", epic, err)
	}

	conf, err := c.tracker.Await(ctx, domain.DealReference(ref.DealReference), domain.DealOpen)
	if conf.Epic == "" {
		conf.Epic = epic
	}
	if err != nil {
		return conf, fmt.Errorf("capital: confirm open %s: %w", ref.DealReference, err)
	}
	return conf, nil
}

// ClosePosition closes the whole position. Capital.com has no partial close on
// this endpoint, so size and direction are only validated.
func (c *Client) ClosePosition(ctx context.Context, dealID string, size float64, direction domain.Direction) (domain.DealConfirmation, error) {
	if err := validateClose(dealID, size, direction); err != nil {
		return domain.DealConfirmation{}, err
	}

	var ref dealReferenceResponse
	path := "/api/v1/positions/" + url.PathEscape(dealID)
	if _, err := c.call(ctx, transport.Request{Method: http.MethodDelete, Path: path}, &ref); err != nil {
		return domain.DealConfirmation{}, fmt.Errorf("capital: close position %s: %w", dealID, err)
	}

	conf, err := c.tracker.Await(ctx, domain.DealReference(ref.DealReference), domain.DealClosed)
	if err != nil {
		return conf, fmt.Errorf("capital: confirm close %s: %w", ref.DealReference, err)
	}
	return conf, nil
}

// GetPosition returns one open position.
func (c *Client) GetPosition(ctx context.Context, dealID string) (domain.Position, error) {
	if dealID == "" {
		return domain.Position{}, &domain.ValidationError{Field: "deal_id", Reason: "must not be empty"}
	}
	var env positionEnvelope
	path := "/api/v1/positions/" + url.PathEscape(dealID)
	if _, err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: path}, &env); err != nil {
		return domain.Position{}, fmt.Errorf("capital: get position %s: %w", dealID, err)
	}
	if env.Position.DealID == "" {
		return domain.Position{}, fmt.Errorf("capital: get position %s: %w", dealID, domain.ErrNotFound)
	}
	return env.toDomain(), nil
}

// GetPositions returns all open positions on the account.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp positionsResponse
	if _, err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/api/v1/positions"}, &resp); err != nil {
		return nil, fmt.Errorf("capital: get positions: %w", err)
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
		Path:   "/api/v1/markets",
		Query:  url.Values{"searchTerm": {term}},
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("capital: search markets %q: %w", term, err)
	}
	out := make([]domain.InstrumentSummary, 0, len(resp.Markets))
	for _, m := range resp.Markets {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// Prices returns the latest limit candles for epic at resolution (MINUTE,
// HOUR, DAY...).
func (c *Client) Prices(ctx context.Context, epic, resolution string, limit int) ([]domain.Candle, error) {
	if resolution == "" {
		resolution = "MINUTE"
	}
	if limit <= 0 {
		limit = 10
	}
	var resp pricesResponse
	req := transport.Request{
		Method: http.MethodGet,
		Path:   "/api/v1/prices/" + url.PathEscape(epic),
		Query:  url.Values{"resolution": {resolution}, "max": {strconv.Itoa(limit)}},
	}
	if _, err := c.call(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("capital: get prices %s: %w", epic, err)
	}
	out := make([]domain.Candle, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// Logout ends the broker session and drops the cached tokens.
func (c *Client) Logout(ctx context.Context) error {
	defer c.sessions.Invalidate(ctx, c.creds)
	if _, ok := c.sessions.Peek(ctx, c.creds); !ok {
		return nil
	}
	if _, err := c.call(ctx, transport.Request{Method: http.MethodDelete, Path: "/api/v1/session"}, nil); err != nil {
		return fmt.Errorf("capital: logout: %w", err)
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
		req.Header = http.Header{}
	}
	req.Header.Set("X-SECURITY-TOKEN", tok.SecurityToken)
	req.Header.Set("CST", tok.AccessToken)

	resp, err := c.http.DoJSON(ctx, req, out)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		c.logger.WarnContext(ctx, "session rejected by broker, invalidating")
		c.sessions.Invalidate(ctx, c.creds)
	}
	return resp, err
}

func (c *Client) fetchConfirmation(ctx context.Context, ref domain.DealReference) (domain.DealConfirmation, error) {
	var resp confirmResponse
	path := "/api/v1/confirms/" + url.PathEscape(string(ref))
	if _, err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: path}, &resp); err != nil {
		return domain.DealConfirmation{}, err
	}
	conf := resp.toDomain()
	if conf.DealReference == "" {
		conf.DealReference = ref
	}
	return conf, nil
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

// authenticator performs the encrypted-password login handshake.
type authenticator struct{ c *Client }

func (a authenticator) Login(ctx context.Context, creds domain.Credentials) (domain.Token, error) {
	apiKey := http.Header{"X-CAP-API-KEY": {creds.APIKey}}

	var key encryptionKeyResponse
	if _, err := a.c.http.DoJSON(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/api/v1/session/encryptionKey",
		Header: apiKey,
	}, &key); err != nil {
		return domain.Token{}, authError(err)
	}

	encrypted, err := crypto.EncryptCredential(crypto.CredentialPlaintext(creds.Password, key.TimeStamp), key.EncryptionKey)
	if err != nil {
		return domain.Token{}, err
	}

	resp, err := a.c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/session",
		Header: apiKey,
		Body: sessionRequest{
			Identifier:        creds.Username,
			Password:          encrypted,
			EncryptedPassword: true,
		},
	})
	if err != nil {
		return domain.Token{}, authError(err)
	}

	cst := resp.Header.Get("CST")
	xst := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || xst == "" {
		return domain.Token{}, &domain.AuthError{Broker: brokerName, Status: resp.Status, Message: "session tokens missing from response"}
	}
	return domain.Token{AccessToken: cst, SecurityToken: xst, TTL: sessionTTL}, nil
}

func (a authenticator) Refresh(context.Context, domain.Credentials, string) (domain.Token, error) {
	return domain.Token{}, domain.ErrRefreshUnsupported
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
	_ domain.SessionCloser    = (*Client)(nil)
	_ session.Authenticator   = authenticator{}
)
