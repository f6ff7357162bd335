package ig

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/platform/transport"
	"github.com/alanyoungcy/marketapi/internal/stream"
)

const marketItemPrefix = "MARKET:"

var priceFields = []string{"BID", "OFFER", "UPDATE_TIME"}

// StreamPrices subscribes to live bid/offer updates for epics. The returned
// stream ends when the Lightstreamer session ends; closing it unsubscribes.
func (c *Client) StreamPrices(ctx context.Context, epics []string) (domain.TickStream, error) {
	if len(epics) == 0 {
		return nil, &domain.ValidationError{Field: "epics", Reason: "must not be empty"}
	}

	details, cst, xst, err := c.streamSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("ig: stream session: %w", err)
	}

	endpoint := c.streamEndpoint
	if endpoint == "" {
		endpoint = details.LightstreamerEndpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("ig: stream session: no lightstreamer endpoint")
	}
	user := details.AccountID
	if user == "" {
		user = c.account(domain.Token{})
	}

	ls := NewLSClient(endpoint, user, "CST-"+cst+"|XST-"+xst, c.logger)
	if err := ls.Connect(ctx); err != nil {
		return nil, fmt.Errorf("ig: stream connect: %w", err)
	}

	now := c.now
	adapter := stream.New(func(u ItemUpdate) (domain.Tick, error) {
		return tickFromUpdate(u, now())
	}, stream.WithQueueSize(c.streamQueueSize), stream.WithLogger(c.logger))

	items := make([]string, len(epics))
	for i, epic := range epics {
		items[i] = marketItemPrefix + epic
	}
	subID, err := ls.Subscribe(items, priceFields, adapter.Handle, adapter.End)
	if err != nil {
		_ = ls.Close()
		return nil, fmt.Errorf("ig: stream subscribe: %w", err)
	}
	adapter.SetOnClose(func() error {
		uerr := ls.Unsubscribe(subID)
		if cerr := ls.Close(); cerr != nil {
			return cerr
		}
		return uerr
	})

	c.logger.InfoContext(ctx, "price stream started",
		slog.Any("epics", epics),
		slog.String("session", ls.SessionID()),
	)
	return adapter, nil
}

// streamSession fetches the CST/X-SECURITY-TOKEN pair Lightstreamer
// authenticates with.
func (c *Client) streamSession(ctx context.Context) (sessionDetails, string, string, error) {
	var details sessionDetails
	resp, err := c.call(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/session",
		Header: version(1),
		Query:  url.Values{"fetchSessionTokens": {"true"}},
	}, &details)
	if err != nil {
		return sessionDetails{}, "", "", err
	}
	cst := resp.Header.Get("CST")
	xst := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || xst == "" {
		return sessionDetails{}, "", "", &domain.AuthError{Broker: brokerName, Status: resp.Status, Message: "session tokens missing from response"}
	}
	return details, cst, xst, nil
}

// tickFromUpdate converts a price update. UPDATE_TIME carries only the time of
// day, so the date is taken from now and moved by a day when that puts the
// tick more than 12h away from now (an update straddling midnight).
func tickFromUpdate(u ItemUpdate, now time.Time) (domain.Tick, error) {
	epic := u.Item
	if i := strings.IndexByte(epic, ':'); i >= 0 {
		epic = epic[i+1:]
	}
	bid, err := strconv.ParseFloat(u.Fields["BID"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("bid %q: %w", u.Fields["BID"], err)
	}
	ask, err := strconv.ParseFloat(u.Fields["OFFER"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("offer %q: %w", u.Fields["OFFER"], err)
	}

	ts := now.UTC()
	if hms := u.Fields["UPDATE_TIME"]; hms != "" {
		t, err := time.Parse(time.TimeOnly, hms)
		if err != nil {
			return domain.Tick{}, fmt.Errorf("update time %q: %w", hms, err)
		}
		y, m, d := ts.Date()
		ts = time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
		switch skew := ts.Sub(now); {
		case skew > 12*time.Hour:
			ts = ts.AddDate(0, 0, -1)
		case skew < -12*time.Hour:
			ts = ts.AddDate(0, 0, 1)
		}
	}
	return domain.Tick{Epic: epic, Bid: bid, Ask: ask, Timestamp: ts}, nil
}
