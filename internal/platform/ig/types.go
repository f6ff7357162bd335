package ig

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

const igTimeLayout = "2006-01-02T15:04:05.999"

// seconds decodes expires_in, which IG sends as a quoted number.
type seconds int

func (s *seconds) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*s = seconds(n)
	return nil
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type oauthToken struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	Scope        string  `json:"scope"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    seconds `json:"expires_in"`
}

type loginResponse struct {
	ClientID              string     `json:"clientId"`
	AccountID             string     `json:"accountId"`
	LightstreamerEndpoint string     `json:"lightstreamerEndpoint"`
	OAuthToken            oauthToken `json:"oauthToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionDetails struct {
	ClientID              string `json:"clientId"`
	AccountID             string `json:"accountId"`
	LightstreamerEndpoint string `json:"lightstreamerEndpoint"`
}

type openPositionRequest struct {
	Epic           string   `json:"epic"`
	Expiry         string   `json:"expiry"`
	Direction      string   `json:"direction"`
	Size           float64  `json:"size"`
	OrderType      string   `json:"orderType"`
	CurrencyCode   string   `json:"currencyCode"`
	ForceOpen      bool     `json:"forceOpen"`
	GuaranteedStop bool     `json:"guaranteedStop"`
	LimitDistance  *float64 `json:"limitDistance"`
	StopDistance   *float64 `json:"stopDistance"`
}

type closePositionRequest struct {
	DealID    string  `json:"dealId"`
	Direction string  `json:"direction"`
	Size      float64 `json:"size"`
	OrderType string  `json:"orderType"`
}

type dealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

type affectedDeal struct {
	DealID string `json:"dealId"`
	Status string `json:"status"`
}

type confirmResponse struct {
	Date          string         `json:"date"`
	Status        string         `json:"status"`
	DealStatus    string         `json:"dealStatus"`
	Reason        string         `json:"reason"`
	Epic          string         `json:"epic"`
	DealReference string         `json:"dealReference"`
	DealID        string         `json:"dealId"`
	AffectedDeals []affectedDeal `json:"affectedDeals"`
	Level         float64        `json:"level"`
	Size          float64        `json:"size"`
	Direction     string         `json:"direction"`
	Profit        *float64       `json:"profit"`
}

func (r confirmResponse) toDomain() domain.DealConfirmation {
	status := domain.ParseDealStatus(r.Status)
	if strings.EqualFold(r.DealStatus, "REJECTED") {
		status = domain.DealRejected
	}
	reason := r.Reason
	if reason == "SUCCESS" {
		reason = ""
	}
	dir, _ := domain.ParseDirection(r.Direction)
	return domain.DealConfirmation{
		DealReference: domain.DealReference(r.DealReference),
		DealID:        r.DealID,
		Epic:          r.Epic,
		Status:        status,
		Reason:        reason,
		Direction:     dir,
		Size:          r.Size,
		Level:         r.Level,
		Profit:        r.Profit,
		Timestamp:     parseTime(r.Date),
	}
}

type positionBody struct {
	DealID         string   `json:"dealId"`
	CreatedDateUTC string   `json:"createdDateUTC"`
	Size           float64  `json:"size"`
	Direction      string   `json:"direction"`
	Level          float64  `json:"level"`
	Currency       string   `json:"currency"`
	LimitLevel     *float64 `json:"limitLevel"`
	StopLevel      *float64 `json:"stopLevel"`
}

type marketBody struct {
	Epic           string  `json:"epic"`
	InstrumentName string  `json:"instrumentName"`
	InstrumentType string  `json:"instrumentType"`
	Expiry         string  `json:"expiry"`
	Bid            float64 `json:"bid"`
	Offer          float64 `json:"offer"`
	MarketStatus   string  `json:"marketStatus"`
}

func (m marketBody) toDomain() domain.InstrumentSummary {
	return domain.InstrumentSummary{
		Epic:           m.Epic,
		Name:           m.InstrumentName,
		InstrumentType: m.InstrumentType,
		Expiry:         m.Expiry,
		Bid:            m.Bid,
		Offer:          m.Offer,
		MarketStatus:   m.MarketStatus,
	}
}

type positionEnvelope struct {
	Position positionBody `json:"position"`
	Market   marketBody   `json:"market"`
}

func (p positionEnvelope) toDomain() domain.Position {
	dir, _ := domain.ParseDirection(p.Position.Direction)
	return domain.Position{
		DealID:    p.Position.DealID,
		Broker:    brokerName,
		Epic:      p.Market.Epic,
		Direction: dir,
		Size:      p.Position.Size,
		Level:     p.Position.Level,
		Currency:  p.Position.Currency,
		Limit:     p.Position.LimitLevel,
		Stop:      p.Position.StopLevel,
		Bid:       p.Market.Bid,
		Offer:     p.Market.Offer,
		CreatedAt: parseTime(p.Position.CreatedDateUTC),
	}
}

type positionsResponse struct {
	Positions []positionEnvelope `json:"positions"`
}

type marketsResponse struct {
	Markets []marketBody `json:"markets"`
}

type bidAsk struct {
	Bid *float64 `json:"bid"`
	Ask *float64 `json:"ask"`
}

type pricePoint struct {
	SnapshotTimeUTC  string  `json:"snapshotTimeUTC"`
	OpenPrice        bidAsk  `json:"openPrice"`
	ClosePrice       bidAsk  `json:"closePrice"`
	HighPrice        bidAsk  `json:"highPrice"`
	LowPrice         bidAsk  `json:"lowPrice"`
	LastTradedVolume float64 `json:"lastTradedVolume"`
}

type pricesResponse struct {
	Prices []pricePoint `json:"prices"`
}

// toDomain flattens a price point. Points without an opening bid and ask are
// reported as incomplete.
func (p pricePoint) toDomain() (domain.Candle, bool) {
	if p.OpenPrice.Bid == nil || p.OpenPrice.Ask == nil {
		return domain.Candle{}, false
	}
	return domain.Candle{
		Time:     parseTime(p.SnapshotTimeUTC),
		OpenBid:  *p.OpenPrice.Bid,
		OpenAsk:  *p.OpenPrice.Ask,
		CloseBid: deref(p.ClosePrice.Bid),
		CloseAsk: deref(p.ClosePrice.Ask),
		HighBid:  deref(p.HighPrice.Bid),
		HighAsk:  deref(p.HighPrice.Ask),
		LowBid:   deref(p.LowPrice.Bid),
		LowAsk:   deref(p.LowPrice.Ask),
		Volume:   p.LastTradedVolume,
	}, true
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(igTimeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
