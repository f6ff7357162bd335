package capital

import (
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// capitalTimeLayout is the zone-less timestamp format of the REST API.
const capitalTimeLayout = "2006-01-02T15:04:05.999"

type encryptionKeyResponse struct {
	EncryptionKey string `json:"encryptionKey"`
	TimeStamp     int64  `json:"timeStamp"`
}

type sessionRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	EncryptedPassword bool   `json:"encryptedPassword"`
}

type openPositionRequest struct {
	Epic           string   `json:"epic"`
	Direction      string   `json:"direction"`
	Size           float64  `json:"size"`
	GuaranteedStop bool     `json:"guaranteedStop"`
	TrailingStop   bool     `json:"trailingStop"`
	StopDistance   *float64 `json:"stopDistance,omitempty"`
	ProfitDistance *float64 `json:"profitDistance,omitempty"`
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
	if r.Status == "" && len(r.AffectedDeals) > 0 {
		status = domain.ParseDealStatus(r.AffectedDeals[0].Status)
	}
	if strings.EqualFold(r.DealStatus, "REJECTED") {
		status = domain.DealRejected
	}

	dealID := r.DealID
	if len(r.AffectedDeals) > 0 && r.AffectedDeals[0].DealID != "" {
		dealID = r.AffectedDeals[0].DealID
	}

	dir, _ := domain.ParseDirection(r.Direction)
	return domain.DealConfirmation{
		DealReference: domain.DealReference(r.DealReference),
		DealID:        dealID,
		Epic:          r.Epic,
		Status:        status,
		Reason:        r.Reason,
		Direction:     dir,
		Size:          r.Size,
		Level:         r.Level,
		Profit:        r.Profit,
		Timestamp:     parseTime(r.Date),
	}
}

type positionBody struct {
	DealID         string   `json:"dealId"`
	DealReference  string   `json:"dealReference"`
	CreatedDateUTC string   `json:"createdDateUTC"`
	Size           float64  `json:"size"`
	Direction      string   `json:"direction"`
	Level          float64  `json:"level"`
	Currency       string   `json:"currency"`
	StopLevel      *float64 `json:"stopLevel"`
	ProfitLevel    *float64 `json:"profitLevel"`
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
		Limit:     p.Position.ProfitLevel,
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
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

type priceBar struct {
	SnapshotTimeUTC  string  `json:"snapshotTimeUTC"`
	OpenPrice        bidAsk  `json:"openPrice"`
	ClosePrice       bidAsk  `json:"closePrice"`
	HighPrice        bidAsk  `json:"highPrice"`
	LowPrice         bidAsk  `json:"lowPrice"`
	LastTradedVolume float64 `json:"lastTradedVolume"`
}

type pricesResponse struct {
	Prices []priceBar `json:"prices"`
}

func (b priceBar) toDomain() domain.Candle {
	return domain.Candle{
		Time:     parseTime(b.SnapshotTimeUTC),
		OpenBid:  b.OpenPrice.Bid,
		OpenAsk:  b.OpenPrice.Ask,
		CloseBid: b.ClosePrice.Bid,
		CloseAsk: b.ClosePrice.Ask,
		HighBid:  b.HighPrice.Bid,
		HighAsk:  b.HighPrice.Ask,
		LowBid:   b.LowPrice.Bid,
		LowAsk:   b.LowPrice.Ask,
		Volume:   b.LastTradedVolume,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(capitalTimeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
