package domain

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of a position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ParseDirection accepts LONG/SHORT and the broker spellings BUY/SELL.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return DirectionLong, nil
	case "SHORT", "SELL":
		return DirectionShort, nil
	}
	return "", &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", s)}
}

// Opposite returns the side that closes a position held in d.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// BrokerSide maps the direction onto the BUY/SELL wording both brokers use.
func (d Direction) BrokerSide() string {
	if d == DirectionShort {
		return "SELL"
	}
	return "BUY"
}

const (
	DefaultCurrency = "GBP"
	DefaultExpiry   = "-"
)

// NewPositionDetails describes an order to open a position.
type NewPositionDetails struct {
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	Limit     *float64  `json:"limit,omitempty"`
	Stop      *float64  `json:"stop,omitempty"`
	Currency  string    `json:"currency"`
	Expiry    string    `json:"expiry"`
}

// PositionOption customises NewPositionDetails.
type PositionOption func(*NewPositionDetails)

// WithLimit sets the profit-taking distance.
func WithLimit(distance float64) PositionOption {
	return func(d *NewPositionDetails) { d.Limit = &distance }
}

// WithStop sets the stop-loss distance.
func WithStop(distance float64) PositionOption {
	return func(d *NewPositionDetails) { d.Stop = &distance }
}

// WithCurrency overrides the GBP default.
func WithCurrency(code string) PositionOption {
	return func(d *NewPositionDetails) { d.Currency = code }
}

// WithExpiry overrides the "-" (rolling/DFB) default.
func WithExpiry(expiry string) PositionOption {
	return func(d *NewPositionDetails) { d.Expiry = expiry }
}

// NewPosition builds order details with the GBP/"-" defaults applied.
func NewPosition(dir Direction, size float64, opts ...PositionOption) NewPositionDetails {
	d := NewPositionDetails{
		Direction: dir,
		Size:      size,
		Currency:  DefaultCurrency,
		Expiry:    DefaultExpiry,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithDefaults fills empty currency and expiry.
func (d NewPositionDetails) WithDefaults() NewPositionDetails {
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	if d.Expiry == "" {
		d.Expiry = DefaultExpiry
	}
	return d
}

// Validate rejects non-positive sizes, unknown directions and negative
// distances.
func (d NewPositionDetails) Validate() error {
	if d.Size <= 0 {
		return &ValidationError{Field: "size", Reason: "must be greater than zero"}
	}
	if d.Direction != DirectionLong && d.Direction != DirectionShort {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", d.Direction)}
	}
	if d.Limit != nil && *d.Limit <= 0 {
		return &ValidationError{Field: "limit", Reason: "distance must be greater than zero"}
	}
	if d.Stop != nil && *d.Stop <= 0 {
		return &ValidationError{Field: "stop", Reason: "distance must be greater than zero"}
	}
	return nil
}

// Position is an open position as reported by a broker.
type Position struct {
	DealID    string    `json:"deal_id"`
	Broker    string    `json:"broker"`
	Epic      string    `json:"epic"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	Level     float64   `json:"level"`
	Currency  string    `json:"currency,omitempty"`
	Limit     *float64  `json:"limit,omitempty"`
	Stop      *float64  `json:"stop,omitempty"`
	Bid       float64   `json:"bid"`
	Offer     float64   `json:"offer"`
	CreatedAt time.Time `json:"created_at"`
}

// InstrumentSummary is one row of an instrument search.
type InstrumentSummary struct {
	Epic           string  `json:"epic"`
	Name           string  `json:"name"`
	InstrumentType string  `json:"instrument_type"`
	Expiry         string  `json:"expiry,omitempty"`
	Bid            float64 `json:"bid"`
	Offer          float64 `json:"offer"`
	MarketStatus   string  `json:"market_status"`
}

// Candle is one bar of a price snapshot.
type Candle struct {
	Time     time.Time `json:"time"`
	OpenBid  float64   `json:"open_bid"`
	OpenAsk  float64   `json:"open_ask"`
	CloseBid float64   `json:"close_bid"`
	CloseAsk float64   `json:"close_ask"`
	HighBid  float64   `json:"high_bid"`
	HighAsk  float64   `json:"high_ask"`
	LowBid   float64   `json:"low_bid"`
	LowAsk   float64   `json:"low_ask"`
	Volume   float64   `json:"volume"`
}
