package domain

import "context"

// Broker is the capability set every brokerage integration provides.
type Broker interface {
	Name() string
	OpenPosition(ctx context.Context, epic string, details NewPositionDetails) (DealConfirmation, error)
	ClosePosition(ctx context.Context, dealID string, size float64, direction Direction) (DealConfirmation, error)
	GetPosition(ctx context.Context, dealID string) (Position, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SearchInstruments(ctx context.Context, term string) ([]InstrumentSummary, error)
}

// PriceSnapshotter returns recent candles for an instrument.
type PriceSnapshotter interface {
	Prices(ctx context.Context, epic, resolution string, limit int) ([]Candle, error)
}

// PriceStreamer opens a live tick stream for a set of instruments.
type PriceStreamer interface {
	StreamPrices(ctx context.Context, epics []string) (TickStream, error)
}

// SessionCloser ends the broker session explicitly.
type SessionCloser interface {
	Logout(ctx context.Context) error
}
