package domain

import (
	"context"
	"time"
)

// Tick is one streamed bid/ask quote.
type Tick struct {
	Epic      string    `json:"epic"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"t"`
}

// Mid returns the midpoint of bid and ask.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// TickStream is a pull-based sequence of ticks. Next returns ErrStreamClosed
// once the stream has ended and all queued ticks have been consumed.
type TickStream interface {
	Next(ctx context.Context) (Tick, error)
	Close() error
}
