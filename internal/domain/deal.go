package domain

import (
	"strings"
	"time"
)

// DealReference is the opaque ticket a broker returns for a submitted order.
type DealReference string

// DealStatus is the lifecycle state of a submitted deal.
type DealStatus string

const (
	DealPending  DealStatus = "PENDING"
	DealOpen     DealStatus = "OPEN"
	DealClosed   DealStatus = "CLOSED"
	DealRejected DealStatus = "REJECTED"
)

// ParseDealStatus normalises the broker spellings of deal and position
// status. IG reports OPENED/DELETED, Capital.com reports ACCEPTED/OPEN.
func ParseDealStatus(s string) DealStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN", "OPENED", "AMENDED", "PARTIALLY_CLOSED":
		return DealOpen
	case "CLOSED", "DELETED", "FULLY_CLOSED":
		return DealClosed
	case "REJECTED":
		return DealRejected
	}
	return DealPending
}

// Terminal reports whether no further transitions are expected.
func (s DealStatus) Terminal() bool {
	return s == DealOpen || s == DealClosed || s == DealRejected
}

// DealConfirmation is the broker's resolution of a deal reference.
type DealConfirmation struct {
	DealReference DealReference `json:"deal_reference"`
	DealID        string        `json:"deal_id"`
	Epic          string        `json:"epic"`
	Status        DealStatus    `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Direction     Direction     `json:"direction,omitempty"`
	Size          float64       `json:"size"`
	Level         float64       `json:"level"`
	Profit        *float64      `json:"profit,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// DealOperation names what produced a journal entry.
type DealOperation string

const (
	OperationOpen  DealOperation = "open"
	OperationClose DealOperation = "close"
)

// DealRecord is one journal row.
type DealRecord struct {
	ID           int64            `json:"id"`
	Broker       string           `json:"broker"`
	Operation    DealOperation    `json:"operation"`
	Confirmation DealConfirmation `json:"confirmation"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
