package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDealRejectedErrorNotFound(t *testing.T) {
	tests := []struct {
		reason   string
		notFound bool
	}{
		{"POSITION_NOT_AVAILABLE", true},
		{"error.not-found.dealId", true},
		{"DEAL_NOT_FOUND", true},
		{"INSUFFICIENT_FUNDS", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			err := fmt.Errorf("ig: confirm close: %w", &DealRejectedError{
				Confirmation: DealConfirmation{DealReference: "ref", Status: DealRejected, Reason: tt.reason},
			})
			assert.True(t, errors.Is(err, ErrDealRejected))
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestAPIErrorNotFound(t *testing.T) {
	assert.True(t, errors.Is(&APIError{Broker: "capital", Status: http.StatusNotFound}, ErrNotFound))
	assert.False(t, errors.Is(&APIError{Broker: "capital", Status: http.StatusBadRequest}, ErrNotFound))
}
