package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrder_IsOpen(t *testing.T) {
	tests := []struct {
		name   string
		status OrderStatus
		open   bool
		term   bool
	}{
		{"New", StatusNew, true, false},
		{"PartiallyFilled", StatusPartiallyFilled, true, false},
		{"Filled", StatusFilled, false, true},
		{"Cancelled", StatusCancelled, false, true},
		{"Rejected", StatusRejected, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{Status: tt.status}
			assert.Equal(t, tt.open, o.IsOpen())
			assert.Equal(t, tt.term, tt.status.IsTerminal())
		})
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := Order{Qty: decimal.RequireFromString("1.5"), FilledQty: decimal.RequireFromString("0.5")}
	assert.True(t, o.Remaining().Equal(decimal.NewFromInt(1)))

	o.FilledQty = decimal.NewFromInt(2)
	assert.True(t, o.Remaining().IsZero())
}

func TestOutcome_OK(t *testing.T) {
	assert.True(t, OutcomeSuccess.OK())
	assert.True(t, OutcomeNoop.OK())
	assert.False(t, OutcomeRetryable.OK())
	assert.False(t, OutcomeFatal.OK())
	assert.Equal(t, "noop", OutcomeNoop.String())
}
