package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPosition_Direction(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		isLong  bool
		isShort bool
		side    Side
	}{
		{"Long", 100, true, false, SideBuy},
		{"Short", -100, false, true, SideSell},
		{"Flat", 0, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Position{Size: decimal.NewFromInt(tt.size)}
			if got := p.IsLong(); got != tt.isLong {
				t.Errorf("Position.IsLong() = %v, want %v", got, tt.isLong)
			}
			if got := p.IsShort(); got != tt.isShort {
				t.Errorf("Position.IsShort() = %v, want %v", got, tt.isShort)
			}
			if got := p.Side(); got != tt.side {
				t.Errorf("Position.Side() = %q, want %q", got, tt.side)
			}
		})
	}
}
