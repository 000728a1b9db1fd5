package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 60 * time.Second}
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 60 * time.Second},  // max 60s
		{100, 60 * time.Second}, // still max 60s
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retryCount), "retry %d", tt.retryCount)
	}
}

func TestBackoff_ExponentialMatchesDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	eb := b.Exponential()

	for i := 0; i < 8; i++ {
		assert.Equal(t, b.Delay(i), eb.NextBackOff(), "attempt %d", i)
	}

	eb.Reset()
	assert.Equal(t, b.Base, eb.NextBackOff())
}
