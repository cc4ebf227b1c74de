package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionRate(t *testing.T) {
	assert.Equal(t, 5.0, conversionRate(50, 1000))
	assert.Equal(t, 33.33, conversionRate(1, 3))
	assert.Equal(t, 0.0, conversionRate(10, 0))
	assert.Equal(t, 0.0, conversionRate(10, -5))
	assert.Equal(t, 0.0, conversionRate(0, 1000))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 32.88, round2(24000.0/730))
	assert.Equal(t, 1000.0, round2(1000))
	assert.Equal(t, 0.0, round2(0.001))
}
