package currency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	c := NewConverter("USD", []string{"USD", "RUB"}, nil)

	price, code, warn := c.Normalize(100, "EUR")
	assert.Equal(t, 109.00, price)
	assert.Equal(t, "USD", code)
	assert.Empty(t, warn)

	price, code, warn = c.Normalize(100, "USD")
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "USD", code)
	assert.Empty(t, warn)

	price, code, warn = c.Normalize(1246, "rub")
	assert.Equal(t, 1246.0, price)
	assert.Equal(t, "RUB", code)
	assert.Empty(t, warn)

	price, code, warn = c.Normalize(100, "XYZ")
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "USD", code)
	assert.Contains(t, warn, "XYZ")
}

func TestNormalizeRounds(t *testing.T) {
	c := NewConverter("USD", nil, nil)

	price, _, _ := c.Normalize(19.99, "GBP")
	assert.Equal(t, 25.39, price)

	price, _, _ = c.Normalize(1000, "JPY")
	assert.Equal(t, 6.7, price)
}

func TestNormalizeNonUSDBase(t *testing.T) {
	c := NewConverter("EUR", nil, map[string]float64{"USD": 1, "EUR": 1.09})

	price, code, _ := c.Normalize(109, "USD")
	assert.Equal(t, 100.0, price)
	assert.Equal(t, "EUR", code)
}
