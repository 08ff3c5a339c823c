package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSSLKeepaliveCounterSaturatesAtZero(t *testing.T) {
	c := NewSSLKeepaliveCounter(2)
	assert.False(t, c.Exhausted())
	c.Decrement()
	assert.False(t, c.Exhausted())
	c.Decrement()
	assert.True(t, c.Exhausted())

	// historic crash this guards against: decrementing past zero must
	// not underflow the counter.
	c.Decrement()
	c.Decrement()
	assert.True(t, c.Exhausted())
}

func TestSSLKeepaliveCounterStartsAtZeroIsExhausted(t *testing.T) {
	c := NewSSLKeepaliveCounter(0)
	assert.True(t, c.Exhausted())
}
