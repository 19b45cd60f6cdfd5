package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount(t *testing.T) {
	c := NewCounter()
	assert.Equal(t, 0, c.Count(""))

	short := c.Count("hello world")
	assert.GreaterOrEqual(t, short, 1)
	assert.LessOrEqual(t, short, 4)

	long := c.Count(strings.Repeat("Quantum computing uses qubits. ", 50))
	assert.Greater(t, long, short)
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abc"))
	assert.Equal(t, 2, Estimate("abcdefg"))
}
