package linkstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	assert.False(t, s.Up())
	s.SetUp(true)
	assert.True(t, s.Up())
	s.SetUp(false)
	assert.False(t, s.Up())
}
