package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPage_HasMore(t *testing.T) {
	p := NewPage([]string{"a", "b"}, 10, 2, 0)
	assert.Equal(t, 10, p.Total)
	assert.True(t, p.HasMore)
}

func TestNewPage_LastPage(t *testing.T) {
	p := NewPage([]string{"a"}, 3, 2, 2)
	assert.False(t, p.HasMore)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-5))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, MaxLimit, ClampLimit(1000))
}

func TestClampOffset(t *testing.T) {
	assert.Equal(t, 0, ClampOffset(-10))
	assert.Equal(t, 5, ClampOffset(5))
}
