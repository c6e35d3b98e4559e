package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	value  int
	resets int
}

func (c *counter) Reset() {
	c.value = 0
	c.resets++
}

func TestPool_GetBuildsWhenEmpty(t *testing.T) {
	p := New(func() *counter { return &counter{value: 7} })
	obj := p.Get()
	require.NotNil(t, obj)
	assert.Equal(t, 7, obj.value)
}

func TestPool_PutResets(t *testing.T) {
	p := New(func() *counter { return &counter{} })
	obj := p.Get()
	obj.value = 42
	p.Put(obj)

	assert.Equal(t, 0, obj.value)
	assert.Equal(t, 1, obj.resets)
}

func TestPool_Buffers(t *testing.T) {
	p := New(func() *bytes.Buffer { return new(bytes.Buffer) })
	buf := p.Get()
	buf.WriteString("payload")
	p.Put(buf)

	assert.Equal(t, 0, buf.Len())
}
