package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeByID(t *testing.T) {
	p := &Plan{Nodes: []NodeSpec{
		{ID: "a", Type: NodeTypeTask},
		{ID: "b", Type: NodeTypeTask},
	}}

	n, ok := p.NodeByID("b")
	assert.True(t, ok)
	assert.Equal(t, "b", n.ID)

	_, ok = p.NodeByID("missing")
	assert.False(t, ok)
}

func TestNodeSpecWithDefaults(t *testing.T) {
	n := NodeSpec{ID: "a"}.WithDefaults()
	assert.NotNil(t, n.Env)
	assert.Empty(t, n.Env)
}
