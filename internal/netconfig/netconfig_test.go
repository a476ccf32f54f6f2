package netconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNodes() []NodeInfo {
	return []NodeInfo{
		{Number: 3, Name: "gamma", Host: "gamma.local", Port: 2082},
		{Number: 1, Name: "alpha", Host: "alpha.local", Port: 2080},
		{Number: 2, Name: "beta", Host: "beta.local", Port: 2081},
	}
}

func TestNewOrdersByNumber(t *testing.T) {
	c, err := New(sampleNodes())
	require.NoError(t, err)
	require.Equal(t, 3, c.Size())

	nodes := c.Nodes()
	assert.Equal(t, []int{1, 2, 3}, []int{nodes[0].Number, nodes[1].Number, nodes[2].Number})
}

func TestNewRejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	dup := sampleNodes()
	dup = append(dup, NodeInfo{Number: 2, Name: "beta2"})
	_, err = New(dup)
	assert.Error(t, err)
}

func TestNodeLookup(t *testing.T) {
	c, err := New(sampleNodes())
	require.NoError(t, err)

	n, ok := c.Node(2)
	require.True(t, ok)
	assert.Equal(t, "beta", n.Name)

	_, ok = c.Node(99)
	assert.False(t, ok)
}

func TestOthersExcludesSelf(t *testing.T) {
	c, err := New(sampleNodes())
	require.NoError(t, err)

	others := c.Others(2)
	require.Len(t, others, 2)
	for _, n := range others {
		assert.NotEqual(t, 2, n.Number)
	}
}

func TestDefaultQuorum(t *testing.T) {
	cases := []struct {
		size               int
		positive, negative int
		resyncBreak        int
	}{
		{1, 1, 1, 1},
		{4, 3, 1, 1},
		{10, 9, 2, 2},
		{30, 27, 4, 6},
	}
	for _, tc := range cases {
		q := DefaultQuorum(tc.size)
		assert.Equal(t, tc.positive, q.PositiveConsensus, "size %d positive", tc.size)
		assert.Equal(t, tc.negative, q.NegativeConsensus, "size %d negative", tc.size)
		assert.Equal(t, tc.resyncBreak, q.ResyncBreak, "size %d resync", tc.size)
	}
}

func TestQuorumValidate(t *testing.T) {
	assert.NoError(t, Quorum{PositiveConsensus: 3, NegativeConsensus: 1, ResyncBreak: 1}.Validate(4))
	assert.Error(t, Quorum{PositiveConsensus: 0, NegativeConsensus: 1}.Validate(4))
	assert.Error(t, Quorum{PositiveConsensus: 5, NegativeConsensus: 1}.Validate(4))
	assert.Error(t, Quorum{PositiveConsensus: 3, NegativeConsensus: 5}.Validate(4))
}
