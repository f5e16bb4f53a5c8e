package series

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/serverwatch/pkg/types"
)

func TestSummarize(t *testing.T) {
	group := map[string][]types.LossPoint{
		"a": {
			{Timestamp: 1, AvgDelay: types.Float(30), PacketLoss: 0},
			{Timestamp: 2, AvgDelay: nil, PacketLoss: 100},
			{Timestamp: 3, AvgDelay: types.Float(10), PacketLoss: 20},
			{Timestamp: 4, AvgDelay: types.Float(25), PacketLoss: 0},
		},
		"empty": {},
	}

	out := Summarize(group)

	a := out["a"]
	assert.Equal(t, 10.0, a.MinDelay)
	assert.Equal(t, 30.0, a.MaxDelay)
	assert.Equal(t, 25.0, a.LastDelay)
	require.NotNil(t, a.AvgLoss)
	assert.Equal(t, 30.0, *a.AvgLoss)

	empty := out["empty"]
	assert.Nil(t, empty.AvgLoss)
	assert.Zero(t, empty.MaxDelay)
}

func TestOrderNames(t *testing.T) {
	in := []types.NamedSeries{
		{ID: 0, Name: "zeta"},
		{ID: 7, Name: "seven"},
		{ID: 0, Name: "alpha"},
		{ID: 2, Name: "two"},
	}

	assert.Equal(t, []string{"two", "seven", "alpha", "zeta"}, OrderNames(in))
}
