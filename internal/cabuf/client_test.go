package cabuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_OpenRefusesWithoutSharedBuffer(t *testing.T) {
	table := NewClientTable(false)
	_, err := table.Open()
	assert.Error(t, err)
}

func Test_OpenAssignsDistinctIDs(t *testing.T) {
	table := NewClientTable(true)

	c1, err := table.Open()
	require.NoError(t, err)
	c2, err := table.Open()
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, uint32(1), c1.Cell.Load())
}

func Test_EvaluateBackpressureFreezesAboveThreshold(t *testing.T) {
	table := NewClientTable(true)
	c, err := table.Open()
	require.NoError(t, err)

	b := &Batch{UsagePerSource: map[uint16]float64{0: 0.9}}
	table.OnPublish(b)

	decision := table.EvaluateBackpressure(100)
	assert.True(t, decision.FreezeAllSources)
	assert.False(t, b.RefMask.IsEmpty())

	c.Ack(b)
	assert.True(t, b.RefMask.IsEmpty())
}

func Test_EvaluateBackpressureSamplesInMidRange(t *testing.T) {
	table := NewClientTable(true)
	_, err := table.Open()
	require.NoError(t, err)

	b := &Batch{UsagePerSource: map[uint16]float64{0: 0.5}}
	table.OnPublish(b)

	decision := table.EvaluateBackpressure(100)
	assert.False(t, decision.FreezeAllSources)
	assert.Greater(t, decision.MaxSampling, uint32(0))
}

func Test_EvaluateBackpressureClearsBelowThreshold(t *testing.T) {
	table := NewClientTable(true)
	c, err := table.Open()
	require.NoError(t, err)
	c.Cell.Store(42)

	b := &Batch{UsagePerSource: map[uint16]float64{0: 0.1}}
	table.OnPublish(b)

	table.EvaluateBackpressure(100)
	assert.Equal(t, uint32(1), c.Cell.Load())
}
