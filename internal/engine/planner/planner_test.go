package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surge-downloader/surge/internal/engine/types"
)

func TestPlan_CoversWholeFileExactly(t *testing.T) {
	const fileSize = 10*types.MB + 37 // not evenly divisible
	ranges := Plan(fileSize, 4, nil)

	assert.NotEmpty(t, ranges)
	assert.EqualValues(t, 0, ranges[0].Start)

	var total int64
	for i, r := range ranges {
		assert.True(t, r.End >= r.Start)
		total += r.End - r.Start + 1
		if i > 0 {
			assert.Equal(t, ranges[i-1].End+1, r.Start, "ranges must be contiguous")
		}
	}
	assert.EqualValues(t, fileSize, total)
	assert.EqualValues(t, fileSize-1, ranges[len(ranges)-1].End)
}

func TestPlan_SmallFileFallsBackToSingleRange(t *testing.T) {
	ranges := Plan(1024, 8, nil)
	assert.Len(t, ranges, 1)
	assert.EqualValues(t, 0, ranges[0].Start)
	assert.EqualValues(t, 1023, ranges[0].End)
}

func TestReplan_PreservesTotalRemainingBytes(t *testing.T) {
	incomplete := []types.Range{
		{Start: 0, End: 10*types.MB - 1, ContentOffset: 2 * types.MB},
		{Start: 10 * types.MB, End: 20*types.MB - 1, ContentOffset: 0},
	}

	replanned := Replan(incomplete, 6, nil)
	assert.NotEmpty(t, replanned)

	var total int64
	for _, r := range replanned {
		total += r.End - r.Start + 1
	}

	var wantTotal int64
	for _, r := range incomplete {
		wantTotal += r.Remaining()
	}
	assert.EqualValues(t, wantTotal, total)
}

func TestReplan_EmptyWhenNothingRemains(t *testing.T) {
	incomplete := []types.Range{{Start: 0, End: 99, ContentOffset: 100}}
	assert.Empty(t, Replan(incomplete, 4, nil))
}

func TestSplitRange_TooSmallToSplit(t *testing.T) {
	r := types.Range{Start: 0, End: 100}
	_, _, ok := SplitRange(r, 50)
	assert.False(t, ok)
}

func TestSplitRange_SplitsInHalf(t *testing.T) {
	r := types.Range{Start: 0, End: 4 * types.MB}
	stolen, newEnd, ok := SplitRange(r, 0)
	assert.True(t, ok)
	assert.True(t, newEnd < r.End)
	assert.Equal(t, newEnd+1, stolen.Start)
	assert.Equal(t, r.End, stolen.End)
}
