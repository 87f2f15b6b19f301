package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderCoalescesContiguousRecords(t *testing.T) {
	var b Builder
	b.Append(0x1000, []byte{0x01, 0x02})
	b.Append(0x1002, []byte{0x03, 0x04})
	b.Close()

	segs := b.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, uint32(0x1000), segs[0].Address)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, segs[0].Data)
}

func TestBuilderSplitsOnGap(t *testing.T) {
	var b Builder
	b.Append(0x1000, []byte{0x01})
	b.Append(0x2000, []byte{0x02})
	b.Close()

	segs := b.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint32(0x1000), segs[0].Address)
	assert.Equal(t, uint32(0x2000), segs[1].Address)
}

func TestBuilderIgnoresEmptyAppend(t *testing.T) {
	var b Builder
	b.Append(0x1000, nil)
	b.Close()
	assert.Empty(t, b.Segments())
}

func TestValidateRejectsOverlap(t *testing.T) {
	segs := []Segment{
		{Address: 0x1000, Data: []byte{1, 2, 3, 4}},
		{Address: 0x1002, Data: []byte{5, 6}},
	}
	assert.Error(t, Validate(segs))
}

func TestValidateRejectsEmpty(t *testing.T) {
	segs := []Segment{{Address: 0x1000, Data: nil}}
	assert.Error(t, Validate(segs))
}

func TestValidateAcceptsOrderedNonOverlapping(t *testing.T) {
	segs := []Segment{
		{Address: 0x1000, Data: []byte{1, 2}},
		{Address: 0x2000, Data: []byte{3, 4, 5}},
	}
	assert.NoError(t, Validate(segs))
	assert.Equal(t, 5, Size(segs))
}

func TestSegmentEnd(t *testing.T) {
	s := Segment{Address: 0x08000000, Data: make([]byte, 16)}
	assert.Equal(t, uint32(0x08000010), s.End())
}
