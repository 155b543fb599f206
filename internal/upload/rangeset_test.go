package upload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeSetCoalesces(t *testing.T) {
	var rs rangeSet

	rs.add(0, 10)
	rs.add(20, 30)
	require.Equal(t, int64(20), rs.bytes())
	require.Equal(t, int64(10), rs.contiguous())
	require.False(t, rs.covered(30))

	// Filling the gap collapses everything into one span.
	rs.add(10, 20)
	require.Equal(t, int64(30), rs.bytes())
	require.Equal(t, int64(30), rs.contiguous())
	require.True(t, rs.covered(30))
}

func TestRangeSetOverlaps(t *testing.T) {
	var rs rangeSet

	rs.add(0, 10)
	rs.add(5, 15)
	rs.add(0, 10)
	require.Equal(t, int64(15), rs.bytes())
	require.Equal(t, int64(15), rs.contiguous())

	rs.add(40, 50)
	rs.add(10, 45)
	require.Equal(t, int64(50), rs.bytes())
	require.True(t, rs.covered(50))
}

func TestRangeSetOutOfOrder(t *testing.T) {
	var rs rangeSet

	rs.add(30, 40)
	rs.add(0, 10)
	rs.add(10, 30)
	require.Equal(t, int64(40), rs.contiguous())
	require.True(t, rs.covered(40))
	require.False(t, rs.covered(41))
}

func TestRangeSetEmpty(t *testing.T) {
	var rs rangeSet

	require.Equal(t, int64(0), rs.bytes())
	require.Equal(t, int64(0), rs.contiguous())
	require.True(t, rs.covered(0))
	require.False(t, rs.covered(1))

	// Zero-width spans change nothing.
	rs.add(5, 5)
	require.Equal(t, int64(0), rs.bytes())
}

func TestRangeSetNoLeadingSpan(t *testing.T) {
	var rs rangeSet

	rs.add(10, 20)
	require.Equal(t, int64(10), rs.bytes())
	require.Equal(t, int64(0), rs.contiguous())
	require.False(t, rs.covered(20))
}
