package gc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStackBoundsDiscoversBounds(t *testing.T) {
	sb, err := NewStackBounds()
	require.NoError(t, err)
	require.NotZero(t, sb.rlimit)
}

func TestRefreshProducesNormalizedWindow(t *testing.T) {
	sb, err := NewStackBounds()
	require.NoError(t, err)

	var anchor byte
	sb.Refresh(addrOf(&anchor))

	require.LessOrEqual(t, sb.Bottom(), sb.Top())
	if sb.grownDown {
		require.Equal(t, addrOf(&anchor), sb.Bottom())
	} else {
		require.Equal(t, addrOf(&anchor), sb.Top())
	}
}
