package budget

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCharge_FitsUntilExhausted(t *testing.T) {
	tr := New(100)
	require.True(t, tr.Charge(60))
	require.True(t, tr.Charge(40))
	require.Equal(t, 0, tr.Remaining())
	require.False(t, tr.Charge(1))
}

func TestCharge_IsNotRefunded(t *testing.T) {
	tr := New(10)
	require.False(t, tr.Charge(15))
	require.Equal(t, -5, tr.Remaining())
	// Once overdrawn nothing fits, not even an empty block.
	require.False(t, tr.Charge(0))
}

func TestCharge_ZeroOnZeroBudgetFits(t *testing.T) {
	require.True(t, New(0).Charge(0))
}

func TestTryCharge_LeavesBudgetOnMiss(t *testing.T) {
	tr := New(50)
	require.False(t, tr.TryCharge(80))
	require.Equal(t, 50, tr.Remaining())
	require.True(t, tr.TryCharge(30))
	require.Equal(t, 20, tr.Remaining())
	require.True(t, tr.TryCharge(20))
	require.Equal(t, 0, tr.Remaining())
}

func TestNew_NegativeStart(t *testing.T) {
	tr := New(-3)
	require.False(t, tr.TryCharge(0))
	require.False(t, tr.Charge(0))
}
