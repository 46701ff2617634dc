package packetizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendFailureTrackerEscalatesAtThreshold(t *testing.T) {
	var tr sendFailureTracker
	t0 := time.Unix(1, 0)
	for i := 0; i < sendFailureThreshold-1; i++ {
		require.False(t, tr.note(t0.Add(time.Duration(i)*10*time.Millisecond)))
	}
	require.True(t, tr.note(t0.Add(time.Duration(sendFailureThreshold-1)*10*time.Millisecond)))
}

func TestSendFailureTrackerRespectsCooldown(t *testing.T) {
	var tr sendFailureTracker
	t0 := time.Unix(2, 0)
	for i := 0; i < sendFailureThreshold; i++ {
		tr.note(t0.Add(time.Duration(i) * time.Millisecond))
	}
	// Immediately re-crossing threshold again within cooldown is suppressed.
	require.False(t, tr.note(t0.Add(50*time.Millisecond)))
}

func TestSendFailureTrackerWindowExpires(t *testing.T) {
	var tr sendFailureTracker
	t0 := time.Unix(3, 0)
	for i := 0; i < sendFailureThreshold; i++ {
		tr.note(t0.Add(time.Duration(i) * time.Millisecond))
	}
	// Far enough later that the old failures have aged out of the 1s window.
	require.False(t, tr.note(t0.Add(5*time.Second)))
}
