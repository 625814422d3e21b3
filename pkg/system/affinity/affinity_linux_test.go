//go:build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPin_FirstAllowedCPU(t *testing.T) {
	allowed, err := Current()
	require.NoError(t, err)
	require.NotEmpty(t, allowed)

	done := make(chan []int, 1)
	go func() {
		defer runtime.UnlockOSThread()
		if err := Pin(allowed[0]); err != nil {
			done <- nil
			return
		}
		got, _ := Current()
		done <- got
	}()
	got := <-done
	require.NotNil(t, got, "pin failed")
	assert.Equal(t, []int{allowed[0]}, got)
}

func TestPin_Negative(t *testing.T) {
	require.Error(t, Pin(-1))
}
