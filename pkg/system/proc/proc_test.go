//go:build linux

package proc

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStat = `cpu  10132153 290696 3084719 46828483 16683 0 25195 0 175628 0
cpu0 1393280 32966 572056 13343292 6130 0 17875 0 23933 0
cpu1 1335310 33186 569934 13401042 2790 0 1024 7 45005 0
intr 1462898 0 0
ctxt 2165713
`

func TestParseCPUTimes(t *testing.T) {
	got, err := ParseCPUTimes(strings.NewReader(sampleStat))
	require.NoError(t, err)
	require.Len(t, got, 2)

	c0 := got[0]
	assert.Equal(t, uint64(1393280+32966+572056+0+17875+0), c0.Active)
	assert.Equal(t, c0.Active+13343292+6130, c0.Total)
	assert.Equal(t, uint64(1335310+33186+569934+0+1024+7), got[1].Active)
}

func TestParseCPUTimes_Errors(t *testing.T) {
	_, err := ParseCPUTimes(strings.NewReader("cpu 1 2 3 4 5 6 7 8\nintr 0\n"))
	require.ErrorIs(t, err, ErrNoCPU)

	_, err = ParseCPUTimes(strings.NewReader("cpu3 1 2 3\n"))
	require.ErrorIs(t, err, ErrShortStat)
}

func TestUtilization(t *testing.T) {
	prev := CPUTimes{Active: 100, Total: 200}
	assert.InDelta(t, 0.75, Utilization(prev, CPUTimes{Active: 175, Total: 300}), 1e-12)
	assert.Zero(t, Utilization(prev, prev), "no elapsed time")
	assert.Zero(t, Utilization(prev, CPUTimes{Active: 50, Total: 100}), "counter reset")
}

func TestReadCPUTimes_Self(t *testing.T) {
	if _, err := os.Stat(DefaultStat); err != nil {
		t.Skip("no /proc/stat")
	}
	got, err := ReadCPUTimes(DefaultStat)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	for id, c := range got {
		assert.GreaterOrEqual(t, c.Total, c.Active, "cpu%d", id)
	}
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, os.Getpagesize(), PageSize())
	t.Setenv("PAGE_SIZE", "65536")
	assert.Equal(t, 65536, PageSize())
}
