package serialimu

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"gonum.org/v1/gonum/spatial/r3"

	"gyroaim/internal/sensors"
)

func TestParseLine(t *testing.T) {
	t.Run("gyro", func(t *testing.T) {
		s, ok, err := ParseLine("G,1000,0.5,-1,2e-3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sensors.Sample{Kind: sensors.Gyro, TimestampNS: 1000, Vec: r3.Vec{X: 0.5, Y: -1, Z: 0.002}}, s)
	})
	t.Run("accel lower case with spaces", func(t *testing.T) {
		s, ok, err := ParseLine(" a, 5 , 0, 9.81, 0 ")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sensors.Accel, s.Kind)
		assert.Equal(t, uint64(5), s.TimestampNS)
		assert.InDelta(t, 9.81, s.Vec.Y, 1e-12)
	})
	t.Run("comment and blank", func(t *testing.T) {
		for _, line := range []string{"", "   ", "# boot v1.2"} {
			_, ok, err := ParseLine(line)
			assert.NoError(t, err, line)
			assert.False(t, ok, line)
		}
	})
	t.Run("malformed", func(t *testing.T) {
		for _, line := range []string{"G,1,2,3", "X,1,0,0,0", "G,-1,0,0,0", "G,1,a,0,0"} {
			_, _, err := ParseLine(line)
			assert.Error(t, err, line)
		}
	})
}

func TestScan_CountsAndStampsOnArrival(t *testing.T) {
	old := nowNS
	nowNS = func() uint64 { return 99 }
	t.Cleanup(func() { nowNS = old })

	input := strings.Join([]string{
		"# hello",
		"G,10,0,1,0",
		"garbage",
		"A,0,0,1,0",
		"G,20,0,1",
	}, "\n")

	var got []sensors.Sample
	var stats Stats
	err := Scan(context.Background(), strings.NewReader(input), func(s sensors.Sample) { got = append(got, s) }, &stats)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].TimestampNS)
	assert.Equal(t, uint64(99), got[1].TimestampNS)
	assert.Equal(t, Stats{Samples: 2, Malformed: 2}, stats)
}

func TestScan_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	var stats Stats
	require.NoError(t, Scan(ctx, strings.NewReader("G,1,0,0,0\nG,2,0,0,0\n"), func(sensors.Sample) { n++ }, &stats))
	assert.Zero(t, n)
}

func TestSourceMode_Defaults(t *testing.T) {
	m := (&Source{}).mode()
	assert.Equal(t, 115200, m.BaudRate)
	assert.Equal(t, 8, m.DataBits)
	assert.Equal(t, serial.NoParity, m.Parity)
	assert.Equal(t, serial.OneStopBit, m.StopBits)
}
