package ring

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAux_WriteAndReadBack(t *testing.T) {
	a, err := NewAux(256)
	require.NoError(t, err)

	payload := []byte("branch trace bytes")

	off, n, err := a.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := a.Bytes(off, uint64(n))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func TestAux_PauseDropsWrites(t *testing.T) {
	a, err := NewAux(256)
	require.NoError(t, err)

	a.Pause()
	assert.True(t, a.Paused())

	_, _, err = a.Write([]byte("dropped"))
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, uint64(7), a.Lost())

	a.Resume()

	_, _, err = a.Write([]byte("kept"))
	assert.NoError(t, err)
}

func TestAux_WraparoundKeepsNewest(t *testing.T) {
	a, err := NewAux(64)
	require.NoError(t, err)

	for i := range 20 {
		_, _, err := a.Write([]byte{byte(i), byte(i), byte(i), byte(i)})
		require.NoError(t, err)
	}

	// The last write is always readable.
	head := a.Head()

	got, err := a.Bytes(head-4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{19, 19, 19, 19}, got)

	// A region older than one full ring is gone.
	_, err = a.Bytes(0, 4)
	assert.Error(t, err)
}

func TestAux_AttachOnce(t *testing.T) {
	b, err := New(128, Forward)
	require.NoError(t, err)

	a, err := NewAux(128)
	require.NoError(t, err)

	require.NoError(t, b.SetAux(a))
	assert.Equal(t, a, b.Aux())

	other, err := NewAux(128)
	require.NoError(t, err)
	assert.Error(t, b.SetAux(other))
}

func TestMeta_SeqlockConsistency(t *testing.T) {
	var m Meta

	m.init()

	done := make(chan struct{})

	// Writer publishes pairs where running == enabled/2; a torn read
	// would break the relation.
	go func() {
		defer close(done)

		for i := uint64(1); i <= 50000; i++ {
			m.Update(uint32(i), int64(i), i*2, i)
		}
	}()

	for {
		snap := m.Read()
		assert.Equal(t, snap.TimeEnabled, snap.TimeRunning*2)

		select {
		case <-done:
			snap = m.Read()
			assert.Equal(t, uint64(100000), snap.TimeEnabled)

			return
		default:
		}
	}
}
