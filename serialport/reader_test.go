package serialport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duinoapp/upload-multitool/serialport"
	"github.com/duinoapp/upload-multitool/serialport/serialporttest"
)

func TestFramedReaderReadExactBlocksThenConsumes(t *testing.T) {
	port := serialporttest.New(nil)
	require.NoError(t, port.Open())
	fr := serialport.NewFramedReader(port)
	defer fr.Close()

	port.Feed([]byte{0x01, 0x02})

	_, err := fr.ReadExact(4, 30*time.Millisecond)
	require.Error(t, err)

	port.Feed([]byte{0x03, 0x04})

	got, err := fr.ReadExact(4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestFramedReaderDrainDiscardsUntilSilence(t *testing.T) {
	port := serialporttest.New(nil)
	require.NoError(t, port.Open())
	fr := serialport.NewFramedReader(port)
	defer fr.Close()

	port.Feed([]byte("banner garbage"))
	fr.Drain(20 * time.Millisecond)

	port.Feed([]byte{0xAA})
	got, err := fr.ReadExact(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA}, got)
}

func TestFramedReaderWatchSentinelFiresOnExistingAndFutureBytes(t *testing.T) {
	port := serialporttest.New(nil)
	require.NoError(t, port.Open())
	fr := serialport.NewFramedReader(port)
	defer fr.Close()

	found, remove := fr.WatchSentinel([]byte("OHAI"))
	defer remove()

	select {
	case <-found:
		t.Fatal("sentinel fired before bytes arrived")
	default:
	}

	port.Feed([]byte("xxOHAIyy"))

	select {
	case <-found:
	case <-time.After(time.Second):
		t.Fatal("sentinel did not fire")
	}

	// A watcher attached after the pattern is already buffered fires immediately.
	found2, remove2 := fr.WatchSentinel([]byte("OHAI"))
	defer remove2()
	select {
	case <-found2:
	case <-time.After(time.Second):
		t.Fatal("late-attached sentinel did not fire on already-buffered bytes")
	}
}

func TestFramedReaderCloseUnblocksReadExact(t *testing.T) {
	port := serialporttest.New(nil)
	require.NoError(t, port.Open())
	fr := serialport.NewFramedReader(port)

	done := make(chan error, 1)
	go func() {
		_, err := fr.ReadExact(10, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	fr.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadExact did not unblock after Close")
	}
}
