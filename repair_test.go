package jlog

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCorruptHeaderAutoRecovers(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.AddSubscriber("s", Begin))
	writeN(t, l, "alpha", "bravo", "charlie")

	// Force a rotation so segment 0 is no longer the live writer segment,
	// which is required before repair will touch it (spec.md §4.5 outer
	// retry only repairs non-current segments).
	require.NoError(t, l.rotate())

	path := segmentPath(l.dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 20)

	// Flip a byte inside the second record's header magic, well past the
	// first record so "alpha" survives untouched.
	corrupt := append([]byte(nil), data...)
	secondHeaderStart := recordHeaderLen + len("alpha")
	corrupt[secondHeaderStart] ^= 0xFF
	require.NoError(t, os.WriteFile(path, corrupt, 0640))

	n, err := l.repairDatafile(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	// After repair, whatever survives must still resync cleanly.
	res, err := l.resyncIndex(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, int(res.Last.Marker), 1)

	r := openReaderOn(t, l, "s")
	first, err := r.ReadMessage(Position{Log: 0, Marker: 1})
	require.NoError(t, err)
	require.Equal(t, "alpha", string(first.Payload))
}

func TestClosedSegmentReadReturnsCloseLogID(t *testing.T) {
	l := newTestLog(t, WithUnitLimit(40))
	require.NoError(t, l.AddSubscriber("s", Begin))
	require.NoError(t, l.OpenWriter())
	require.NoError(t, l.Write([]byte("12345678")))
	require.NoError(t, l.Write([]byte("12345678"))) // triggers rotation of segment 0

	r := openReaderOn(t, l, "s")
	res, err := r.resyncIndex(0)
	require.NoError(t, err)
	require.True(t, res.Closed)

	_, err = r.ReadMessage(Position{Log: 0, Marker: res.Last.Marker + 1})
	require.ErrorIs(t, err, ErrCloseLogID)
}

func TestRepairAggressiveDestroysDirectory(t *testing.T) {
	l := newTestLog(t)
	writeN(t, l, "a")
	dir := l.dir
	require.NoError(t, l.Close())

	l2 := New(dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, l2.Init())
	require.NoError(t, l2.Repair(true))

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestRepairIdempotentOnHealthyDirectory(t *testing.T) {
	l := newTestLog(t)
	writeN(t, l, "a", "b")

	require.NoError(t, l.Repair(false))
	require.NoError(t, l.Repair(false))
}
