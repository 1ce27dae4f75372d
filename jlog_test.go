package jlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// newTestLog opens a fresh Log rooted at a t.TempDir() subdirectory, using a
// private Prometheus registry so parallel tests never collide on metric
// registration (the teacher's tests don't need this since walMetrics takes
// an explicit Registerer per WAL instance too).
func newTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "log")
	all := append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	l := New(dir, all...)
	require.NoError(t, l.Init())
	return l
}

func writeN(t *testing.T, l *Log, payloads ...string) {
	t.Helper()
	require.NoError(t, l.OpenWriter())
	for _, p := range payloads {
		require.NoError(t, l.Write([]byte(p)))
	}
}

func openReaderOn(t *testing.T, l *Log, name string) *Log {
	t.Helper()
	r := New(l.dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, r.Init())
	require.NoError(t, r.OpenReader(name))
	return r
}

func TestInitWriteReadRoundTrip(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.AddSubscriber("s", Begin))
	writeN(t, l, "x", "yy", "zzz")

	size, err := l.RawSize()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	first, err := l.FirstLogID()
	require.NoError(t, err)
	require.Equal(t, LogID(0), first)

	r := openReaderOn(t, l, "s")
	start, finish, count, err := r.ReadInterval()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	want := []string{"x", "yy", "zzz"}
	for m := start.Marker; m <= finish.Marker; m++ {
		rec, err := r.ReadMessage(Position{Log: start.Log, Marker: m})
		require.NoError(t, err)
		require.Equal(t, want[m-start.Marker], string(rec.Payload))
	}
}

func TestRotationOnUnitLimit(t *testing.T) {
	l := newTestLog(t, WithUnitLimit(40))
	require.NoError(t, l.OpenWriter())
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Write([]byte("12345678")))
	}
	last, err := l.LastLogID()
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(last), uint32(1))
}

func TestRetentionAcrossTwoSubscribers(t *testing.T) {
	l := newTestLog(t, WithUnitLimit(24))
	require.NoError(t, l.AddSubscriber("a", Begin))
	require.NoError(t, l.AddSubscriber("b", Begin))

	require.NoError(t, l.OpenWriter())
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Write([]byte("12345678")))
	}

	_, err := os.Stat(segmentPath(l.dir, 0))
	require.NoError(t, err)

	require.NoError(t, l.SetCheckpoint("a", Position{Log: 1, Marker: 0}))
	_, err = os.Stat(segmentPath(l.dir, 0))
	require.NoError(t, err, "segment 0 must survive while b hasn't advanced")

	require.NoError(t, l.SetCheckpoint("b", Position{Log: 1, Marker: 0}))
	_, err = os.Stat(segmentPath(l.dir, 0))
	require.True(t, os.IsNotExist(err), "segment 0 must be removed once both subscribers pass it")
}

func TestCtxRepairRebuildsMetastore(t *testing.T) {
	l := newTestLog(t)
	writeN(t, l, "a", "b")
	require.NoError(t, l.Close())

	require.NoError(t, os.Remove(metastorePath(l.dir)))

	// Repair runs before Init, so the metastore checked below is the one
	// Repair wrote rather than one Init created from its template.
	l2 := New(l.dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, l2.Repair(false))

	data, err := os.ReadFile(metastorePath(l.dir))
	require.NoError(t, err)
	got := decodeMetaLayout(data)
	require.Equal(t, uint32(DefaultUnitLimit), got.UnitLimit)
	require.Equal(t, uint32(AlmostSafe), got.Safety)
	require.Equal(t, uint32(DefaultHdrMagic), got.HdrMagic)
	require.NoError(t, l2.Init())
}

func TestAddSubscriberEndSkipsPastExistingData(t *testing.T) {
	l := newTestLog(t)
	writeN(t, l, "a", "b", "c")

	require.NoError(t, l.AddSubscriber("tail", End))
	r := openReaderOn(t, l, "tail")
	_, _, count, err := r.ReadInterval()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestLegacyMetastoreUpgrade(t *testing.T) {
	dir := t.TempDir()
	path := metastorePath(dir)
	legacy := metaLayout{StorageLog: 0, UnitLimit: DefaultUnitLimit, Safety: uint32(AlmostSafe)}
	require.NoError(t, os.WriteFile(path, legacy.encode()[:metaLenLegacy], 0640))

	l := New(dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, l.Init())
	require.Equal(t, uint32(0), l.meta.cur.HdrMagic)
	require.Equal(t, uint32(DefaultUnitLimit), l.meta.cur.UnitLimit)
}
