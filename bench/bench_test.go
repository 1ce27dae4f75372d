package bench

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/dreamsxin/jlog"
)

var randomData = func() []byte {
	b := make([]byte, 1024*1024)
	rand.New(rand.NewSource(1)).Read(b)
	return b
}()

// BenchmarkAppend compares jlog.Write throughput against a bbolt bucket Put
// of the same payload sizes, the way the teacher's bench suite compared
// raft-wal against raftboltdb.
func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s/v=jlog", sizeNames[i]), func(b *testing.B) {
			l, done := openJlog(b)
			defer done()
			runJlogAppendBench(b, l, s)
		})
		b.Run(fmt.Sprintf("entrySize=%s/v=Bolt", sizeNames[i]), func(b *testing.B) {
			db, done := openBolt(b)
			defer done()
			runBoltAppendBench(b, db, s)
		})
	}
}

func openJlog(b *testing.B) (*jlog.Log, func()) {
	b.Helper()
	dir := filepath.Join(b.TempDir(), "log")
	l := jlog.New(dir, jlog.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(b, l.Init())
	require.NoError(b, l.OpenWriter())
	return l, func() { l.Close() }
}

func openBolt(b *testing.B) (*bolt.DB, func()) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bolt-bench.db")
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(b, err)
	require.NoError(b, db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("bench"))
		return err
	}))
	return db, func() { db.Close(); os.Remove(path) }
}

func runJlogAppendBench(b *testing.B, l *jlog.Log, size int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StartTimer()
		start := time.Now().UnixNano()
		err := l.Write(randomData[:size])
		elapsed := time.Now().UnixNano() - start
		b.StopTimer()
		if err != nil {
			b.Fatalf("append failed: %s", err)
		}
		hist.RecordValue(elapsed)
	}
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
}

func runBoltAppendBench(b *testing.B, db *bolt.DB, size int) {
	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	key := make([]byte, 8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range key {
			key[j] = byte(i >> (8 * j))
		}
		b.StartTimer()
		start := time.Now().UnixNano()
		err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("bench")).Put(append([]byte(nil), key...), randomData[:size])
		})
		elapsed := time.Now().UnixNano() - start
		b.StopTimer()
		if err != nil {
			b.Fatalf("put failed: %s", err)
		}
		hist.RecordValue(elapsed)
	}
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
}
