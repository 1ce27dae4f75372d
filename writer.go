package jlog

import (
	"os"
	"time"

	"github.com/go-kit/log/level"
)

// Write appends data to the log using the current wall-clock time as the
// record timestamp.
func (l *Log) Write(data []byte) error {
	return l.WriteMessage(data, time.Now())
}

// WriteMessage appends data with an explicit timestamp (spec.md §4.3). It
// loops, rotating to a new segment whenever the current one has reached the
// unit_limit, building and writing the fixed 16-byte header followed by the
// payload.
func (l *Log) WriteMessage(data []byte, ts time.Time) error {
	if l.m != modeAppend {
		return l.setErr(KindIllegalWrite, nil)
	}

	for {
		if err := l.ensureWriterOpen(); err != nil {
			return err
		}

		lk, err := lockFile(segmentPath(l.dir, l.currentWriteLog)+".lock", l.fileMode)
		if err != nil {
			return l.setErr(KindLock, err)
		}

		fi, err := l.writerData.Stat()
		if err != nil {
			lk.unlock()
			return l.setErr(KindFileSeek, err)
		}
		off := fi.Size()

		if off >= int64(l.meta.cur.UnitLimit) {
			lk.unlock()
			l.closeWriter()
			if err := l.rotate(); err != nil {
				return err
			}
			continue
		}

		hdr := recordHeader{
			Magic:  l.meta.cur.HdrMagic,
			TVSec:  uint32(ts.Unix()),
			TVUsec: uint32(ts.Nanosecond() / 1000),
			MLen:   uint32(len(data)),
		}

		if _, err := l.writerData.WriteAt(hdr.encode(), off); err != nil {
			lk.unlock()
			return l.setErr(KindFileWrite, err)
		}
		if len(data) > 0 {
			if _, err := l.writerData.WriteAt(data, off+recordHeaderLen); err != nil {
				lk.unlock()
				return l.setErr(KindFileWrite, err)
			}
		}

		newOff := off + recordHeaderLen + int64(len(data))
		l.metrics.appends.Inc()
		l.metrics.bytesWritten.Add(float64(len(data)))

		if newOff >= int64(l.meta.cur.UnitLimit) {
			lk.unlock()
			l.closeWriter()
			if err := l.rotate(); err != nil {
				return err
			}
			return nil
		}
		lk.unlock()
		return nil
	}
}

func (l *Log) ensureWriterOpen() error {
	if l.haveWriteLog && l.writerData != nil {
		return nil
	}
	f, err := os.OpenFile(segmentPath(l.dir, l.currentWriteLog), os.O_CREATE|os.O_RDWR, l.fileMode)
	if err != nil {
		return l.setErr(KindFileOpen, err)
	}
	l.writerData = f
	l.haveWriteLog = true
	return nil
}

func (l *Log) closeWriter() {
	if l.writerData != nil {
		l.writerData.Close()
		l.writerData = nil
	}
	l.haveWriteLog = false
}

// rotate performs the atomic rotation protocol (spec.md §4.4): under the
// metastore lock, reload it; if storage_log still equals our current log we
// are first to rotate and advance it, otherwise another cooperating process
// already did and we simply adopt the newer value. Closure of the
// just-finished segment's index is deferred to its next resync.
func (l *Log) rotate() error {
	lk, err := lockFile(metastorePath(l.dir)+".lock", l.fileMode)
	if err != nil {
		return l.setErr(KindLock, err)
	}
	defer lk.unlock()

	l.meta.reload()
	if LogID(l.meta.cur.StorageLog) == l.currentWriteLog {
		next := l.currentWriteLog + 1
		f, err := os.OpenFile(segmentPath(l.dir, next), os.O_CREATE|os.O_RDWR, l.fileMode)
		if err != nil {
			return l.setErr(KindFileOpen, err)
		}
		f.Close()
		l.meta.cur.StorageLog = uint32(next)
		if err := l.meta.save(l.logger); err != nil {
			return err
		}
		level.Debug(l.logger).Log("msg", "rotated segment", "from", l.currentWriteLog, "to", next)
	}
	l.currentWriteLog = LogID(l.meta.cur.StorageLog)
	l.metrics.rotations.Inc()
	l.metrics.currentStorageLog.Set(float64(l.currentWriteLog))
	return nil
}
