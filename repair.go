package jlog

import (
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
)

type byteRange struct{ start, end int64 }

// repairDatafile salvages a corrupt segment by locating runs of valid
// headers and sliding the surviving data left to close the holes left by
// corruption (spec.md §4.8). It returns the number of coalesced holes
// removed.
func (l *Log) repairDatafile(id LogID) (int, error) {
	path := segmentPath(l.dir, id)
	lk, err := lockFile(path+".lock", l.fileMode)
	if err != nil {
		return 0, l.setErr(KindLock, err)
	}
	defer lk.unlock()

	f, err := os.OpenFile(path, os.O_RDWR, l.fileMode)
	if err != nil {
		return 0, l.setErr(KindFileOpen, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, l.setErr(KindFileSeek, err)
	}
	size := fi.Size()
	hdrMagic := l.meta.cur.HdrMagic

	holes := findInvalidRanges(f, size, hdrMagic)
	if len(holes) == 0 {
		return 0, nil
	}

	newSize, err := compactFile(f, size, holes)
	if err != nil {
		return 0, l.setErr(KindFileWrite, err)
	}
	if err := f.Truncate(newSize); err != nil {
		return 0, l.setErr(KindFileWrite, err)
	}

	l.metrics.holesRemoved.Add(float64(len(holes)))
	level.Debug(l.logger).Log("msg", "datafile repaired", "log", id, "holes", len(holes), "new_size", newSize)
	return len(holes), nil
}

// findInvalidRanges walks the segment, validating each header in turn, and
// byte-scans forward on corruption until it finds a position where two
// consecutive headers validate (or one valid header that runs exactly to
// EOF), treating that as the resync anchor.
func findInvalidRanges(f *os.File, size int64, hdrMagic uint32) []byteRange {
	var holes []byteRange
	pos := int64(0)

	validAt := func(off int64) (recordHeader, bool) {
		if off+recordHeaderLen > size {
			return recordHeader{}, false
		}
		h, ok := readHeaderAt(f, off)
		if !ok || h.Magic != hdrMagic || off+recordHeaderLen+int64(h.MLen) > size {
			return recordHeader{}, false
		}
		return h, true
	}

	for pos+recordHeaderLen <= size {
		h, ok := validAt(pos)
		if ok {
			pos += recordHeaderLen + int64(h.MLen)
			continue
		}

		badStart := pos
		anchor := int64(-1)
		for cand := pos + 1; cand+recordHeaderLen <= size; cand++ {
			h1, ok1 := validAt(cand)
			if !ok1 {
				continue
			}
			next := cand + recordHeaderLen + int64(h1.MLen)
			if next == size {
				anchor = cand
				break
			}
			if _, ok2 := validAt(next); ok2 {
				anchor = cand
				break
			}
		}
		if anchor < 0 {
			holes = append(holes, byteRange{badStart, size})
			pos = size
			break
		}
		holes = append(holes, byteRange{badStart, anchor})
		pos = anchor
	}
	return holes
}

// compactFile slides every byte range between holes left, closing the gaps,
// using fixed-size pread/pwrite copy buffers.
func compactFile(f *os.File, size int64, holes []byteRange) (int64, error) {
	buf := make([]byte, repairCopyBufSize)
	writePos := holes[0].start
	readPos := holes[0].end
	holeIdx := 1

	for readPos < size {
		limit := size
		if holeIdx < len(holes) {
			limit = holes[holeIdx].start
		}
		for readPos < limit {
			n := limit - readPos
			if n > int64(len(buf)) {
				n = int64(len(buf))
			}
			nr, err := f.ReadAt(buf[:n], readPos)
			if nr == 0 && err != nil {
				return 0, err
			}
			if _, err := f.WriteAt(buf[:nr], writePos); err != nil {
				return 0, err
			}
			readPos += int64(nr)
			writePos += int64(nr)
		}
		if holeIdx < len(holes) {
			readPos = holes[holeIdx].end
			holeIdx++
		}
	}
	return writePos, nil
}

// Repair is the orchestrator (ctx_repair) from spec.md §4.10: rebuild the
// metastore and the first checkpoint file found if their contents don't
// match what a freshly-initialized directory would have, or, in aggressive
// mode, destroy the directory entirely.
func (l *Log) Repair(aggressive bool) error {
	ids, err := listHexSegments(l.dir)
	if err != nil {
		return l.setErr(KindOpen, err)
	}
	var earliest, latest LogID
	if len(ids) > 0 {
		earliest = ids[0]
		latest = ids[len(ids)-1]
	}

	expected := metaLayout{
		StorageLog: uint32(latest),
		UnitLimit:  DefaultUnitLimit,
		Safety:     uint32(AlmostSafe),
		HdrMagic:   DefaultHdrMagic,
	}
	metaOK := l.repairMetastore(expected)
	cpOK := l.repairFirstCheckpoint(earliest)

	if !aggressive {
		l.metrics.repairs.WithLabelValues(boolLabel(metaOK && cpOK)).Inc()
		if !metaOK || !cpOK {
			return l.setErr(KindCreateMeta, nil)
		}
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.metrics.repairs.WithLabelValues("false").Inc()
		return l.setErr(KindOpen, err)
	}
	toDelete := make([]string, 0, len(entries))
	for _, e := range entries {
		toDelete = append(toDelete, filepath.Join(l.dir, e.Name()))
	}
	for _, p := range toDelete {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			level.Error(l.logger).Log("msg", "failed to remove file during aggressive repair", "path", p, "err", err)
		}
	}
	if err := os.Remove(l.dir); err != nil {
		l.metrics.repairs.WithLabelValues("false").Inc()
		return l.setErr(KindOpen, err)
	}
	l.metrics.repairs.WithLabelValues("true").Inc()
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (l *Log) repairMetastore(expected metaLayout) bool {
	path := metastorePath(l.dir)
	data, err := os.ReadFile(path)
	if err == nil && len(data) == metaLenCur && decodeMetaLayout(data) == expected {
		return true
	}
	os.Remove(path)
	return os.WriteFile(path, expected.encode(), l.fileMode) == nil
}

func (l *Log) repairFirstCheckpoint(earliest LogID) bool {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := checkpointName(e.Name()); !ok {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		expected := Position{Log: earliest, Marker: 0}
		data, rerr := os.ReadFile(path)
		if rerr == nil && len(data) == checkpointLen && decodeCheckpoint(data) == expected {
			return true
		}
		return writeCheckpointRaw(path, expected, l.fileMode, false) == nil
	}
	return true
}
