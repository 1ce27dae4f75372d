package jlog

import (
	"os"

	"github.com/go-kit/log/level"
)

// resyncResult is what a successful resync (or a resync that found a closed
// segment) reports back to the caller.
type resyncResult struct {
	Last   Position
	Closed bool
}

// resyncIndex is the heart of the reader path (spec.md §4.5): it builds or
// extends an index from the data segment, detecting and marking closed
// segments, retrying once under lock on any corruption before surfacing
// IndexCorrupt.
func (l *Log) resyncIndex(id LogID) (resyncResult, error) {
	idxPath := indexPath(l.dir, id)
	dataPath := segmentPath(l.dir, id)

	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, l.fileMode)
	if err != nil {
		return resyncResult{}, l.setErr(KindIndexOpen, err)
	}
	defer idxFile.Close()

	dataFile, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDONLY, l.fileMode)
	if err != nil {
		return resyncResult{}, l.setErr(KindFileOpen, err)
	}
	defer dataFile.Close()

	storageLog := LogID(l.meta.reload().StorageLog)
	hdrMagic := l.meta.cur.HdrMagic

	var lastErr *Error
	corrupt := false
	for attempt := 0; attempt < 2; attempt++ {
		lk, err := lockFile(idxPath+".lock", l.fileMode)
		if err != nil {
			return resyncResult{}, l.setErr(KindLock, err)
		}

		res, truncTo, rerr := resyncOnce(dataFile, idxFile, id, storageLog, hdrMagic)
		lk.unlock()

		if rerr == nil {
			l.metrics.resyncs.Inc()
			return res, nil
		}

		if truncTo >= 0 {
			if terr := truncateIndex(idxFile, truncTo); terr != nil {
				level.Error(l.logger).Log("msg", "index truncate during resync restart failed", "log", id, "err", terr)
			}
		}
		lastErr = rerr
		corrupt = truncTo >= 0
		l.metrics.resyncRetries.Inc()
		level.Debug(l.logger).Log("msg", "index resync restart", "log", id, "attempt", attempt, "err", rerr)
	}
	if corrupt {
		return resyncResult{}, l.setErr(KindIndexCorrupt, lastErr)
	}
	return resyncResult{}, lastErr
}

// resyncOnce performs a single resync attempt. truncTo is the byte length
// the index should be truncated to before retrying (-1 if no truncation is
// warranted, i.e. the error is terminal on its own).
func resyncOnce(dataFile, idxFile *os.File, id, storageLog LogID, hdrMagic uint32) (resyncResult, int64, *Error) {
	idxLen, err := indexLen(idxFile)
	if err != nil {
		return resyncResult{}, -1, newErr(KindIndexSeek, err)
	}
	dataLen, err := indexLen(dataFile)
	if err != nil {
		return resyncResult{}, -1, newErr(KindFileSeek, err)
	}

	if idxLen%indexEntryLen != 0 {
		return resyncResult{}, (idxLen / indexEntryLen) * indexEntryLen, newErr(KindIndexCorrupt, nil)
	}

	var dataOff int64
	if idxLen > indexEntryLen {
		lastEntry, err := readIndexEntry(idxFile, idxLen/indexEntryLen-1)
		if err != nil {
			return resyncResult{}, -1, newErr(KindIndexRead, err)
		}
		if lastEntry == 0 {
			return resyncResult{
				Last:   Position{Log: id, Marker: Marker(idxLen/indexEntryLen - 1)},
				Closed: true,
			}, -1, nil
		}
		if int64(lastEntry) > dataLen {
			return resyncResult{}, idxLen - indexEntryLen, newErr(KindIndexCorrupt, nil)
		}
		dataOff = int64(lastEntry)
		h, ok := readHeaderAt(dataFile, dataOff)
		if !ok {
			return resyncResult{}, idxLen - indexEntryLen, newErr(KindFileCorrupt, nil)
		}
		dataOff += recordHeaderLen + int64(h.MLen)
	} else if idxLen == indexEntryLen {
		entry, err := readIndexEntry(idxFile, 0)
		if err != nil {
			return resyncResult{}, -1, newErr(KindIndexRead, err)
		}
		if int64(entry) > dataLen {
			return resyncResult{}, 0, newErr(KindIndexCorrupt, nil)
		}
		h, ok := readHeaderAt(dataFile, int64(entry))
		if !ok {
			return resyncResult{}, 0, newErr(KindFileCorrupt, nil)
		}
		dataOff = int64(entry) + recordHeaderLen + int64(h.MLen)
	}

	buf := make([]uint64, 0, maxResyncBatch)
	flush := func() *Error {
		if err := appendIndexEntries(idxFile, idxLen, buf); err != nil {
			return newErr(KindIndexWrite, err)
		}
		idxLen += int64(len(buf)) * indexEntryLen
		buf = buf[:0]
		return nil
	}

	for {
		if dataOff+recordHeaderLen > dataLen {
			break
		}
		h, ok := readHeaderAt(dataFile, dataOff)
		if !ok {
			return resyncResult{}, idxLen, newErr(KindFileRead, nil)
		}
		if h.Magic != hdrMagic {
			return resyncResult{}, idxLen, newErr(KindFileCorrupt, nil)
		}
		next := dataOff + recordHeaderLen + int64(h.MLen)
		if next > dataLen {
			break
		}
		buf = append(buf, uint64(dataOff))
		if len(buf) >= maxResyncBatch {
			if ferr := flush(); ferr != nil {
				return resyncResult{}, idxLen, ferr
			}
		}
		dataOff = next
	}
	if ferr := flush(); ferr != nil {
		return resyncResult{}, idxLen, ferr
	}

	res := resyncResult{Last: Position{Log: id, Marker: Marker(idxLen / indexEntryLen)}}

	if id < storageLog {
		if dataOff != dataLen {
			return resyncResult{}, -1, newErr(KindFileCorrupt, nil)
		}
		if idxLen > 0 {
			if err := appendClosedSentinel(idxFile, idxLen); err != nil {
				return resyncResult{}, -1, newErr(KindIndexWrite, err)
			}
			res.Closed = true
		}
	}
	return res, -1, nil
}

func readHeaderAt(f *os.File, off int64) (recordHeader, bool) {
	var buf [recordHeaderLen]byte
	n, err := f.ReadAt(buf[:], off)
	if err != nil || n != recordHeaderLen {
		return recordHeader{}, false
	}
	return decodeRecordHeader(buf[:]), true
}
