package jlog

import (
	"os"

	"github.com/go-kit/log/level"
	"github.com/tysonmote/gommap"
)

// ReadInterval locates the earliest unread position at or after the bound
// subscriber's checkpoint and returns the inclusive [start, finish] marker
// range available to read, per spec.md §4.6. count is finish.Marker -
// start.Marker + 1, or 0 if nothing is available to read.
func (l *Log) ReadInterval() (start, finish Position, count int, err error) {
	if l.m != modeRead {
		return Position{}, Position{}, 0, l.setErr(KindIllegalCheckpoint, nil)
	}
	cp, err := l.ReadCheckpoint()
	if err != nil {
		return Position{}, Position{}, 0, err
	}
	start, finish, count, err = l.readIntervalFor(cp)
	if err != nil {
		return Position{}, Position{}, 0, err
	}
	l.invalidateReadCache()
	return start, finish, count, nil
}

// readIntervalFor implements the actual §4.6 algorithm given an explicit
// checkpoint, independent of which subscriber (if any) is bound to this
// context. It is also used by AddSubscriber(END).
func (l *Log) readIntervalFor(cp Position) (start, finish Position, count int, err error) {
	segStart, last, err := l.findFirstLogAfter(cp)
	if err != nil {
		return Position{}, Position{}, 0, err
	}

	effectiveStart := cp
	if segStart.Log != cp.Log {
		// The checkpointed segment is fully consumed (or gone); persist the
		// advanced position so this scan isn't repeated on the next call.
		if l.subscriber != "" {
			if perr := l.persistCheckpoint(l.subscriber, segStart); perr != nil {
				return Position{}, Position{}, 0, perr
			}
		}
		effectiveStart = segStart
	}

	diff := int64(last.Marker) - int64(effectiveStart.Marker)
	if diff > 0 {
		effectiveStart.Marker++
		return effectiveStart, last, int(diff), nil
	}
	if diff < 0 {
		// Checkpoint lies beyond the end of the segment (e.g. shrunk by
		// repair); snap the checkpoint forward and report nothing to read.
		if l.subscriber != "" {
			if perr := l.persistCheckpoint(l.subscriber, last); perr != nil {
				return Position{}, Position{}, 0, perr
			}
		}
		return last, last, 0, nil
	}
	return effectiveStart, last, 0, nil
}

// findFirstLogAfter implements __find_first_log_after: resync cp.Log if its
// segment file exists; otherwise probe successive LogIDs up to storage_log
// until one exists with a non-empty index.
func (l *Log) findFirstLogAfter(cp Position) (start, finish Position, err error) {
	storageLog := LogID(l.meta.reload().StorageLog)

	id := cp.Log
	if segmentExists(l.dir, id) {
		res, rerr := l.resyncWithRepair(id)
		if rerr != nil {
			return Position{}, Position{}, rerr
		}
		finish = res.Last
		if res.Closed && Marker(cp.Marker) >= finish.Marker {
			next := id + 1
			if next <= storageLog {
				return l.findFirstLogAfter(Position{Log: next, Marker: 0})
			}
		}
		return Position{Log: id, Marker: cp.Marker}, finish, nil
	}

	for probe := id; probe <= storageLog; probe++ {
		if !segmentExists(l.dir, probe) {
			continue
		}
		res, rerr := l.resyncWithRepair(probe)
		if rerr != nil {
			return Position{}, Position{}, rerr
		}
		if res.Last.Marker > 0 || res.Closed {
			return Position{Log: probe, Marker: 0}, res.Last, nil
		}
	}
	// Nothing found anywhere; report an empty interval against storage_log.
	return Position{Log: storageLog, Marker: 0}, Position{Log: storageLog, Marker: 0}, nil
}

func segmentExists(dir string, id LogID) bool {
	_, err := os.Stat(segmentPath(dir, id))
	return err == nil
}

// resyncWithRepair is the "outer retry" wrapper from spec.md §4.5: up to 4
// attempts at resyncIndex; if the target segment isn't the live writer
// segment, a failed attempt triggers datafile repair and a full index
// truncation before the next try.
func (l *Log) resyncWithRepair(id LogID) (resyncResult, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		res, err := l.resyncIndex(id)
		if err == nil {
			return res, nil
		}
		lastErr = err
		level.Debug(l.logger).Log("msg", "resync failed, will attempt repair", "log", id, "attempt", attempt, "err", err)

		storageLog := LogID(l.meta.reload().StorageLog)
		if id == storageLog {
			break
		}
		if _, rerr := l.repairDatafile(id); rerr != nil {
			level.Error(l.logger).Log("msg", "datafile repair failed", "log", id, "err", rerr)
		}
		if idxFile, oerr := l.openIndexFile(id); oerr == nil {
			truncateIndex(idxFile, 0)
			idxFile.Close()
		}
	}
	return resyncResult{}, lastErr
}

// ReadMessage returns the record stored at id, resyncing the segment's
// index first so lazily-built indexes stay current (spec.md §4.7).
func (l *Log) ReadMessage(id Position) (Record, error) {
	if id.Marker < 1 {
		return Record{}, l.setErr(KindIllegalLogID, nil)
	}
	if !segmentExists(l.dir, id.Log) {
		// resyncIndex opens the data file with O_CREATE; without this
		// guard a bogus caller-supplied LogID would conjure a phantom
		// segment into existence (spec.md §3 Invariants).
		return Record{}, l.setErr(KindIllegalLogID, nil)
	}

	res, err := l.resyncWithRepair(id.Log)
	if err != nil {
		return Record{}, err
	}

	idxFile, err := l.openIndexFile(id.Log)
	if err != nil {
		return Record{}, l.setErr(KindIndexOpen, err)
	}
	defer idxFile.Close()

	idxLen, err := indexLen(idxFile)
	if err != nil {
		return Record{}, l.setErr(KindIndexSeek, err)
	}
	if idxLen%indexEntryLen != 0 {
		return Record{}, l.setErr(KindIndexCorrupt, nil)
	}
	entryCount := idxLen / indexEntryLen
	if int64(id.Marker) > entryCount {
		return Record{}, l.setErr(KindIndexCorrupt, nil)
	}

	entryIdx := int64(id.Marker) - 1
	entry, err := readIndexEntry(idxFile, entryIdx)
	if err != nil {
		return Record{}, l.setErr(KindIndexRead, err)
	}
	// A zero offset is the legitimate position of the very first record in
	// the segment; everywhere else a zero entry means either the trailing
	// closed-segment sentinel (spec.md §4.4) or index corruption.
	if entry == 0 && entryIdx != 0 {
		if res.Closed && entryIdx == entryCount-1 {
			return Record{}, ErrCloseLogID
		}
		return Record{}, l.setErr(KindIndexCorrupt, nil)
	}

	if err := l.ensureReaderMapped(id.Log); err != nil {
		return Record{}, err
	}

	off := int64(entry)
	if off+recordHeaderLen > int64(len(l.readerMap)) {
		return Record{}, l.setErr(KindFileCorrupt, nil)
	}
	h := decodeRecordHeader(l.readerMap[off : off+recordHeaderLen])
	payloadEnd := off + recordHeaderLen + int64(h.MLen)
	if payloadEnd > int64(len(l.readerMap)) {
		return Record{}, l.setErr(KindFileCorrupt, nil)
	}

	payload := make([]byte, h.MLen)
	copy(payload, l.readerMap[off+recordHeaderLen:payloadEnd])

	return Record{TVSec: h.TVSec, TVUsec: h.TVUsec, Payload: payload}, nil
}

func (l *Log) ensureReaderMapped(id LogID) error {
	if l.haveReadLog && l.currentReadLog == id && l.readerData != nil {
		return nil
	}
	l.invalidateReadCache()

	f, err := os.OpenFile(segmentPath(l.dir, id), os.O_RDONLY, l.fileMode)
	if err != nil {
		return l.setErr(KindFileOpen, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return l.setErr(KindFileSeek, err)
	}
	if fi.Size() > 0 {
		mm, err := gommap.Map(f.Fd(), gommap.PROT_READ, gommap.MAP_SHARED)
		if err != nil {
			f.Close()
			return l.setErr(KindFileOpen, err)
		}
		l.readerMap = mm
	} else {
		l.readerMap = gommap.MMap{}
	}
	l.readerData = f
	l.currentReadLog = id
	l.haveReadLog = true
	return nil
}
