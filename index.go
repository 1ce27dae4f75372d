package jlog

import (
	"encoding/binary"
	"os"
)

const indexEntryLen = 8

// openIndexFile opens (creating if necessary) the index file for id in
// read-write mode.
func (l *Log) openIndexFile(id LogID) (*os.File, error) {
	return os.OpenFile(indexPath(l.dir, id), os.O_CREATE|os.O_RDWR, l.fileMode)
}

func indexLen(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// readIndexEntry reads the k'th (0-based) u64 little-endian offset entry.
func readIndexEntry(f *os.File, k int64) (uint64, error) {
	var buf [indexEntryLen]byte
	if _, err := f.ReadAt(buf[:], k*indexEntryLen); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// appendIndexEntries pwrites a batch of offsets starting at byte offset
// idxLen, per the resync buffering in spec.md §4.5 step 5.
func appendIndexEntries(f *os.File, idxLen int64, offsets []uint64) error {
	if len(offsets) == 0 {
		return nil
	}
	buf := make([]byte, len(offsets)*indexEntryLen)
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(buf[i*indexEntryLen:], off)
	}
	_, err := f.WriteAt(buf, idxLen)
	return err
}

// appendClosedSentinel appends a trailing zero u64, marking the index
// closed (spec.md §3, §4.5 step 7).
func appendClosedSentinel(f *os.File, idxLen int64) error {
	var zero [indexEntryLen]byte
	_, err := f.WriteAt(zero[:], idxLen)
	return err
}

// truncateIndex truncates the index file to newLen bytes, used both by the
// resync restart protocol and by repair.
func truncateIndex(f *os.File, newLen int64) error {
	return f.Truncate(newLen)
}
