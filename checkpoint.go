package jlog

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/go-kit/log/level"
)

const checkpointLen = 8

func encodeCheckpoint(p Position) []byte {
	buf := make([]byte, checkpointLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Log))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Marker))
	return buf
}

func decodeCheckpoint(buf []byte) Position {
	return Position{
		Log:    LogID(binary.LittleEndian.Uint32(buf[0:4])),
		Marker: Marker(binary.LittleEndian.Uint32(buf[4:8])),
	}
}

// readCheckpointRaw reads a checkpoint file directly, without the caller's
// subscriber lock discipline; used internally where the lock is already
// held or irrelevant (e.g. pending_readers scans).
func readCheckpointRaw(path string) (Position, error) {
	buf := make([]byte, checkpointLen)
	f, err := os.Open(path)
	if err != nil {
		return Position{}, err
	}
	defer f.Close()
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Position{}, err
	}
	return decodeCheckpoint(buf), nil
}

func writeCheckpointRaw(path string, p Position, mode os.FileMode, sync bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(encodeCheckpoint(p), 0); err != nil {
		return err
	}
	if sync {
		return f.Sync()
	}
	return nil
}

// ReadCheckpoint returns the current checkpoint position of the subscriber
// this context was opened to read as (OpenReader).
func (l *Log) ReadCheckpoint() (Position, error) {
	if l.m != modeRead {
		return Position{}, l.setErr(KindIllegalCheckpoint, nil)
	}
	pos, err := readCheckpointRaw(checkpointPath(l.dir, l.subscriber))
	if err != nil {
		return Position{}, l.setErr(KindCheckpoint, err)
	}
	return pos, nil
}

// persistCheckpoint writes name's checkpoint file directly, under its file
// lock, without running retention. Used internally by ReadInterval to avoid
// re-reading an already-consumed segment (spec.md §4.6 step 2).
func (l *Log) persistCheckpoint(name string, p Position) error {
	path := checkpointPath(l.dir, name)
	lk, err := lockFile(path+".lock", l.fileMode)
	if err != nil {
		return l.setErr(KindLock, err)
	}
	defer lk.unlock()
	if err := writeCheckpointRaw(path, p, l.fileMode, Safety(l.meta.cur.Safety) == Safe); err != nil {
		return l.setErr(KindCheckpoint, err)
	}
	return nil
}

// AddSubscriber creates a new durable checkpoint for name, positioned per
// whence (spec.md §4.9). It fails with SubscriberExists if the checkpoint
// file already exists.
func (l *Log) AddSubscriber(name string, whence Whence) error {
	path := checkpointPath(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, l.fileMode)
	if err != nil {
		if os.IsExist(err) {
			return l.setErr(KindSubscriberExists, err)
		}
		return l.setErr(KindOpen, err)
	}
	f.Close()

	var pos Position
	switch whence {
	case Begin:
		first, err := l.FirstLogID()
		if err != nil {
			return err
		}
		pos = Position{Log: first, Marker: 0}
	case End:
		first, err := l.FirstLogID()
		if err != nil {
			os.Remove(path)
			return err
		}
		_, finish, _, err := l.readIntervalFor(Position{Log: first, Marker: 0})
		if err != nil {
			os.Remove(path)
			return err
		}
		pos = finish
	}
	if err := writeCheckpointRaw(path, pos, l.fileMode, Safety(l.meta.cur.Safety) == Safe); err != nil {
		return l.setErr(KindCheckpoint, err)
	}
	return nil
}

// RemoveSubscriber deletes name's checkpoint file.
func (l *Log) RemoveSubscriber(name string) error {
	if err := os.Remove(checkpointPath(l.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return l.setErr(KindInvalidSubscriber, err)
		}
		return l.setErr(KindOpen, err)
	}
	return nil
}

// ListSubscribers returns the decoded names of every checkpoint file in the
// directory.
func (l *Log) ListSubscribers() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, l.setErr(KindOpen, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := checkpointName(e.Name()); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// pendingReaders scans cp.* files, returning the count of subscribers whose
// checkpoint LogID is <= log, and the minimum LogID observed across all
// subscribers (spec.md §4.9). If no subscriber checkpoint could be read,
// earliest is log+1.
func (l *Log) pendingReaders(log LogID) (count int, earliest LogID, err error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, 0, l.setErr(KindOpen, err)
	}
	earliest = LogID(l.meta.reload().StorageLog)
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := checkpointName(e.Name())
		if !ok {
			continue
		}
		path := checkpointPath(l.dir, name)
		lk, lerr := lockFile(path+".lock", l.fileMode)
		if lerr != nil {
			continue
		}
		pos, rerr := readCheckpointRaw(path)
		lk.unlock()
		if rerr != nil {
			continue
		}
		found = true
		if pos.Log <= log {
			count++
		}
		if pos.Log < earliest {
			earliest = pos.Log
		}
	}
	if !found {
		earliest = log + 1
	}
	return count, earliest, nil
}

// minSubscriberLogID returns the minimum checkpoint LogID across every
// subscriber, or the current storage_log if there are no subscribers (i.e.
// nothing constrains retention beyond the live segment).
func (l *Log) minSubscriberLogID() (LogID, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, l.setErr(KindOpen, err)
	}
	earliest := LogID(l.meta.reload().StorageLog)
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := checkpointName(e.Name())
		if !ok {
			continue
		}
		path := checkpointPath(l.dir, name)
		lk, lerr := lockFile(path+".lock", l.fileMode)
		if lerr != nil {
			continue
		}
		pos, rerr := readCheckpointRaw(path)
		lk.unlock()
		if rerr != nil {
			continue
		}
		if !found || pos.Log < earliest {
			earliest = pos.Log
			found = true
		}
	}
	return earliest, nil
}

// SetCheckpoint advances name's durable checkpoint to id, then runs
// retention: every segment LogID in [old.Log, id.Log) whose pendingReaders
// count is zero is unlinked, along with its index (spec.md §4.9).
func (l *Log) SetCheckpoint(name string, id Position) error {
	path := checkpointPath(l.dir, name)
	lk, err := lockFile(path+".lock", l.fileMode)
	if err != nil {
		return l.setErr(KindLock, err)
	}

	old, rerr := readCheckpointRaw(path)
	if rerr != nil {
		// A missing file or a short/empty read (the file exists but
		// AddSubscriber crashed between its O_CREAT|O_EXCL open and its
		// first writeCheckpointRaw) both default to (id.Log, 0) per
		// spec.md §4.9.
		if !os.IsNotExist(rerr) && !errors.Is(rerr, io.EOF) {
			lk.unlock()
			return l.setErr(KindCheckpoint, rerr)
		}
		old = Position{Log: id.Log, Marker: 0}
	}

	werr := writeCheckpointRaw(path, id, l.fileMode, Safety(l.meta.cur.Safety) == Safe)
	lk.unlock()
	if werr != nil {
		return l.setErr(KindCheckpoint, werr)
	}
	l.metrics.checkpointAdvance.Inc()

	for log := old.Log; log < id.Log; log++ {
		count, _, perr := l.pendingReaders(log)
		if perr != nil {
			level.Error(l.logger).Log("msg", "pending_readers scan failed during retention", "log", log, "err", perr)
			continue
		}
		if count == 0 {
			l.removeSegment(log)
		}
	}
	return nil
}
