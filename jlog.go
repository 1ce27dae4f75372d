// Package jlog implements a journaled, append-only, multi-subscriber
// message log stored as a directory of segment files on a local filesystem.
// A single writer appends variable-length records; independent subscribers
// read those records at their own pace, each maintaining a durable
// checkpoint, and segments are garbage-collected once every subscriber has
// advanced past them.
package jlog

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tysonmote/gommap"
)

// mode tracks the context's lifecycle state per spec.md §6.
type mode int

const (
	modeNew mode = iota
	modeInit
	modeAppend
	modeRead
	modeInvalid
)

// Log is a handle onto one log directory. It is not safe for concurrent use
// by multiple goroutines in APPEND mode (only one writer is permitted per
// directory at all, per spec.md Non-goals); independent Log handles, even
// across processes, coordinate only through the advisory file locks in
// lock.go.
type Log struct {
	dir string
	m   mode

	template metaLayout
	fileMode os.FileMode
	dirMode  os.FileMode

	logger  log.Logger
	reg     prometheus.Registerer
	metrics *logMetrics

	meta *metastore

	// Reader-side caches (spec.md §4.2): switching currentReadLog
	// invalidates readerData/readerMap/readerIdx.
	currentReadLog LogID
	readerData     *os.File
	readerMap      gommap.MMap
	readerIdx      *os.File
	haveReadLog    bool

	// Writer-side cache.
	currentWriteLog LogID
	writerData      *os.File
	haveWriteLog    bool

	subscriber string

	lastErr *Error
}

// New returns an unopened handle for the log directory at path. Call Init
// (for a fresh directory) then OpenWriter/OpenReader, or OpenWriter/
// OpenReader directly against an already-initialized directory.
func New(path string, opts ...Option) *Log {
	l := &Log{
		dir: path,
		m:   modeNew,
		template: metaLayout{
			StorageLog: 0,
			UnitLimit:  DefaultUnitLimit,
			Safety:     uint32(DefaultSafety),
			HdrMagic:   DefaultHdrMagic,
		},
		fileMode: DefaultFileMode,
		logger:   log.NewNopLogger(),
		reg:      prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dirMode == 0 {
		l.dirMode = deriveDirMode(l.fileMode)
	}
	l.metrics = newLogMetrics(l.reg)
	return l
}

// deriveDirMode mirrors each read bit into the matching execute bit, so a
// 0640 file mode yields a 0750 directory mode (spec.md §6).
func deriveDirMode(fileMode os.FileMode) os.FileMode {
	perm := fileMode.Perm()
	var dir os.FileMode
	for _, shift := range []uint{6, 3, 0} {
		bits := (perm >> shift) & 0o7
		if bits&0o4 != 0 {
			bits |= 0o1
		}
		dir |= bits << shift
	}
	return dir
}

func (l *Log) setErr(kind ErrorKind, cause error) error {
	e := newErr(kind, cause)
	l.lastErr = e
	return e
}

// LastError returns the most recent tagged error recorded on this context,
// or nil if none has occurred.
func (l *Log) LastError() *Error { return l.lastErr }

// LastErrno returns the OS-level error wrapped by LastError, if any.
func (l *Log) LastErrno() error {
	if l.lastErr == nil {
		return nil
	}
	return l.lastErr.Errno
}

// Init creates the log directory (if missing) and its metastore (if
// missing). It is idempotent on an already-initialized directory.
func (l *Log) Init() error {
	if l.m != modeNew {
		return l.setErr(KindIllegalInit, nil)
	}
	if err := os.MkdirAll(l.dir, l.dirMode); err != nil {
		return l.setErr(KindMkdirFailed, err)
	}
	fi, err := os.Stat(l.dir)
	if err != nil {
		return l.setErr(KindOpen, err)
	}
	if !fi.IsDir() {
		return l.setErr(KindNotADirectory, nil)
	}

	ms, err := openMetastore(metastorePath(l.dir), l.template, l.fileMode)
	if err != nil {
		return err
	}
	l.meta = ms
	l.m = modeInit
	return nil
}

// OpenWriter transitions the context into APPEND mode, acquiring the
// metastore lock to reload it and pick up any rotation performed by a prior
// aborted writer process (spec.md §4.2 "Writer open").
func (l *Log) OpenWriter() error {
	if l.m == modeNew {
		if err := l.Init(); err != nil {
			return err
		}
	}
	if l.m != modeInit {
		return l.setErr(KindIllegalOpen, nil)
	}
	if err := l.reloadMetaLocked(); err != nil {
		return err
	}
	l.currentWriteLog = LogID(l.meta.cur.StorageLog)
	l.haveWriteLog = false
	l.m = modeAppend
	l.metrics.currentStorageLog.Set(float64(l.currentWriteLog))
	return nil
}

// OpenReader transitions the context into READ mode bound to subscriber
// name, which must already exist (see AddSubscriber).
func (l *Log) OpenReader(name string) error {
	if l.m == modeNew {
		if err := l.Init(); err != nil {
			return err
		}
	}
	if l.m != modeInit {
		return l.setErr(KindIllegalOpen, nil)
	}
	if _, err := os.Stat(checkpointPath(l.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return l.setErr(KindInvalidSubscriber, err)
		}
		return l.setErr(KindOpen, err)
	}
	l.subscriber = name
	l.m = modeRead
	return nil
}

func (l *Log) reloadMetaLocked() error {
	lk, err := lockFile(metastorePath(l.dir)+".lock", l.fileMode)
	if err != nil {
		return l.setErr(KindLock, err)
	}
	defer lk.unlock()
	l.meta.reload()
	return nil
}

// FirstLogID returns the minimum parseable 8-hex segment file name in the
// directory, or 0 if none exists.
func (l *Log) FirstLogID() (LogID, error) {
	ids, err := listHexSegments(l.dir)
	if err != nil {
		return 0, l.setErr(KindOpen, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// LastLogID returns the current writer segment's LogID (storage_log).
func (l *Log) LastLogID() (LogID, error) {
	if l.meta == nil {
		return 0, l.setErr(KindIllegalOpen, nil)
	}
	return LogID(l.meta.reload().StorageLog), nil
}

// RawSize returns the combined size in bytes of every file currently in the
// directory: segments and indexes, plus the metastore, checkpoint and lock
// files.
func (l *Log) RawSize() (int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, l.setErr(KindOpen, err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// AlterSafety changes the fsync/msync discipline. If the metastore is
// already open it is persisted immediately; otherwise the change is staged
// into the pre-init template (spec.md §4.1).
func (l *Log) AlterSafety(s Safety) error {
	if l.meta != nil {
		l.meta.cur.Safety = uint32(s)
		return l.meta.save(l.logger)
	}
	l.template.Safety = uint32(s)
	return nil
}

// AlterJournalSize changes the rotation threshold (unit_limit), same
// open/staged split as AlterSafety.
func (l *Log) AlterJournalSize(n uint32) error {
	if l.meta != nil {
		l.meta.cur.UnitLimit = n
		return l.meta.save(l.logger)
	}
	l.template.UnitLimit = n
	return nil
}

// AlterMode changes the file mode used for newly created segment, index and
// checkpoint files going forward; it does not chmod existing files.
func (l *Log) AlterMode(mode os.FileMode) error {
	l.fileMode = mode
	l.dirMode = deriveDirMode(mode)
	return nil
}

// Clean removes any segment (and its index) that lies strictly before the
// earliest position any subscriber has checkpointed to, without requiring a
// new checkpoint write to trigger it. It is a safe, idempotent maintenance
// operation distinct from Repair.
func (l *Log) Clean() error {
	earliest, err := l.minSubscriberLogID()
	if err != nil {
		return err
	}
	ids, err := listHexSegments(l.dir)
	if err != nil {
		return l.setErr(KindOpen, err)
	}
	for _, id := range ids {
		if id >= earliest {
			continue
		}
		l.removeSegment(id)
	}
	return nil
}

func (l *Log) removeSegment(id LogID) {
	if err := os.Remove(segmentPath(l.dir, id)); err != nil && !os.IsNotExist(err) {
		l.logger.Log("msg", "failed to remove segment", "log", id, "err", err)
	}
	if err := os.Remove(indexPath(l.dir, id)); err != nil && !os.IsNotExist(err) {
		l.logger.Log("msg", "failed to remove index", "log", id, "err", err)
	}
	l.metrics.segmentsRemoved.Inc()
}

// Close releases all open handles. It is safe to call multiple times.
func (l *Log) Close() error {
	l.invalidateReadCache()
	if l.writerData != nil {
		l.writerData.Close()
		l.writerData = nil
	}
	var err error
	if l.meta != nil {
		err = l.meta.close()
		l.meta = nil
	}
	l.m = modeInvalid
	return err
}

func (l *Log) invalidateReadCache() {
	if l.readerMap != nil {
		l.readerMap.Unmap()
		l.readerMap = nil
	}
	if l.readerData != nil {
		l.readerData.Close()
		l.readerData = nil
	}
	if l.readerIdx != nil {
		l.readerIdx.Close()
		l.readerIdx = nil
	}
	l.haveReadLog = false
}

func (l *Log) debugString() string {
	return fmt.Sprintf("Log{dir=%s mode=%d subscriber=%q}", l.dir, l.m, l.subscriber)
}
