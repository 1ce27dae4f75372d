package jlog

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/tysonmote/gommap"
)

const (
	metaLenLegacy = 12
	metaLenCur    = 16
)

// metaLayout mirrors the 16-byte on-disk metastore struct (spec.md §3, §6):
// storage_log, unit_limit, safety, hdr_magic, all u32 host-order (we fix
// little-endian per the byte-order design note).
type metaLayout struct {
	StorageLog uint32
	UnitLimit  uint32
	Safety     uint32
	HdrMagic   uint32
}

func (m metaLayout) encode() []byte {
	buf := make([]byte, metaLenCur)
	binary.LittleEndian.PutUint32(buf[0:4], m.StorageLog)
	binary.LittleEndian.PutUint32(buf[4:8], m.UnitLimit)
	binary.LittleEndian.PutUint32(buf[8:12], m.Safety)
	binary.LittleEndian.PutUint32(buf[12:16], m.HdrMagic)
	return buf
}

func decodeMetaLayout(buf []byte) metaLayout {
	m := metaLayout{
		StorageLog: binary.LittleEndian.Uint32(buf[0:4]),
		UnitLimit:  binary.LittleEndian.Uint32(buf[4:8]),
		Safety:     binary.LittleEndian.Uint32(buf[8:12]),
	}
	if len(buf) >= metaLenCur {
		m.HdrMagic = binary.LittleEndian.Uint32(buf[12:16])
	}
	return m
}

// metastore opens/creates <dir>/metastore, maps it read-write, and persists
// updates under the metastore lock (spec.md §4.1).
type metastore struct {
	path   string
	file   *os.File
	mapped gommap.MMap
	cur    metaLayout
}

// openMetastore opens or creates the metastore file, upgrading a legacy
// 12-byte layout by appending a zero hdr_magic (Open Question #1: only the
// new field is zero-initialized, the rest is kept verbatim).
func openMetastore(path string, template metaLayout, mode os.FileMode) (*metastore, error) {
	existed := true
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, newErr(KindMetaOpen, err)
		}
		existed = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, newErr(KindMetaOpen, err)
	}

	ms := &metastore{path: path, file: f}

	if !existed {
		ms.cur = template
		if _, err := f.WriteAt(template.encode(), 0); err != nil {
			f.Close()
			return nil, newErr(KindCreateMeta, err)
		}
	}

	if err := ms.mapAndLoad(); err != nil {
		f.Close()
		return nil, err
	}
	return ms, nil
}

func (ms *metastore) mapAndLoad() error {
	fi, err := ms.file.Stat()
	if err != nil {
		return newErr(KindMetaOpen, err)
	}
	size := fi.Size()

	if size == metaLenLegacy {
		if _, err := ms.file.WriteAt([]byte{0, 0, 0, 0}, metaLenLegacy); err != nil {
			return newErr(KindMetaOpen, err)
		}
		size = metaLenCur
	}
	if size < metaLenCur {
		// Freshly created file smaller than expected; pad it out.
		pad := make([]byte, metaLenCur-size)
		if _, err := ms.file.WriteAt(pad, size); err != nil {
			return newErr(KindMetaOpen, err)
		}
		size = metaLenCur
	}

	if err := os.Truncate(ms.path, int64(metaLenCur)); err != nil {
		return newErr(KindMetaOpen, err)
	}
	mm, err := gommap.Map(ms.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return newErr(KindMetaOpen, err)
	}
	ms.mapped = mm
	ms.cur = decodeMetaLayout(mm)
	return nil
}

// reload re-reads the mapped bytes, picking up rotations done by another
// cooperating process since our last read.
func (ms *metastore) reload() metaLayout {
	ms.cur = decodeMetaLayout(ms.mapped)
	return ms.cur
}

// save msyncs the mapping; SAFE mode requests MS_SYNC, otherwise
// MS_ASYNC|MS_INVALIDATE is sufficient (spec.md §4.1).
func (ms *metastore) save(logger loggerIface) error {
	copy(ms.mapped, ms.cur.encode())
	flags := gommap.MS_ASYNC | gommap.MS_INVALIDATE
	if Safety(ms.cur.Safety) == Safe {
		flags = gommap.MS_SYNC
	}
	if err := ms.mapped.Sync(flags); err != nil {
		if logger != nil {
			level.Error(logger).Log("msg", "metastore sync failed", "err", err)
		}
		return newErr(KindMetaOpen, err)
	}
	return nil
}

func (ms *metastore) close() error {
	var err error
	if ms.mapped != nil {
		if uerr := ms.mapped.Unmap(); uerr != nil {
			err = uerr
		}
		ms.mapped = nil
	}
	if ms.file != nil {
		if cerr := ms.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		ms.file = nil
	}
	return err
}

// loggerIface narrows go-kit/log.Logger to what metastore.save needs.
type loggerIface interface {
	Log(keyvals ...interface{}) error
}

var _ io.Closer = (*metastore)(nil)

func (ms *metastore) Close() error { return ms.close() }
