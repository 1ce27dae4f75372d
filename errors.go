package jlog

import "fmt"

// ErrorKind classifies the failures a Log operation can surface, per the
// error taxonomy in spec.md §7. It replaces the source library's sentinel
// return codes with a small tagged result.
type ErrorKind int

const (
	// KindNone indicates success; it is never attached to a non-nil error.
	KindNone ErrorKind = iota
	KindIllegalInit
	KindIllegalOpen
	KindIllegalWrite
	KindIllegalCheckpoint
	KindOpen
	KindNotADirectory
	KindPathTooLong
	KindAlreadyExists
	KindMkdirFailed
	KindCreateMeta
	KindLock
	KindIndexOpen
	KindIndexSeek
	KindIndexRead
	KindIndexWrite
	KindIndexCorrupt
	KindFileOpen
	KindFileSeek
	KindFileRead
	KindFileWrite
	KindFileCorrupt
	KindMetaOpen
	KindInvalidSubscriber
	KindSubscriberExists
	KindIllegalLogID
	KindCheckpoint
	KindNotSupported
	// KindCloseLogID is the pseudo-error returned when a reader lands on the
	// closed-segment sentinel entry instead of a real record.
	KindCloseLogID
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindIllegalInit:
		return "illegal_init"
	case KindIllegalOpen:
		return "illegal_open"
	case KindIllegalWrite:
		return "illegal_write"
	case KindIllegalCheckpoint:
		return "illegal_checkpoint"
	case KindOpen:
		return "open"
	case KindNotADirectory:
		return "not_a_directory"
	case KindPathTooLong:
		return "path_too_long"
	case KindAlreadyExists:
		return "already_exists"
	case KindMkdirFailed:
		return "mkdir_failed"
	case KindCreateMeta:
		return "create_meta"
	case KindLock:
		return "lock"
	case KindIndexOpen:
		return "index_open"
	case KindIndexSeek:
		return "index_seek"
	case KindIndexRead:
		return "index_read"
	case KindIndexWrite:
		return "index_write"
	case KindIndexCorrupt:
		return "index_corrupt"
	case KindFileOpen:
		return "file_open"
	case KindFileSeek:
		return "file_seek"
	case KindFileRead:
		return "file_read"
	case KindFileWrite:
		return "file_write"
	case KindFileCorrupt:
		return "file_corrupt"
	case KindMetaOpen:
		return "meta_open"
	case KindInvalidSubscriber:
		return "invalid_subscriber"
	case KindSubscriberExists:
		return "subscriber_exists"
	case KindIllegalLogID:
		return "illegal_logid"
	case KindCheckpoint:
		return "checkpoint"
	case KindNotSupported:
		return "not_supported"
	case KindCloseLogID:
		return "close_logid"
	default:
		return "unknown"
	}
}

// Error is the tagged result attached to the context and returned from
// operations, per the design note preferring (ErrorKind, errno) over
// sentinel codes.
type Error struct {
	Kind  ErrorKind
	Errno error
}

func (e *Error) Error() string {
	if e.Errno != nil {
		return fmt.Sprintf("jlog: %s: %v", e.Kind, e.Errno)
	}
	return fmt.Sprintf("jlog: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Errno }

func newErr(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Errno: cause}
}

// ErrCloseLogID is returned by ReadMessage when the requested position is
// the closed-segment sentinel rather than a real record.
var ErrCloseLogID = newErr(KindCloseLogID, nil)
