package jlog

import (
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Log before Init/OpenWriter/OpenReader, the same
// functional-option shape as the teacher's walOpt.
type Option func(*Log)

// WithUnitLimit sets the rotation threshold in bytes applied the next time
// the metastore template is written (i.e. at Init on a fresh directory).
func WithUnitLimit(n uint32) Option {
	return func(l *Log) { l.template.UnitLimit = n }
}

// WithSafety sets the fsync/msync discipline applied at Init time.
func WithSafety(s Safety) Option {
	return func(l *Log) { l.template.Safety = uint32(s) }
}

// WithHdrMagic overrides the record magic written into the metastore
// template at Init time. Rarely needed outside of tests exercising the
// legacy-upgrade path.
func WithHdrMagic(magic uint32) Option {
	return func(l *Log) { l.template.HdrMagic = magic }
}

// WithLogger installs a structured logger for background/non-fatal failures
// (resync retries, retention errors) that cannot be returned synchronously.
func WithLogger(logger log.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithRegisterer installs a Prometheus registerer for the log's metrics.
// Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Log) { l.reg = reg }
}

// WithFileMode overrides the file mode used for new segment, index and
// checkpoint files. Default is DefaultFileMode (0640).
func WithFileMode(mode os.FileMode) Option {
	return func(l *Log) { l.fileMode = mode }
}

// WithDirMode overrides the mode used when Init creates the directory.
func WithDirMode(mode os.FileMode) Option {
	return func(l *Log) { l.dirMode = mode }
}
