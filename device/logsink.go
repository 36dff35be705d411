package device

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/caffeineduck/twedge/stream"
	"github.com/caffeineduck/twedge/vfs"
)

// LogPath is the path owned by LogSink.
const LogPath = "/dev/log"

// DefaultMaxLogSize bounds what a guest can buffer in one /dev/log entry.
const DefaultMaxLogSize = 64 << 10

// LogSink accepts newline-separated text and emits one log record per line
// when the entry is closed.
type LogSink struct {
	log     *zap.Logger
	maxSize int
}

// NewLogSink creates the /dev/log provider writing to log.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log, maxSize: DefaultMaxLogSize}
}

// Capability reports /dev/log as write-only.
func (l *LogSink) Capability() vfs.Capability { return vfs.WriteOnly }

// Find implements vfs.Provider.
func (l *LogSink) Find(path string) (*vfs.Entry, bool) {
	if path != LogPath {
		return nil, false
	}
	s := stream.NewPush(stream.WithMaxSize(l.maxSize))
	return vfs.NewEntry(path, vfs.WriteOnly, s, vfs.OnClose(l.flush)), true
}

func (l *LogSink) flush(data []byte) error {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		l.log.Info("guest", zap.String("source", LogPath), zap.ByteString("line", line))
	}
	return nil
}
