package deploy

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// progressWriter forwards git progress output to the logger, one debug
// record per line. Carriage-return updates count as lines.
type progressWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    []byte
}

func newProgressWriter(logger *slog.Logger) *progressWriter {
	return &progressWriter{logger: logger}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *progressWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *progressWriter) emit(line []byte) {
	if s := strings.TrimSpace(string(line)); s != "" {
		w.logger.Debug("git", "output", s)
	}
}
