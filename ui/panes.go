package ui

import (
	"bytes"
	"fmt"
	"sync"
)

// paneWriterMaxBytes bounds the unterminated tail a paneWriter will hold.
const paneWriterMaxBytes = 64 * 1024

// paneWriter adapts log output to a line-oriented pane. Bytes after the last
// newline wait for the rest of their line; if that tail outgrows
// paneWriterMaxBytes its oldest bytes are discarded and the pane is told once
// per overflow episode.
type paneWriter struct {
	append func(line string)

	mu           sync.Mutex
	tail         []byte
	droppedBytes uint64
	overflowing  bool
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.append == nil {
		return len(p), nil
	}
	var out []string

	w.mu.Lock()
	w.tail = append(w.tail, p...)
	for {
		nl := bytes.IndexByte(w.tail, '\n')
		if nl < 0 {
			break
		}
		out = append(out, string(bytes.TrimSuffix(w.tail[:nl], []byte{'\r'})))
		w.tail = w.tail[nl+1:]
		w.overflowing = false
	}
	if over := len(w.tail) - paneWriterMaxBytes; over > 0 {
		w.tail = append(w.tail[:0:0], w.tail[over:]...)
		w.droppedBytes += uint64(over)
		if !w.overflowing {
			w.overflowing = true
			out = append(out, fmt.Sprintf("[pane: unterminated output over %d bytes, dropping oldest]", paneWriterMaxBytes))
		}
	}
	if len(w.tail) == 0 {
		w.tail = nil
	}
	w.mu.Unlock()

	for _, line := range out {
		w.append(line)
	}
	return len(p), nil
}
