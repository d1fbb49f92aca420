package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const frameReadChunkSize = 64 << 10

// frameReader turns a raw byte stream into complete JSON text lines.
//
// Lines are split at newline boundaries. A line that does not parse as JSON
// is re-prepended (without its trailing newline) to the buffer so it can be
// completed by the next read; this recovers from a write that split one JSON
// object across two stream chunks. Whitespace-only lines are skipped. At end
// of stream the remaining buffer gets one final parse attempt; failure there
// is logged and dropped, never fatal.
type frameReader struct {
	r   io.Reader
	log *slog.Logger

	buf   []byte
	chunk []byte
	eof   bool
}

func newFrameReader(r io.Reader, log *slog.Logger) *frameReader {
	if log == nil {
		log = slog.Default()
	}
	return &frameReader{
		r:     r,
		log:   log,
		chunk: make([]byte, frameReadChunkSize),
	}
}

// next returns the next complete JSON line, or io.EOF once the stream is
// exhausted. Read errors other than EOF are returned as-is.
func (fr *frameReader) next() ([]byte, error) {
	for {
		if line, ok := fr.takeLine(); ok {
			return line, nil
		}
		if fr.eof {
			return fr.drainTail()
		}
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			fr.eof = true
		}
	}
}

// takeLine pops the next parseable line from the buffer. Returns false when
// the buffer holds no complete line, or when the head line failed to parse
// and must wait for more bytes.
func (fr *frameReader) takeLine() ([]byte, bool) {
	for {
		idx := bytes.IndexByte(fr.buf, '\n')
		if idx < 0 {
			return nil, false
		}
		line := fr.buf[:idx]
		rest := fr.buf[idx+1:]
		if strings.TrimSpace(string(line)) == "" {
			fr.buf = rest
			continue
		}
		if json.Valid(line) {
			out := append([]byte(nil), line...)
			fr.buf = append([]byte(nil), rest...)
			return out, true
		}
		// Partial delivery: glue the fragment back onto the front of the
		// buffer (newline stripped). Each glue removes one newline, so the
		// rescan below terminates; once no newline is left the caller reads
		// the next chunk.
		joined := make([]byte, 0, len(line)+len(rest))
		joined = append(joined, line...)
		joined = append(joined, rest...)
		fr.buf = joined
	}
}

func (fr *frameReader) drainTail() ([]byte, error) {
	tail := strings.TrimSpace(string(fr.buf))
	fr.buf = nil
	if tail == "" {
		return nil, io.EOF
	}
	if json.Valid([]byte(tail)) {
		return []byte(tail), nil
	}
	fr.log.Debug("agent stream tail dropped", "component", "agent_proc", "len", len(tail))
	return nil, io.EOF
}
