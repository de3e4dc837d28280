package proxy

// DESIGN: Upstream responses are relayed to the caller byte-for-byte while a
// capped inspection copy accumulates in memory. The relay path is primary:
// the inspection buffer silently stops growing at its cap and never blocks
// or fails the client stream. Streaming responses (SSE) are flushed
// chunk-by-chunk so events reach the caller as they arrive.

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcpay/gateway/internal/config"
)

// MirroredResponse wraps an upstream response body with a capped inspection
// copy.
type MirroredResponse struct {
	StatusCode int
	Header     http.Header

	body      io.ReadCloser
	buf       bytes.Buffer
	max       int
	truncated bool
}

// NewMirroredResponse takes ownership of resp.Body.
func NewMirroredResponse(resp *http.Response, maxBuffer int) *MirroredResponse {
	if maxBuffer <= 0 {
		maxBuffer = config.MaxMirrorBufferSize
	}
	return &MirroredResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		body:       resp.Body,
		max:        maxBuffer,
	}
}

// IsEventStream reports whether the upstream answered with SSE.
func (m *MirroredResponse) IsEventStream() bool {
	return strings.HasPrefix(m.Header.Get("Content-Type"), "text/event-stream")
}

// Relay copies the upstream body to w, flushing per chunk when streaming,
// and returns the number of bytes written to the caller. Headers and status
// must already be written by the caller of Relay.
func (m *MirroredResponse) Relay(w http.ResponseWriter, streaming bool) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, config.DefaultBufferSize)
	var written int64

	for {
		n, readErr := m.body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			m.observe(chunk)
			wn, writeErr := w.Write(chunk)
			written += int64(wn)
			if writeErr != nil {
				// Client went away; keep what we mirrored so far.
				return written, writeErr
			}
			if streaming && canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			log.Warn().Err(readErr).Msg("upstream body read interrupted")
			return written, readErr
		}
	}
}

// observe appends a chunk to the inspection buffer up to the cap.
func (m *MirroredResponse) observe(chunk []byte) {
	if m.truncated {
		return
	}
	room := m.max - m.buf.Len()
	if room <= 0 {
		m.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		m.truncated = true
	}
	m.buf.Write(chunk)
}

// Snapshot returns the inspection copy and whether it is complete. A
// truncated snapshot must not be cached or parsed as a whole document.
func (m *MirroredResponse) Snapshot() ([]byte, bool) {
	return m.buf.Bytes(), !m.truncated
}

// Close releases the upstream body.
func (m *MirroredResponse) Close() {
	if m.body != nil {
		m.body.Close()
	}
}
