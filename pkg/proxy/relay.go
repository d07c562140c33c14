package proxy

import (
	"errors"
	"io"
	"net/http"
)

const relayChunkSize = 32 * 1024

// previewBuffer keeps the first limit bytes written to it and discards the
// rest. It never fails, so it can sit on a tee without affecting the relay.
type previewBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newPreviewBuffer(limit int) *previewBuffer {
	if limit < 0 {
		limit = 0
	}
	return &previewBuffer{limit: limit}
}

// Write implements io.Writer.
func (p *previewBuffer) Write(b []byte) (int, error) {
	room := p.limit - len(p.buf)
	switch {
	case room >= len(b):
		p.buf = append(p.buf, b...)
	case room > 0:
		p.buf = append(p.buf, b[:room]...)
		p.truncated = true
	case len(b) > 0:
		p.truncated = true
	}
	return len(b), nil
}

// String returns the captured bytes.
func (p *previewBuffer) String() string {
	return string(p.buf)
}

// relayResult reports how a relay ended. At most one of ReadErr and
// WriteErr is set.
type relayResult struct {
	Bytes    int64
	ReadErr  error
	WriteErr error
}

// relay copies src to w chunk by chunk, flushing after every chunk so that
// server-sent events reach the client as they arrive. Every chunk is also
// written to tee.
func relay(w http.ResponseWriter, src io.Reader, tee io.Writer) relayResult {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayChunkSize)

	var res relayResult
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			_, _ = tee.Write(buf[:nr])

			nw, werr := w.Write(buf[:nr])
			res.Bytes += int64(nw)
			if werr == nil && nw < nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				res.WriteErr = werr
				return res
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				res.WriteErr = err
				return res
			}
		}
		if rerr == io.EOF {
			return res
		}
		if rerr != nil {
			res.ReadErr = rerr
			return res
		}
	}
}
