package upstream

import (
	"bytes"
	"context"
	"io"
	"strings"
)

// readChunkSize is how much is pulled from the network per read.
const readChunkSize = 4096

// lineDecoder incrementally splits a provider event stream into lines.
// A record split across two network reads is buffered: the incomplete tail
// stays in buf and is completed by the next read instead of being discarded
// or failing to decode.
type lineDecoder struct {
	r   io.Reader
	buf []byte
	err error
}

func newLineDecoder(r io.Reader) *lineDecoder {
	return &lineDecoder{r: r}
}

// next returns the next complete line without its terminator. It returns
// io.EOF after the final line. Cancellation is observed before each
// underlying read, not mid-buffer.
func (d *lineDecoder) next(ctx context.Context) (string, error) {
	for {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := strings.TrimRight(string(d.buf[:i]), "\r")
			d.buf = d.buf[i+1:]
			return line, nil
		}

		if d.err != nil {
			if len(d.buf) > 0 {
				line := string(d.buf)
				d.buf = nil
				return line, nil
			}
			return "", d.err
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		chunk := make([]byte, readChunkSize)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
		}
		if err != nil {
			d.err = err
		}
	}
}

// dataPayload extracts the payload of a `data: <payload>` event line.
// Returns ok=false for blank lines, comments, and non-data fields.
func dataPayload(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
