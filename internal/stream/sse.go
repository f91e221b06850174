package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxFrameSize = 1 << 20

// frame is one dispatched server-sent event.
type frame struct {
	event string
	data  string
	id    string
}

// decoder reads text/event-stream frames. Lines may end in CRLF, LF or CR.
// A frame cut off by EOF is discarded.
type decoder struct {
	sc     *bufio.Scanner
	lastID string
}

func newDecoder(r io.Reader) *decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrameSize)
	sc.Split(scanLines)
	return &decoder{sc: sc}
}

// next returns the next frame, or io.EOF / the read error when the stream
// ends.
func (d *decoder) next() (frame, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)
	for d.sc.Scan() {
		line := d.sc.Text()
		if line == "" {
			if !hasData {
				event = ""
				continue
			}
			return frame{
				event: event,
				data:  strings.TrimSuffix(data.String(), "\n"),
				id:    d.lastID,
			}, nil
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		}
	}
	if err := d.sc.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.EOF
}

// scanLines is bufio.ScanLines extended to treat a lone CR as a line end.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// CR at the end of the buffer: wait to see whether LF follows.
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
