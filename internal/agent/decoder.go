package agent

import "bytes"

// LineDecoder splits an incrementally received byte stream into lines.
// The trailing fragment of each chunk is kept until a later chunk
// completes it.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without the
// trailing newline.
func (d *LineDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	rest := d.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(rest[:i]))
		rest = rest[i+1:]
	}

	if len(rest) == 0 {
		d.buf = d.buf[:0]
	} else if len(lines) > 0 {
		d.buf = append(d.buf[:0], rest...)
	}
	return lines
}

// Pending returns the incomplete fragment held for the next chunk.
func (d *LineDecoder) Pending() string {
	return string(d.buf)
}
