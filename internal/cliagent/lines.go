package cliagent

import (
	"bytes"
	"io"
)

// readBufferSize is the chunk size for stdout reads.
const readBufferSize = 64 * 1024

// readLines consumes r as a byte stream, splits on newlines with a
// leftover buffer, and calls handle for each complete non-empty line.
// After EOF any remaining leftover is processed as a final line. handle
// errors abort the read.
func readLines(r io.Reader, handle func(line []byte) error) error {
	var leftover []byte
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			leftover = append(leftover, buf[:n]...)
			for {
				idx := bytes.IndexByte(leftover, '\n')
				if idx < 0 {
					break
				}
				line := bytes.TrimSpace(leftover[:idx])
				leftover = leftover[idx+1:]
				if len(line) == 0 {
					continue
				}
				if err := handle(line); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				return readErr
			}
			break
		}
	}

	if line := bytes.TrimSpace(leftover); len(line) > 0 {
		return handle(line)
	}
	return nil
}
