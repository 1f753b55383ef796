package callwall

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineLen bounds a single modem line; anything longer is line noise.
const maxLineLen = 4096

// ScanLines is a bufio.SplitFunc for modem output. Lines may be terminated by
// CR, LF or CRLF (modems mix them freely depending on V/S3/S4 settings). The
// terminators are stripped and empty lines are skipped. A trailing fragment
// without terminator is only returned at EOF.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if start == len(data) {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		end := start + i
		return end + 1, bytes.TrimSpace(data[start:end]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data[start:]), nil
	}
	return start, nil, nil
}

// readLines frames r into lines and sends them to out in arrival order. When
// the reader fails, the error (io.EOF included) is sent on errc and out is
// closed. Sending stops early when done is closed.
func readLines(r io.Reader, out chan<- string, errc chan<- error, done <-chan struct{}) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 256), maxLineLen)
	scanner.Split(ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case errc <- err:
	case <-done:
	}
}
