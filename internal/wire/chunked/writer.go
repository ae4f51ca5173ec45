package chunked

import (
	"fmt"
	"io"
)

// Writer frames request body chunks the way the request head expects them:
// the head ends right after the transfer-encoding line, so every chunk
// starts with the CRLF closing the previous line.
//
//	transfer-encoding: chunked\r\n
//	\r\n5\r\nhello
//	\r\n0\r\n\r\n
type Writer struct {
	Wire io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w}
}

func (cw *Writer) Write(data []byte) (n int, err error) {
	// Don't send 0-length data. It looks like EOF for chunked encoding.
	if len(data) == 0 {
		return 0, nil
	}
	if _, err = fmt.Fprintf(cw.Wire, "\r\n%x\r\n", len(data)); err != nil {
		return 0, err
	}
	if n, err = cw.Wire.Write(data); err != nil {
		return
	}
	if n != len(data) {
		err = io.ErrShortWrite
	}
	return
}

// Close writes the terminating zero length chunk. trailers are not sent.
func (cw *Writer) Close() error {
	n, err := io.WriteString(cw.Wire, "\r\n0\r\n\r\n")
	if err == nil && n != 7 {
		return io.ErrShortWrite
	}
	return err
}
