// Package nativemsg implements browser native messaging framing: each
// message is a UTF-8 JSON document preceded by its length as a 32-bit
// unsigned integer in native (little-endian) byte order.
package nativemsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessage bounds a single message in either direction.
const DefaultMaxMessage = 8 << 20

var (
	ErrMessageTooLarge = errors.New("nativemsg: message exceeds size limit")
	ErrEmptyMessage    = errors.New("nativemsg: zero-length message")
)

// Reader reads length-prefixed messages from a stream.
type Reader struct {
	r   io.Reader
	max int
}

// NewReader creates a Reader. max <= 0 selects DefaultMaxMessage.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	return &Reader{r: r, max: max}
}

// ReadMessage reads a single message body. It returns io.EOF when the stream
// ends cleanly between messages and io.ErrUnexpectedEOF when it ends inside
// one.
func (r *Reader) ReadMessage() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, ErrEmptyMessage
	}
	if uint64(n) > uint64(r.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, r.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// Writer writes length-prefixed messages to a stream. It is safe for
// concurrent use; each message is written atomically with respect to other
// WriteMessage calls.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

// NewWriter creates a Writer. max <= 0 selects DefaultMaxMessage.
func NewWriter(w io.Writer, max int) *Writer {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	return &Writer{w: w, max: max}
}

// WriteMessage writes one message body with its length prefix.
func (w *Writer) WriteMessage(body []byte) error {
	buf, err := Encode(body, w.max)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(buf)
	return err
}

// Encode returns body with its length prefix, ready to be written in one
// call. max <= 0 selects DefaultMaxMessage.
func Encode(body []byte, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxMessage
	}
	if len(body) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(body) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(body), max)
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}
