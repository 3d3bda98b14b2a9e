// Package framing implements the length-prefixed base protocol used to
// delimit JSON-RPC messages on the sidecar's stdio pipes: an ASCII header
// `Content-Length: <N>\r\n\r\n` followed by exactly N body bytes.
package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxMessageSize bounds the declared body size accepted from the
// peer. A corrupted or hostile peer could otherwise make the reader
// allocate an arbitrarily large buffer.
const DefaultMaxMessageSize = 100 * 1024 * 1024

const _headerContentLength = "content-length"

var (
	// ErrMissingContentLength indicates a header block without a parsable Content-Length.
	ErrMissingContentLength = errors.New("missing Content-Length header")
	// ErrMessageTooLarge indicates a declared body size above the configured maximum.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Writer frames JSON bodies onto an output stream. Writes are serialized so
// that concurrent callers can never interleave header and body bytes.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter returns a Writer framing messages onto out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// WriteMessage writes one framed message. The header and body are sent
// within a single critical section.
func (w *Writer) WriteMessage(body []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.out, header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.out.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// Reader parses framed messages from an input stream. It is not safe for
// concurrent use; a single reader task must own it.
type Reader struct {
	in      *bufio.Reader
	maxSize int
}

// NewReader returns a Reader over in. maxSize caps the declared body size;
// zero or negative selects DefaultMaxMessageSize.
func NewReader(in io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Reader{
		in:      bufio.NewReaderSize(in, 64*1024),
		maxSize: maxSize,
	}
}

// ReadMessage reads one framed message body. A clean end of stream before
// any header byte returns io.EOF unwrapped so callers can distinguish
// orderly peer shutdown from a truncated frame.
func (r *Reader) ReadMessage() ([]byte, error) {
	length, err := r.readHeaders()
	if err != nil {
		return nil, err
	}

	if length > r.maxSize {
		return nil, fmt.Errorf("%w: declared %d bytes, maximum %d", ErrMessageTooLarge, length, r.maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.in, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// readHeaders scans header lines up to the blank line and extracts the
// Content-Length value. Unknown headers (e.g. Content-Type) are ignored.
func (r *Reader) readHeaders() (int, error) {
	length := -1
	readAny := false

	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF && !readAny && line == "" {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("reading frame header: %w", err)
		}
		readAny = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), _headerContentLength) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
			}
			length = n
		}
	}

	if length < 0 {
		return 0, ErrMissingContentLength
	}
	return length, nil
}
